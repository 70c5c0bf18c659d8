package scripting

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Metadata is what a script declares about itself, either in its leading
// comment block or in an adjacent "<script>.meta.yaml" file.
type Metadata struct {
	// Declared is false when the script declares no capabilities at all;
	// such a script receives the host's default grant.
	Declared     bool
	Capabilities []Grant
	MaxMemory    uint64
	Timeout      time.Duration
	APIRate      int
}

// ParseHeader reads "@key: value" directives from the comment lines at the
// top of src. Parsing stops at the first line that is neither blank nor a
// comment.
//
//	-- @capabilities: console_write, file_read(/assets/**)
//	-- @memory: 16MB
//	-- @timeout: 10ms
//	-- @rate: 200
func ParseHeader(src string, lang Language) (Metadata, error) {
	var meta Metadata
	prefix := "--"
	if lang == LangJS {
		prefix = "//"
	}
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, prefix) {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		if !strings.HasPrefix(body, "@") {
			continue
		}
		key, value, ok := strings.Cut(body[1:], ":")
		if !ok {
			continue
		}
		if err := meta.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

func (m *Metadata) set(key, value string) error {
	switch strings.ToLower(key) {
	case "capabilities":
		grants, err := ParseGrants(splitCapabilityList(value))
		if err != nil {
			return err
		}
		m.Declared = true
		m.Capabilities = append(m.Capabilities, grants...)
	case "memory":
		n, err := humanize.ParseBytes(value)
		if err != nil {
			return InvalidArguments("metadata", "bad @memory %q: %v", value, err)
		}
		m.MaxMemory = n
	case "timeout":
		d, err := parseTimeout(value)
		if err != nil {
			return InvalidArguments("metadata", "bad @timeout %q: %v", value, err)
		}
		m.Timeout = d
	case "rate":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return InvalidArguments("metadata", "bad @rate %q", value)
		}
		m.APIRate = n
	}
	// Other @tags (author, description, ...) are ignored.
	return nil
}

// parseTimeout accepts Go durations ("10ms") and bare millisecond counts.
func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if n, aerr := strconv.Atoi(s); aerr == nil {
		d, err = time.Duration(n)*time.Millisecond, nil
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// splitCapabilityList splits on commas outside parentheses and braces.
func splitCapabilityList(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

type sidecarFile struct {
	Capabilities []string `yaml:"capabilities"`
	Memory       string   `yaml:"memory"`
	Timeout      string   `yaml:"timeout"`
	Rate         *int     `yaml:"rate"`
}

// ParseSidecar decodes a metadata file. Unknown keys are rejected.
func ParseSidecar(data []byte) (Metadata, error) {
	var f sidecarFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Metadata{}, InvalidArguments("metadata", "sidecar: %v", err)
	}
	var m Metadata
	if f.Capabilities != nil {
		grants, err := ParseGrants(f.Capabilities)
		if err != nil {
			return Metadata{}, err
		}
		m.Declared = true
		m.Capabilities = grants
	}
	if f.Memory != "" {
		if err := m.set("memory", f.Memory); err != nil {
			return Metadata{}, err
		}
	}
	if f.Timeout != "" {
		if err := m.set("timeout", f.Timeout); err != nil {
			return Metadata{}, err
		}
	}
	if f.Rate != nil {
		if *f.Rate < 0 {
			return Metadata{}, InvalidArguments("metadata", "bad rate %d", *f.Rate)
		}
		m.APIRate = *f.Rate
	}
	return m, nil
}

// Merge overlays the fields set in o onto m.
func (m Metadata) Merge(o Metadata) Metadata {
	if o.Declared {
		m.Declared = true
		m.Capabilities = o.Capabilities
	}
	if o.MaxMemory != 0 {
		m.MaxMemory = o.MaxMemory
	}
	if o.Timeout != 0 {
		m.Timeout = o.Timeout
	}
	if o.APIRate != 0 {
		m.APIRate = o.APIRate
	}
	return m
}
