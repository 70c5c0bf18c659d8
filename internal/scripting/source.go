package scripting

import (
	"errors"
	"io/fs"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Language is a script dialect, chosen by file extension.
type Language string

const (
	LangLua Language = "lua"
	LangJS  Language = "js"
)

// LanguageOf maps a script path to its language.
func LanguageOf(p string) (Language, bool) {
	switch strings.ToLower(path.Ext(p)) {
	case ".lua":
		return LangLua, true
	case ".js", ".mjs":
		return LangJS, true
	}
	return "", false
}

// Source is one loaded script. Entries are immutable; a reload publishes a
// new Source instead of editing the old one.
type Source struct {
	Path        string
	Lang        Language
	Text        string
	Meta        Metadata
	Fingerprint uint64
	Version     uint64
}

// SidecarPath is where a script's metadata file lives.
func SidecarPath(p string) string { return p + ".meta.yaml" }

// CanonicalPath cleans a script path into the form used as cache key:
// slash-separated, relative to the script root, without "." or "..".
func CanonicalPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", InvalidArguments("load", "script path %q escapes the script root", p)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || !fs.ValidPath(clean) {
		return "", InvalidArguments("load", "invalid script path %q", p)
	}
	return clean, nil
}

// SourceCache loads scripts from a file system and keeps them keyed by
// canonical path.
type SourceCache struct {
	fsys    fs.FS
	mu      sync.RWMutex
	entries map[string]*Source
	version uint64
}

func NewSourceCache(fsys fs.FS) *SourceCache {
	return &SourceCache{fsys: fsys, entries: make(map[string]*Source)}
}

// Get returns the cached source for p, loading it on first use.
func (c *SourceCache) Get(p string) (*Source, error) {
	key, err := CanonicalPath(p)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	src, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return src, nil
	}
	src, err = c.read(key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	c.version++
	src.Version = c.version
	c.entries[key] = src
	return src, nil
}

// Reload rereads p and replaces the cache entry. changed is false when the
// content fingerprint is unchanged, in which case the old entry is kept.
func (c *SourceCache) Reload(p string) (src *Source, changed bool, err error) {
	key, err := CanonicalPath(p)
	if err != nil {
		return nil, false, err
	}
	fresh, err := c.read(key)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok && old.Fingerprint == fresh.Fingerprint {
		return old, false, nil
	}
	c.version++
	fresh.Version = c.version
	c.entries[key] = fresh
	return fresh, true, nil
}

// Forget drops p from the cache.
func (c *SourceCache) Forget(p string) {
	key, err := CanonicalPath(p)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *SourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SourceCache) read(key string) (*Source, error) {
	lang, ok := LanguageOf(key)
	if !ok {
		return nil, Compilation(key, nil, "unsupported script type "+path.Ext(key), nil)
	}
	data, err := fs.ReadFile(c.fsys, key)
	if err != nil {
		return nil, Compilation(key, nil, "read source", err)
	}
	if !utf8.Valid(data) {
		return nil, Compilation(key, nil, "source is not valid UTF-8", nil)
	}
	text := string(data)

	meta, err := ParseHeader(text, lang)
	if err != nil {
		return nil, withScriptErr(err, key)
	}
	side, err := fs.ReadFile(c.fsys, SidecarPath(key))
	switch {
	case err == nil:
		sm, err := ParseSidecar(side)
		if err != nil {
			return nil, withScriptErr(err, key)
		}
		meta = meta.Merge(sm)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, Compilation(key, nil, "read metadata", err)
	}

	h := xxhash.New()
	_, _ = h.WriteString(text)
	_, _ = h.Write(side)
	return &Source{
		Path:        key,
		Lang:        lang,
		Text:        text,
		Meta:        meta,
		Fingerprint: h.Sum64(),
	}, nil
}

func withScriptErr(err error, id string) error {
	if se, ok := AsError(err); ok {
		return se.WithScript(id)
	}
	return err
}
