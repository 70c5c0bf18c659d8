package component

// ScriptComponent attaches one or more scripts to an entity.
// The script host owns the instances; this is only the declaration plus the
// status the host reports back.
type ScriptComponent struct {
	ScriptPath        string   `json:"script_path" yaml:"script_path"`
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ExecutionOrder    int      `json:"execution_order" yaml:"execution_order"`
	AdditionalScripts []string `json:"additional_scripts,omitempty" yaml:"additional_scripts"`

	// Set by the script host.
	InstanceID   uint64 `json:"instance_id,omitempty" yaml:"-"` // 0 until the first successful init
	Errored      bool   `json:"errored,omitempty" yaml:"-"`
	ErrorMessage string `json:"error_message,omitempty" yaml:"-"`
}

// Paths lists the primary script followed by the additional ones.
func (s *ScriptComponent) Paths() []string {
	out := make([]string, 0, 1+len(s.AdditionalScripts))
	if s.ScriptPath != "" {
		out = append(out, s.ScriptPath)
	}
	return append(out, s.AdditionalScripts...)
}

// State is free-form per-entity data that scripts own, addressed as "State"
// from script code.
type State map[string]any
