package plan

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RunnerConfig is the runner a job executes on. Older templates spell it as a
// bare string ("github_actions"); newer ones as an object with a type and a
// setup block. Both decode into this struct.
type RunnerConfig struct {
	Type  string         `json:"type"`
	Setup map[string]any `json:"setup,omitempty"`
}

// Label returns the flat runner label used by filters and schemes.
func (r RunnerConfig) Label() string { return r.Type }

// IsCIRunner reports whether the runner is hosted on customer CI.
func (r RunnerConfig) IsCIRunner() bool {
	_, ok := CIRunners[r.Type]
	return ok
}

// UnmarshalJSON lifts a bare string into {type: <string>} for backward
// compatibility.
func (r *RunnerConfig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Type = s
		r.Setup = nil
		return nil
	}

	type alias RunnerConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decoding runner config: %w", err)
	}
	*r = RunnerConfig(a)
	return nil
}

// MarshalJSON preserves the object form on the wire.
func (r RunnerConfig) MarshalJSON() ([]byte, error) {
	type alias RunnerConfig
	return json.Marshal(alias(r))
}

// UnmarshalYAML applies the same string lifting for workflow template content.
func (r *RunnerConfig) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		r.Type = s
		r.Setup = nil
		return nil
	}

	type alias RunnerConfig
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding runner config: %w", err)
	}
	*r = RunnerConfig(a)
	return nil
}
