package transition

import (
	"fmt"
	"strings"
)

// DefaultQueue is the async queue used when a transition does not name one.
const DefaultQueue = "default"

// StateBinding identifies one stateful field on one entity type.
type StateBinding struct {
	EntityType string `json:"entity_type" yaml:"entity_type"`
	Field      string `json:"field" yaml:"field"`
}

// Key returns the canonical "entity_type.field" form of the binding.
func (b StateBinding) Key() string {
	return strings.TrimSpace(b.EntityType) + "." + strings.TrimSpace(b.Field)
}

// Validate ensures both parts of the binding are set.
func (b StateBinding) Validate() error {
	if strings.TrimSpace(b.EntityType) == "" {
		return fmt.Errorf("state binding entity type required")
	}
	if strings.TrimSpace(b.Field) == "" {
		return fmt.Errorf("state binding %s requires a field", b.EntityType)
	}
	return nil
}

func (b StateBinding) String() string {
	return b.Key()
}

// Transition is a configured move of a bound field from one of SourceStates to TargetState.
type Transition struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Binding         StateBinding   `json:"binding" yaml:"binding"`
	SourceStates    []string       `json:"from" yaml:"from"`
	TargetState     string         `json:"to" yaml:"to"`
	Actions         []string       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Async           bool           `json:"async,omitempty" yaml:"async,omitempty"`
	AsyncQueue      string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	SuccessRedirect string         `json:"success_redirect,omitempty" yaml:"success_redirect,omitempty"`
	FormTemplate    string         `json:"form_template,omitempty" yaml:"form_template,omitempty"`
	RequiredInput   []string       `json:"required_input,omitempty" yaml:"required_input,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Normalize trims names and states and fills the default identifier.
func (t Transition) Normalize() Transition {
	out := t.Clone()
	out.Name = strings.TrimSpace(out.Name)
	out.Binding.EntityType = strings.TrimSpace(out.Binding.EntityType)
	out.Binding.Field = strings.TrimSpace(out.Binding.Field)
	out.TargetState = NormalizeState(out.TargetState)
	out.AsyncQueue = strings.TrimSpace(out.AsyncQueue)
	for i, st := range out.SourceStates {
		out.SourceStates[i] = NormalizeState(st)
	}
	for i, name := range out.Actions {
		out.Actions[i] = strings.TrimSpace(name)
	}
	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		out.ID = out.Binding.Key() + "." + out.Name
	}
	return out
}

// Validate checks the structural shape of a transition definition.
func (t Transition) Validate() error {
	if err := t.Binding.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("transition on %s requires a name", t.Binding.Key())
	}
	if len(t.SourceStates) == 0 {
		return fmt.Errorf("transition %s requires at least one source state", t.Name)
	}
	for _, st := range t.SourceStates {
		if NormalizeState(st) == "" {
			return fmt.Errorf("transition %s has an empty source state", t.Name)
		}
	}
	if NormalizeState(t.TargetState) == "" {
		return fmt.Errorf("transition %s requires a target state", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Actions))
	for _, name := range t.Actions {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("transition %s has an empty action name", t.Name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("transition %s lists action %s twice", t.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// AllowsSource reports whether state is one of the legal source states.
func (t Transition) AllowsSource(state string) bool {
	state = NormalizeState(state)
	for _, st := range t.SourceStates {
		if NormalizeState(st) == state {
			return true
		}
	}
	return false
}

// Queue returns the async queue name, falling back to DefaultQueue.
func (t Transition) Queue() string {
	if q := strings.TrimSpace(t.AsyncQueue); q != "" {
		return q
	}
	return DefaultQueue
}

// RequiresInput reports whether callers must supply extra input.
func (t Transition) RequiresInput() bool {
	return len(t.RequiredInput) > 0
}

// MissingInput returns the required keys absent or empty in input.
func (t Transition) MissingInput(input map[string]any) []string {
	return missingKeys(t.RequiredInput, input)
}

// Clone returns a deep copy of slices and metadata.
func (t Transition) Clone() Transition {
	t.SourceStates = copyStrings(t.SourceStates)
	t.Actions = copyStrings(t.Actions)
	t.RequiredInput = copyStrings(t.RequiredInput)
	t.Metadata = CopyMap(t.Metadata)
	return t
}

// NormalizeState trims surrounding space from a state value. State values
// are otherwise opaque and compared exactly.
func NormalizeState(s string) string {
	return strings.TrimSpace(s)
}

func missingKeys(required []string, input map[string]any) []string {
	var missing []string
	for _, key := range required {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val, ok := input[key]
		if !ok || isEmptyInput(val) {
			missing = append(missing, key)
		}
	}
	return missing
}

func isEmptyInput(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// CopyMap returns a shallow copy of in, or nil when empty.
func CopyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
