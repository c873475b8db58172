package schemas

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -- Scenario Schemas --

// Scenario is one browser scenario loaded from YAML.
type Scenario struct {
	Name string `yaml:"name" json:"name"`
	// URL is navigated to before the first step, if set.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Timeout overrides the default wait timeout for every step.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Steps   []Step        `yaml:"steps" json:"steps"`

	// File is where the scenario was loaded from.
	File string `yaml:"-" json:"file,omitempty"`
}

// StepAction names what a step does.
type StepAction string

const (
	StepNavigate    StepAction = "navigate"
	StepClick       StepAction = "click"
	StepType        StepAction = "type"
	StepClear       StepAction = "clear"
	StepSelect      StepAction = "select"
	StepUpload      StepAction = "upload"
	StepAssert      StepAction = "assert"
	StepWaitVisible StepAction = "wait_visible"
	StepWaitAbsent  StepAction = "wait_absent"
	StepWaitURL     StepAction = "wait_url"
	StepWaitTitle   StepAction = "wait_title"
	StepWaitWindows StepAction = "wait_windows"
	StepFrame       StepAction = "frame"
	StepShadow      StepAction = "shadow"
	StepWindow      StepAction = "window"
	StepCloseWindow StepAction = "close_window"
)

// Step is one scenario instruction. Which fields apply depends on Action.
type Step struct {
	Name   string        `yaml:"name,omitempty" json:"name,omitempty"`
	Action StepAction    `yaml:"action" json:"action"`
	Target *SelectorSpec `yaml:"target,omitempty" json:"target,omitempty"`

	// URL is the navigate destination or the wait_url pattern.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Text is typed by type steps and matched by wait_title.
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
	// Clear empties a field before typing, or deselects other options.
	Clear  bool           `yaml:"clear,omitempty" json:"clear,omitempty"`
	Option *OptionSpec    `yaml:"option,omitempty" json:"option,omitempty"`
	Files  []string       `yaml:"files,omitempty" json:"files,omitempty"`
	Assert *AssertionSpec `yaml:"assert,omitempty" json:"assert,omitempty"`
	// Window is an index into the open windows, in driver order. Nil means
	// the current window.
	Window *int `yaml:"window,omitempty" json:"window,omitempty"`
	// Count is the window count for wait_windows.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Optional skips the step when its target does not exist.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
	// Halt stops the scenario when this step's assertion fails.
	Halt bool `yaml:"halt,omitempty" json:"halt,omitempty"`

	// Steps is the body of frame, shadow and window steps.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// Label is the step's name, or its action when unnamed.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Action)
}

// OptionSpec picks a select option. Exactly one field is set.
type OptionSpec struct {
	Value *string `yaml:"value,omitempty" json:"value,omitempty"`
	Text  *string `yaml:"text,omitempty" json:"text,omitempty"`
	Index *int    `yaml:"index,omitempty" json:"index,omitempty"`
}

// AssertionSpec describes a verification.
type AssertionSpec struct {
	Kind AssertionKind `yaml:"kind" json:"kind"`
	// Probe is text, value, attribute, url or title.
	Probe     string `yaml:"probe,omitempty" json:"probe,omitempty"`
	Attribute string `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Expected  string `yaml:"expected,omitempty" json:"expected,omitempty"`
	Count     int    `yaml:"count,omitempty" json:"count,omitempty"`
}

// -- Selector Schemas --

// SelectorSpec is the serialized form of a locator. Exactly one strategy
// field is set, or Chain for a composed selector.
type SelectorSpec struct {
	ID              string      `yaml:"id,omitempty" json:"id,omitempty"`
	Name            string      `yaml:"name,omitempty" json:"name,omitempty"`
	CSS             string      `yaml:"css,omitempty" json:"css,omitempty"`
	XPath           string      `yaml:"xpath,omitempty" json:"xpath,omitempty"`
	LinkText        string      `yaml:"link_text,omitempty" json:"link_text,omitempty"`
	PartialLinkText string      `yaml:"partial_link_text,omitempty" json:"partial_link_text,omitempty"`
	Tag             string      `yaml:"tag,omitempty" json:"tag,omitempty"`
	Chain           []ChainLink `yaml:"chain,omitempty" json:"chain,omitempty"`
	// Index picks the n-th match instead of the first.
	Index int `yaml:"index,omitempty" json:"index,omitempty"`
}

// ChainLink is one segment of a composed selector. Mode is how the next
// link is scoped under this one's matches: descend (default), shadow or
// frame.
type ChainLink struct {
	SelectorSpec `yaml:",inline"`
	Mode         string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// UnmarshalYAML keeps Mode, which the promoted SelectorSpec decoder would
// otherwise drop.
func (c *ChainLink) UnmarshalYAML(value *yaml.Node) error {
	var link struct {
		Mode string `yaml:"mode"`
	}
	if value.Kind == yaml.MappingNode {
		if err := value.Decode(&link); err != nil {
			return err
		}
	}
	if err := c.SelectorSpec.UnmarshalYAML(value); err != nil {
		return err
	}
	c.Mode = link.Mode
	return nil
}

var shorthandFields = map[string]func(*SelectorSpec, string){
	"id":                func(s *SelectorSpec, q string) { s.ID = q },
	"name":              func(s *SelectorSpec, q string) { s.Name = q },
	"css":               func(s *SelectorSpec, q string) { s.CSS = q },
	"xpath":             func(s *SelectorSpec, q string) { s.XPath = q },
	"link_text":         func(s *SelectorSpec, q string) { s.LinkText = q },
	"partial_link_text": func(s *SelectorSpec, q string) { s.PartialLinkText = q },
	"tag":               func(s *SelectorSpec, q string) { s.Tag = q },
}

// UnmarshalYAML accepts the mapping form and a "strategy=query" shorthand,
// e.g. `target: css=#checkout button`.
func (s *SelectorSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		strategy, query, ok := strings.Cut(value.Value, "=")
		set, known := shorthandFields[strings.TrimSpace(strategy)]
		if !ok || !known {
			return fmt.Errorf("line %d: selector %q is not of the form strategy=query", value.Line, value.Value)
		}
		*s = SelectorSpec{}
		set(s, query)
		return nil
	}
	type plain SelectorSpec
	return value.Decode((*plain)(s))
}
