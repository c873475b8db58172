package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
)

// LoadFile reads one scenario file. A file may hold several YAML documents,
// one scenario each.
func LoadFile(path string) ([]schemas.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenarios, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range scenarios {
		scenarios[i].File = path
	}
	return scenarios, nil
}

// LoadFiles reads every path in order.
func LoadFiles(paths []string) ([]schemas.Scenario, error) {
	var all []schemas.Scenario
	for _, p := range paths {
		s, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, s...)
	}
	return all, nil
}

// Decode parses scenarios from r, rejecting unknown fields.
func Decode(r io.Reader) ([]schemas.Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []schemas.Scenario
	for {
		var s schemas.Scenario
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid scenario: %w", err)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("no scenarios found")
	}
	return out, nil
}

// -- Validation --

// Validate checks a scenario without touching a browser. All problems are
// reported together.
func Validate(s schemas.Scenario) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("scenario has no name"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("scenario has no steps"))
	}
	if s.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	errs = append(errs, validateSteps(s.Steps, "steps", 0)...)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return nil
}

func validateSteps(steps []schemas.Step, path string, depth int) []error {
	var errs []error
	for i, st := range steps {
		where := fmt.Sprintf("%s[%d] (%s)", path, i, st.Label())
		for _, err := range validateStep(st, depth) {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if nestable[st.Action] {
			inner := depth
			if st.Action != schemas.StepWindow {
				inner++
			}
			errs = append(errs, validateSteps(st.Steps, where+".steps", inner)...)
		}
	}
	return errs
}

var nestable = map[schemas.StepAction]bool{
	schemas.StepFrame:  true,
	schemas.StepShadow: true,
	schemas.StepWindow: true,
}

// needsTarget lists actions that operate on an element.
var needsTarget = map[schemas.StepAction]bool{
	schemas.StepClick:       true,
	schemas.StepType:        true,
	schemas.StepClear:       true,
	schemas.StepSelect:      true,
	schemas.StepUpload:      true,
	schemas.StepWaitVisible: true,
	schemas.StepWaitAbsent:  true,
	schemas.StepFrame:       true,
	schemas.StepShadow:      true,
}

func validateStep(st schemas.Step, depth int) []error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if st.Timeout < 0 {
		add("timeout must not be negative")
	}
	if needsTarget[st.Action] {
		if st.Target == nil {
			add("%s requires a target", st.Action)
		} else if _, err := Target(st.Target); err != nil {
			errs = append(errs, err)
		}
	} else if st.Target != nil && st.Action != schemas.StepAssert {
		add("%s does not take a target", st.Action)
	}
	if !nestable[st.Action] && len(st.Steps) > 0 {
		add("%s cannot have nested steps", st.Action)
	}
	if st.Optional && st.Target == nil {
		add("optional steps need a target to probe")
	}

	switch st.Action {
	case schemas.StepNavigate:
		if st.URL == "" {
			add("navigate requires a url")
		}
		if depth > 0 {
			add("navigate is not allowed inside a frame or shadow block")
		}
	case schemas.StepClick, schemas.StepClear, schemas.StepWaitVisible:
	case schemas.StepWaitAbsent:
		if st.Target != nil && st.Target.Index != 0 {
			add("wait_absent does not take an index")
		}
	case schemas.StepType:
		if st.Text == "" && !st.Clear {
			add("type requires text")
		}
	case schemas.StepSelect:
		if err := validateOption(st.Option); err != nil {
			errs = append(errs, err)
		}
	case schemas.StepUpload:
		if len(st.Files) == 0 {
			add("upload requires files")
		}
	case schemas.StepAssert:
		errs = append(errs, validateAssertion(st)...)
	case schemas.StepWaitURL:
		if st.URL == "" {
			add("wait_url requires a url pattern")
		} else if _, err := regexp.Compile(st.URL); err != nil {
			add("wait_url pattern: %w", err)
		}
	case schemas.StepWaitTitle:
		if st.Text == "" {
			add("wait_title requires text")
		}
	case schemas.StepWaitWindows:
		if st.Count <= 0 {
			add("wait_windows requires a positive count")
		}
	case schemas.StepFrame, schemas.StepShadow:
		if len(st.Steps) == 0 {
			add("%s requires nested steps", st.Action)
		}
	case schemas.StepWindow:
		if st.Window == nil {
			add("window requires a window index")
		}
		if len(st.Steps) == 0 {
			add("window requires nested steps")
		}
		if depth > 0 {
			add("window is not allowed inside a frame or shadow block")
		}
	case schemas.StepCloseWindow:
		if depth > 0 {
			add("close_window is not allowed inside a frame or shadow block")
		}
	default:
		add("unknown action %q", st.Action)
	}
	if st.Window != nil && *st.Window < 0 {
		add("window index must not be negative")
	}
	return errs
}

func validateOption(o *schemas.OptionSpec) error {
	if o == nil {
		return errors.New("select requires an option")
	}
	set := 0
	for _, ok := range []bool{o.Value != nil, o.Text != nil, o.Index != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return errors.New("option must set exactly one of value, text or index")
	}
	if o.Index != nil && *o.Index < 0 {
		return errors.New("option index must not be negative")
	}
	return nil
}

func validateAssertion(st schemas.Step) []error {
	a := st.Assert
	if a == nil {
		return []error{errors.New("assert requires an assert block")}
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch a.Kind {
	case schemas.AssertEquals, schemas.AssertContains:
		switch a.Probe {
		case "url", "title":
			if st.Target != nil {
				add("%s probe does not take a target", a.Probe)
			}
		case "text", "value", "attribute":
			if st.Target == nil {
				add("%s probe requires a target", a.Probe)
			} else if _, err := Target(st.Target); err != nil {
				errs = append(errs, err)
			}
			if a.Probe == "attribute" && a.Attribute == "" {
				add("attribute probe requires an attribute name")
			}
		default:
			add("unknown probe %q", a.Probe)
		}
	case schemas.AssertVisible, schemas.AssertCount:
		if st.Target == nil {
			add("%s assertion requires a target", a.Kind)
		} else if _, err := Target(st.Target); err != nil {
			errs = append(errs, err)
		}
		if a.Kind == schemas.AssertCount && a.Count < 0 {
			add("count must not be negative")
		}
	default:
		add("unknown assertion kind %q", a.Kind)
	}
	return errs
}
