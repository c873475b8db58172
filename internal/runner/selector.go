package runner

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
)

// Selector builds a locator selector from its serialized form.
func Selector(spec *schemas.SelectorSpec) (locator.Selector, error) {
	if spec == nil {
		return locator.Selector{}, errors.New("selector is missing")
	}
	if len(spec.Chain) > 0 {
		if !simple(spec).IsZero() {
			return locator.Selector{}, errors.New("selector sets both a chain and a strategy")
		}
		segments := make([]locator.Segment, 0, len(spec.Chain))
		for i, link := range spec.Chain {
			if len(link.Chain) > 0 {
				return locator.Selector{}, fmt.Errorf("chain[%d]: links cannot nest chains", i)
			}
			sel, err := Selector(&link.SelectorSpec)
			if err != nil {
				return locator.Selector{}, fmt.Errorf("chain[%d]: %w", i, err)
			}
			switch link.Mode {
			case "", "descend":
				segments = append(segments, locator.In(sel))
			case "shadow":
				segments = append(segments, locator.ShadowOf(sel))
			case "frame":
				segments = append(segments, locator.FrameOf(sel))
			default:
				return locator.Selector{}, fmt.Errorf("chain[%d]: unknown mode %q", i, link.Mode)
			}
		}
		sel := locator.Chain(segments...)
		return sel, sel.Validate()
	}

	strategies := 0
	for _, q := range []string{spec.ID, spec.Name, spec.CSS, spec.XPath, spec.LinkText, spec.PartialLinkText, spec.Tag} {
		if q != "" {
			strategies++
		}
	}
	if strategies != 1 {
		return locator.Selector{}, fmt.Errorf("selector must set exactly one strategy, got %d", strategies)
	}
	sel := simple(spec)
	return sel, sel.Validate()
}

func simple(spec *schemas.SelectorSpec) locator.Selector {
	switch {
	case spec.ID != "":
		return locator.ID(spec.ID)
	case spec.Name != "":
		return locator.Name(spec.Name)
	case spec.CSS != "":
		return locator.CSS(spec.CSS)
	case spec.XPath != "":
		return locator.XPath(spec.XPath)
	case spec.LinkText != "":
		return locator.LinkText(spec.LinkText)
	case spec.PartialLinkText != "":
		return locator.PartialLinkText(spec.PartialLinkText)
	case spec.Tag != "":
		return locator.Tag(spec.Tag)
	}
	return locator.Selector{}
}

// Target builds a selector and applies its match index.
func Target(spec *schemas.SelectorSpec) (locator.Target, error) {
	sel, err := Selector(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if spec.Index < 0 {
		return nil, errors.New("invalid target: index must not be negative")
	}
	if spec.Index > 0 {
		return locator.At(sel, spec.Index), nil
	}
	return sel, nil
}
