package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

type choiceKind int

const (
	byValue choiceKind = iota
	byText
	byIndex
)

// Choice identifies an option of a select element.
type Choice struct {
	kind  choiceKind
	value string
	index int
}

// ByValue picks the option whose value attribute equals v. Options without a
// value attribute use their text, as in form submission.
func ByValue(v string) Choice { return Choice{kind: byValue, value: v} }

// ByText picks the option whose visible text, trimmed, equals text exactly.
func ByText(text string) Choice { return Choice{kind: byText, value: text} }

// ByIndex picks the option at position i, counting from zero.
func ByIndex(i int) Choice { return Choice{kind: byIndex, index: i} }

func (c Choice) String() string {
	switch c.kind {
	case byText:
		return fmt.Sprintf("text %q", c.value)
	case byIndex:
		return fmt.Sprintf("index %d", c.index)
	}
	return fmt.Sprintf("value %q", c.value)
}

// SelectOption selects one option of the select element t. On a multi-select
// earlier selections are kept unless ClearFirst is given. Options populated
// asynchronously are waited for; an option that never appears fails with
// NotFound and a disabled one with ElementNotInteractable.
func (x *Executor) SelectOption(ctx context.Context, t locator.Target, choice Choice, opts ...Option) (schemas.ActionResult, error) {
	s := x.settings(opts)
	return x.perform(ctx, "select", t, wait.Clickability, s, func(ctx context.Context, el locator.ElementHandle) error {
		tag, err := x.drv.TagName(ctx, el.Ref)
		if err != nil {
			return err
		}
		if !strings.EqualFold(tag, "select") {
			return fail(failure.NotInteractable, "select", el, "element is <%s>, not <select>", strings.ToLower(tag))
		}

		opt, err := wait.For(ctx, x.engine, x.optionCondition(el, choice), s.wait...)
		if err != nil {
			if failure.KindOf(err) == failure.Timeout {
				return &failure.Error{Kind: failure.NotFound, Op: "select", Selector: el.String(), Err: err}
			}
			return err
		}

		enabled, err := x.drv.IsEnabled(ctx, opt)
		if err != nil {
			return err
		}
		if !enabled {
			return fail(failure.NotInteractable, "select", el, "option with %s is disabled", choice)
		}

		_, multiple, err := x.drv.Attribute(ctx, el.Ref, "multiple")
		if err != nil {
			return err
		}
		if multiple && s.clearFirst {
			if err := x.deselectOthers(ctx, el.Ref, opt); err != nil {
				return err
			}
		}
		return x.drv.SetSelected(ctx, opt, true)
	})
}

func (x *Executor) optionCondition(sel locator.ElementHandle, choice Choice) wait.Condition[driver.ElementRef] {
	return wait.Func(fmt.Sprintf("option with %s in %s", choice, sel), func(ctx context.Context) (wait.Outcome[driver.ElementRef], error) {
		options, err := x.drv.FindElements(ctx, sel.Ref, driver.ByTag, "option")
		if err != nil {
			return wait.Outcome[driver.ElementRef]{}, stalePermanent(err)
		}
		if choice.kind == byIndex {
			if choice.index >= 0 && choice.index < len(options) {
				return wait.Ready(options[choice.index]), nil
			}
			return wait.NotYet[driver.ElementRef](fmt.Sprintf("%d options", len(options))), nil
		}
		for _, opt := range options {
			got, err := x.optionKey(ctx, opt, choice.kind)
			if err != nil {
				return wait.Outcome[driver.ElementRef]{}, stalePermanent(err)
			}
			if got == choice.value {
				return wait.Ready(opt), nil
			}
		}
		return wait.NotYet[driver.ElementRef](fmt.Sprintf("%d options, none matching", len(options))), nil
	})
}

// stalePermanent stops the option wait when the select itself went stale, so
// the action's single re-resolution can take over.
func stalePermanent(err error) error {
	if f := failure.FromDriver("select", "", err); failure.KindOf(f) == failure.StaleElement {
		return wait.Permanent(f)
	}
	return err
}

func (x *Executor) optionKey(ctx context.Context, opt driver.ElementRef, kind choiceKind) (string, error) {
	text, err := x.drv.Text(ctx, opt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if kind == byText {
		return text, nil
	}
	v, ok, err := x.drv.Attribute(ctx, opt, "value")
	if err != nil {
		return "", err
	}
	if !ok {
		return text, nil
	}
	return v, nil
}

func (x *Executor) deselectOthers(ctx context.Context, sel driver.ElementRef, keep driver.ElementRef) error {
	options, err := x.drv.FindElements(ctx, sel, driver.ByTag, "option")
	if err != nil {
		return err
	}
	keepKey, err := driver.NodeKey(ctx, x.drv, keep)
	if err != nil {
		return err
	}
	for _, opt := range options {
		key, err := driver.NodeKey(ctx, x.drv, opt)
		if err != nil {
			return err
		}
		if key == keepKey {
			continue
		}
		selected, err := x.drv.IsSelected(ctx, opt)
		if err != nil {
			return err
		}
		if selected {
			if err := x.drv.SetSelected(ctx, opt, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// UploadFile sets the files of the file input t. Paths are made absolute and
// must exist.
func (x *Executor) UploadFile(ctx context.Context, t locator.Target, paths []string, opts ...Option) (schemas.ActionResult, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return schemas.ActionResult{Action: "upload", Target: locator.Describe(t)}, fmt.Errorf("upload: %w", err)
		}
		if _, err := os.Stat(a); err != nil {
			return schemas.ActionResult{Action: "upload", Target: locator.Describe(t), Error: err.Error()}, fmt.Errorf("upload: %w", err)
		}
		abs = append(abs, a)
	}

	return x.perform(ctx, "upload", t, wait.Clickability, x.settings(opts), func(ctx context.Context, el locator.ElementHandle) error {
		tag, err := x.drv.TagName(ctx, el.Ref)
		if err != nil {
			return err
		}
		typ, _, err := x.drv.Attribute(ctx, el.Ref, "type")
		if err != nil {
			return err
		}
		if !strings.EqualFold(tag, "input") || !strings.EqualFold(typ, "file") {
			return fail(failure.NotInteractable, "upload", el, "element is not a file input")
		}
		return x.drv.SetFiles(ctx, el.Ref, abs)
	})
}
