package schemas_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
)

// TestStructJSONTags pins the report field names consumed by CI tooling.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "ActionResult",
			structRef: schemas.ActionResult{},
			expectedTags: map[string]string{
				"Action":    "action",
				"Target":    "target",
				"Success":   "success",
				"Attempts":  "attempts",
				"Elapsed":   "elapsed",
				"Condition": "condition,omitempty",
				"LastState": "last_state,omitempty",
				"ErrorKind": "error_kind,omitempty",
				"Error":     "error,omitempty",
			},
		},
		{
			name:      "AssertionResult",
			structRef: schemas.AssertionResult{},
			expectedTags: map[string]string{
				"Assertion": "assertion",
				"Expected":  "expected",
				"Actual":    "actual",
				"Passed":    "passed",
				"Cause":     "-",
			},
		},
		{
			name:      "ScenarioReport",
			structRef: schemas.ScenarioReport{},
			expectedTags: map[string]string{
				"ID":         "id",
				"Passed":     "passed",
				"StartedAt":  "started_at",
				"FinishedAt": "finished_at",
				"Steps":      "steps",
				"Error":      "error,omitempty",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			typ := reflect.TypeOf(tc.structRef)
			for field, want := range tc.expectedTags {
				f, ok := typ.FieldByName(field)
				require.True(t, ok, "field %s missing", field)
				assert.Equal(t, want, f.Tag.Get("json"), "json tag of %s.%s", tc.name, field)
			}
		})
	}
}

func TestAssertionResult_Err(t *testing.T) {
	passed := schemas.AssertionResult{Passed: true}
	assert.NoError(t, passed.Err())

	cause := errors.New("timeout")
	failed := schemas.AssertionResult{
		Assertion: schemas.AssertEquals,
		Subject:   "text of css(#status)",
		Expected:  "Saved",
		Actual:    "Saving...",
		Elapsed:   1500 * time.Millisecond,
		Cause:     cause,
	}
	err := failed.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrAssertionFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `text of css(#status) equals: expected "Saved", last actual "Saving..." after 1.5s`)
}

func TestScenario_YAML(t *testing.T) {
	src := `
name: checkout
url: http://shop.test/
timeout: 5s
steps:
  - action: type
    target: name=q
    text: shoes
    clear: true
  - action: frame
    target:
      css: iframe#pay
    steps:
      - action: click
        target:
          chain:
            - css: x-card
              mode: shadow
            - id: submit
  - action: select
    target: id=size
    option:
      index: 2
  - action: assert
    halt: true
    target: css=#total
    assert:
      kind: contains
      probe: text
      expected: "$"
`
	var sc schemas.Scenario
	require.NoError(t, yaml.Unmarshal([]byte(src), &sc))

	assert.Equal(t, "checkout", sc.Name)
	assert.Equal(t, 5*time.Second, sc.Timeout)
	require.Len(t, sc.Steps, 4)

	assert.Equal(t, "q", sc.Steps[0].Target.Name)
	assert.True(t, sc.Steps[0].Clear)

	frame := sc.Steps[1]
	assert.Equal(t, "iframe#pay", frame.Target.CSS)
	require.Len(t, frame.Steps, 1)
	chain := frame.Steps[0].Target.Chain
	require.Len(t, chain, 2)
	assert.Equal(t, "x-card", chain[0].CSS)
	assert.Equal(t, "shadow", chain[0].Mode)
	assert.Equal(t, "submit", chain[1].ID)
	assert.Empty(t, chain[1].Mode)

	require.NotNil(t, sc.Steps[2].Option.Index)
	assert.Equal(t, 2, *sc.Steps[2].Option.Index)

	assert.Equal(t, schemas.AssertContains, sc.Steps[3].Assert.Kind)
	assert.True(t, sc.Steps[3].Halt)
	assert.Equal(t, "assert", sc.Steps[3].Label())
}

func TestSelectorSpec_BadShorthand(t *testing.T) {
	var spec schemas.SelectorSpec
	err := yaml.Unmarshal([]byte(`"#checkout"`), &spec)
	assert.ErrorContains(t, err, "strategy=query")

	err = yaml.Unmarshal([]byte(`"jquery=#x"`), &spec)
	assert.Error(t, err)
}
