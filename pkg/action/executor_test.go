package action_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harness/internal/mocks"
	"github.com/xkilldash9x/scalpel-harness/pkg/action"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

type fixedScope locator.Scope

func (f fixedScope) Scope() locator.Scope { return locator.Scope(f) }

func newExecutor(t *testing.T, drv *mocks.MockDriver) *action.Executor {
	engine := wait.NewEngine(wait.Options{
		Timeout:         80 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		MinPollInterval: 5 * time.Millisecond,
	}, nil)
	res := locator.NewResolver(drv, nil)
	return action.New(drv, res, engine, fixedScope{Key: "w1#"}, zaptest.NewLogger(t))
}

func found(ids ...string) []driver.ElementRef {
	out := make([]driver.ElementRef, len(ids))
	for i, id := range ids {
		out[i] = mocks.Ref(id)
	}
	return out
}

// ready makes el displayed, enabled and writable.
func ready(drv *mocks.MockDriver, el string) {
	drv.On("IsDisplayed", mock.Anything, mocks.Ref(el)).Return(true, nil).Maybe()
	drv.On("IsEnabled", mock.Anything, mocks.Ref(el)).Return(true, nil).Maybe()
	drv.On("Attribute", mock.Anything, mocks.Ref(el), "readonly").Return("", false, nil).Maybe()
}

func TestClick(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "buy").Return(found("btn"), nil)
	ready(drv, "btn")
	drv.On("ScrollIntoView", mock.Anything, mocks.Ref("btn")).Return(nil)
	drv.On("Click", mock.Anything, mocks.Ref("btn")).Return(nil).Once()

	res, err := newExecutor(t, drv).Click(context.Background(), locator.ID("buy"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "click", res.Action)
	assert.Equal(t, "id(buy)", res.Target)
	assert.Equal(t, 1, res.Attempts)
	drv.AssertExpectations(t)
}

func TestClick_ScrollUnsupportedIsIgnored(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "buy").Return(found("btn"), nil)
	ready(drv, "btn")
	drv.On("ScrollIntoView", mock.Anything, mocks.Ref("btn")).Return(driver.ErrUnsupported)
	drv.On("Click", mock.Anything, mocks.Ref("btn")).Return(nil)

	_, err := newExecutor(t, drv).Click(context.Background(), locator.ID("buy"))
	assert.NoError(t, err)
}

func TestClick_NotInteractable(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByCSS, "button").Return(found("btn"), nil)
	drv.On("IsDisplayed", mock.Anything, mocks.Ref("btn")).Return(true, nil)
	drv.On("IsEnabled", mock.Anything, mocks.Ref("btn")).Return(false, nil)

	res, err := newExecutor(t, drv).Click(context.Background(), locator.CSS("button"))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.NotInteractable)
	assert.ErrorIs(t, err, failure.Timeout)
	assert.False(t, res.Success)
	assert.Equal(t, "element_not_interactable", res.ErrorKind)
	assert.Equal(t, "displayed but disabled", res.LastState)
	assert.Equal(t, "css(button) to be clickable", res.Condition)
	assert.GreaterOrEqual(t, res.Elapsed, 80*time.Millisecond)
	drv.AssertNotCalled(t, "Click", mock.Anything, mock.Anything)
}

func TestClick_NotFound(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "ghost").Return(nil, nil)

	res, err := newExecutor(t, drv).Click(context.Background(), locator.ID("ghost"), action.Timeout(30*time.Millisecond))
	assert.ErrorIs(t, err, failure.NotFound)
	assert.ErrorIs(t, err, failure.Timeout)
	assert.Equal(t, "not_found", res.ErrorKind)
}

func TestClick_StaleIsRetriedOnce(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "save").Return(found("old"), nil).Once()
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "save").Return(found("new"), nil)
	ready(drv, "old")
	ready(drv, "new")
	drv.On("ScrollIntoView", mock.Anything, mock.Anything).Return(nil)
	drv.On("Click", mock.Anything, mocks.Ref("old")).Return(driver.ErrStaleElement)
	drv.On("Click", mock.Anything, mocks.Ref("new")).Return(nil)

	res, err := newExecutor(t, drv).Click(context.Background(), locator.ID("save"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	drv.AssertCalled(t, "Click", mock.Anything, mocks.Ref("new"))
}

func TestClick_StaleTwiceSurfaces(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "save").Return(found("x"), nil)
	ready(drv, "x")
	drv.On("ScrollIntoView", mock.Anything, mock.Anything).Return(nil)
	drv.On("Click", mock.Anything, mocks.Ref("x")).Return(driver.ErrStaleElement)

	res, err := newExecutor(t, drv).Click(context.Background(), locator.ID("save"))
	assert.ErrorIs(t, err, failure.StaleElement)
	assert.Equal(t, 2, res.Attempts)
	drv.AssertNumberOfCalls(t, "Click", 2)
}

func TestClick_StaleHandleIsReresolved(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("IsDisplayed", mock.Anything, mocks.Ref("gone")).Return(false, driver.ErrStaleElement)
	drv.On("FindElements", mock.Anything, nil, driver.ByTag, "li").Return(found("a", "b"), nil)
	ready(drv, "b")
	drv.On("ScrollIntoView", mock.Anything, mock.Anything).Return(nil)
	drv.On("Click", mock.Anything, mocks.Ref("b")).Return(nil)

	h := locator.ElementHandle{Ref: mocks.Ref("gone"), Selector: locator.Tag("li"), Index: 1, Context: "w1#"}
	res, err := newExecutor(t, drv).Click(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "tag(li)[1]", res.Target)
}

func TestClick_WrongContext(t *testing.T) {
	drv := new(mocks.MockDriver)
	h := locator.ElementHandle{Ref: mocks.Ref("x"), Selector: locator.ID("x"), Context: "w1#f3"}

	res, err := newExecutor(t, drv).Click(context.Background(), h)
	assert.ErrorIs(t, err, failure.WrongContext)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "wrong_context", res.ErrorKind)
}

func TestTypeText(t *testing.T) {
	t.Run("appends", func(t *testing.T) {
		drv := new(mocks.MockDriver)
		drv.On("FindElements", mock.Anything, nil, driver.ByName, "q").Return(found("q"), nil)
		ready(drv, "q")
		drv.On("SendKeys", mock.Anything, mocks.Ref("q"), "hello").Return(nil).Once()

		_, err := newExecutor(t, drv).TypeText(context.Background(), locator.Name("q"), "hello")
		require.NoError(t, err)
		drv.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
	})

	t.Run("clear first", func(t *testing.T) {
		drv := new(mocks.MockDriver)
		drv.On("FindElements", mock.Anything, nil, driver.ByName, "q").Return(found("q"), nil)
		ready(drv, "q")
		drv.On("Clear", mock.Anything, mocks.Ref("q")).Return(nil).Once()
		drv.On("SendKeys", mock.Anything, mocks.Ref("q"), "hello").Return(nil).Once()

		_, err := newExecutor(t, drv).TypeText(context.Background(), locator.Name("q"), "hello", action.ClearFirst())
		require.NoError(t, err)
		drv.AssertExpectations(t)
	})

	t.Run("read-only field", func(t *testing.T) {
		drv := new(mocks.MockDriver)
		drv.On("FindElements", mock.Anything, nil, driver.ByName, "q").Return(found("q"), nil)
		drv.On("IsDisplayed", mock.Anything, mocks.Ref("q")).Return(true, nil)
		drv.On("IsEnabled", mock.Anything, mocks.Ref("q")).Return(true, nil)
		drv.On("Attribute", mock.Anything, mocks.Ref("q"), "readonly").Return("", true, nil)

		_, err := newExecutor(t, drv).TypeText(context.Background(), locator.Name("q"), "x")
		assert.ErrorIs(t, err, failure.NotInteractable)
	})
}

func TestClear(t *testing.T) {
	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "note").Return(found("n"), nil)
	ready(drv, "n")
	drv.On("Clear", mock.Anything, mocks.Ref("n")).Return(nil).Once()

	res, err := newExecutor(t, drv).Clear(context.Background(), locator.ID("note"))
	require.NoError(t, err)
	assert.Equal(t, "clear", res.Action)
	drv.AssertExpectations(t)
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avatar.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600))

	drv := new(mocks.MockDriver)
	drv.On("FindElements", mock.Anything, nil, driver.ByName, "avatar").Return(found("f"), nil)
	ready(drv, "f")
	drv.On("TagName", mock.Anything, mocks.Ref("f")).Return("INPUT", nil)
	drv.On("Attribute", mock.Anything, mocks.Ref("f"), "type").Return("file", true, nil)
	drv.On("SetFiles", mock.Anything, mocks.Ref("f"), []string{path}).Return(nil).Once()

	_, err := newExecutor(t, drv).UploadFile(context.Background(), locator.Name("avatar"), []string{path})
	require.NoError(t, err)
	drv.AssertExpectations(t)

	t.Run("missing file", func(t *testing.T) {
		drv := new(mocks.MockDriver)
		_, err := newExecutor(t, drv).UploadFile(context.Background(), locator.Name("avatar"), []string{filepath.Join(dir, "nope")})
		assert.ErrorIs(t, err, os.ErrNotExist)
		drv.AssertNotCalled(t, "FindElements", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not a file input", func(t *testing.T) {
		drv := new(mocks.MockDriver)
		drv.On("FindElements", mock.Anything, nil, driver.ByName, "avatar").Return(found("f"), nil)
		ready(drv, "f")
		drv.On("TagName", mock.Anything, mocks.Ref("f")).Return("input", nil)
		drv.On("Attribute", mock.Anything, mocks.Ref("f"), "type").Return("text", true, nil)

		_, err := newExecutor(t, drv).UploadFile(context.Background(), locator.Name("avatar"), []string{path})
		assert.ErrorIs(t, err, failure.NotInteractable)
	})
}
