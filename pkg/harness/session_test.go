package harness_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
	"github.com/xkilldash9x/scalpel-harness/internal/mocks"
	"github.com/xkilldash9x/scalpel-harness/pkg/action"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/failure"
	"github.com/xkilldash9x/scalpel-harness/pkg/harness"
	"github.com/xkilldash9x/scalpel-harness/pkg/locator"
	"github.com/xkilldash9x/scalpel-harness/pkg/verify"
	"github.com/xkilldash9x/scalpel-harness/pkg/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(t *testing.T, drv *mocks.MockDriver) *harness.Session {
	t.Helper()
	return newSessionWithTimeout(t, drv, 60*time.Millisecond)
}

func newSessionWithTimeout(t *testing.T, drv *mocks.MockDriver, timeout time.Duration) *harness.Session {
	t.Helper()
	drv.On("CurrentWindow", mock.Anything).Return(driver.WindowHandle("w1"), nil)
	drv.On("Windows", mock.Anything).Return([]driver.WindowHandle{"w1"}, nil)
	sess, err := harness.New(context.Background(), drv, harness.Options{
		Wait: wait.Options{Timeout: timeout, PollInterval: 10 * time.Millisecond, MinPollInterval: 5 * time.Millisecond},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return sess
}

var framed = locator.Chain(locator.FrameOf(locator.ID("checkout")), locator.In(locator.ID("pay")))

func TestNew(t *testing.T) {
	_, err := harness.New(context.Background(), nil, harness.Options{}, nil)
	assert.Error(t, err)

	drv := new(mocks.MockDriver)
	sess := newSession(t, drv)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, driver.WindowHandle("w1"), sess.CurrentWindow())
	assert.Equal(t, "w1#", sess.Scope().Key)
	assert.Equal(t, wait.Options{Timeout: 60 * time.Millisecond, SlowTimeout: wait.DefaultSlowTimeout,
		PollInterval: 10 * time.Millisecond, MinPollInterval: 5 * time.Millisecond}, sess.Engine().Options())
}

func TestNavigateAndEvaluate(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSession(t, drv)
	ctx := context.Background()

	drv.On("Navigate", mock.Anything, "https://shop.test/").Return(nil).Once()
	require.NoError(t, sess.Navigate(ctx, "https://shop.test/"))

	drv.On("ExecuteScript", mock.Anything, "return document.readyState", []any(nil)).Return(nil, driver.ErrUnsupported)
	_, err := sess.Evaluate(ctx, "return document.readyState")
	assert.ErrorIs(t, err, driver.ErrUnsupported)
	drv.AssertExpectations(t)
}

func TestActionInMissingFrame(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSession(t, drv)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "checkout").Return(nil, nil)

	res, err := sess.Click(context.Background(), framed)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.NotFound)
	assert.Equal(t, "click", res.Action)
	assert.Equal(t, framed.String(), res.Target)
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.ErrorKind)
	assert.NotEmpty(t, res.Error)
	drv.AssertNotCalled(t, "SwitchToFrame", mock.Anything, mock.Anything)
}

func TestAssertionsInMissingFrame(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSession(t, drv)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "checkout").Return(nil, nil)
	ctx := context.Background()

	res := sess.AssertCount(ctx, framed, 1)
	assert.False(t, res.Passed)
	assert.Equal(t, schemas.AssertCount, res.Assertion)
	assert.Equal(t, framed.String(), res.Selector)
	assert.ErrorIs(t, res.Err(), failure.NotFound)

	res = sess.AssertEquals(ctx, verify.Text(framed), "Pay")
	assert.False(t, res.Passed)
	assert.Equal(t, "text of "+framed.String(), res.Subject)
	assert.Equal(t, "Pay", res.Expected)

	res = sess.AssertVisible(ctx, framed)
	assert.False(t, res.Passed)
	assert.Equal(t, schemas.AssertVisible, res.Assertion)

	assert.False(t, sess.Exists(ctx, framed, time.Second))
}

func TestFind(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSession(t, drv)
	drv.On("FindElements", mock.Anything, nil, driver.ByCSS, "li").Return([]driver.ElementRef{mocks.Ref("a"), mocks.Ref("b")}, nil)
	ctx := context.Background()

	h, err := sess.Find(ctx, locator.CSS("li"))
	require.NoError(t, err)
	assert.Equal(t, mocks.Ref("a"), h.Ref)
	assert.Equal(t, "w1#", h.Context)

	all, err := sess.FindAll(ctx, locator.CSS("li"))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = sess.Find(ctx, framed)
	assert.ErrorIs(t, err, failure.InvalidSelector, "handles cannot be found across frames")
}

func TestExists_ZeroTimeoutChecksFramesOnce(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSessionWithTimeout(t, drv, time.Second)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "checkout").Return(nil, nil)

	start := time.Now()
	assert.False(t, sess.Exists(context.Background(), framed, 0))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	drv.AssertNumberOfCalls(t, "FindElements", 1)
}

func TestExists_FrameWaitUsesTheGivenTimeout(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSessionWithTimeout(t, drv, 5*time.Second)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "checkout").Return(nil, nil)

	start := time.Now()
	assert.False(t, sess.Exists(context.Background(), framed, 100*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestFrameCrossingCallsUseTheCallerTimeout(t *testing.T) {
	drv := new(mocks.MockDriver)
	sess := newSessionWithTimeout(t, drv, 5*time.Second)
	drv.On("FindElements", mock.Anything, nil, driver.ByID, "checkout").Return(nil, nil)
	ctx := context.Background()
	timeout := 100 * time.Millisecond

	within := func(name string, call func()) {
		t.Helper()
		start := time.Now()
		call()
		assert.Less(t, time.Since(start), time.Second, name)
	}

	within("equals", func() {
		res := sess.AssertEquals(ctx, verify.Text(framed), "Pay", verify.Timeout(timeout))
		assert.False(t, res.Passed)
		assert.Equal(t, timeout, res.Timeout)
		assert.ErrorIs(t, res.Err(), failure.NotFound)
	})
	within("count", func() {
		res := sess.AssertCount(ctx, framed, 1, verify.Timeout(timeout))
		assert.False(t, res.Passed)
		assert.Equal(t, timeout, res.Timeout)
	})
	within("visible", func() {
		assert.False(t, sess.AssertVisible(ctx, framed, verify.Timeout(timeout)).Passed)
	})
	within("wait absent", func() {
		assert.ErrorIs(t, sess.WaitAbsent(ctx, framed, wait.Timeout(timeout)), failure.NotFound)
	})
	within("click", func() {
		_, err := sess.Click(ctx, framed, action.Timeout(timeout))
		assert.ErrorIs(t, err, failure.NotFound)
	})
	within("frame scope", func() {
		err := sess.WithFrame(ctx, locator.ID("checkout"), func(context.Context) error { return nil }, wait.Timeout(timeout))
		assert.ErrorIs(t, err, failure.NotFound)
	})
}
