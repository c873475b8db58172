package playwright

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/shim"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

type foreignRef string

func (r foreignRef) RefID() string { return string(r) }

func TestHandleOf(t *testing.T) {
	_, err := handleOf(foreignRef("node-1"))
	assert.ErrorIs(t, err, driver.ErrStaleElement)

	_, err = handleOf(elementRef{id: "handle-1"})
	assert.ErrorIs(t, err, driver.ErrStaleElement, "a ref without a handle is unusable")
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	tests := []struct {
		err  error
		want error
	}{
		{errors.New("Error: " + shim.StaleMarker), driver.ErrStaleElement},
		{errors.New("JSHandle is disposed"), driver.ErrStaleElement},
		{errors.New("Execution context was destroyed, most likely because of a navigation"), driver.ErrStaleElement},
		{errors.New("Error: invalid selector: Failed to execute 'querySelectorAll'"), driver.ErrInvalidSelector},
		{errors.New("Error: no such frame: content document is not accessible"), driver.ErrNoSuchFrame},
		{fmt.Errorf("page.goto: %w", playwright.ErrTargetClosed), driver.ErrNoSuchWindow},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	plain := errors.New("connection reset")
	assert.Same(t, plain, classify(plain))
}

func TestTimeoutMS(t *testing.T) {
	assert.Equal(t, 5000.0, *timeoutMS(context.Background(), 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	got := *timeoutMS(ctx, 5*time.Second)
	assert.LessOrEqual(t, got, 200.0)
	assert.Greater(t, got, 0.0)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.Equal(t, 1.0, *timeoutMS(expired, 5*time.Second))
}

func TestNew_NilBrowser(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}
