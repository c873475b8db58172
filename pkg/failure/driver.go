package failure

import (
	"errors"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

var driverKinds = []struct {
	sentinel error
	kind     Kind
}{
	{driver.ErrStaleElement, StaleElement},
	{driver.ErrNoShadowRoot, ShadowRootUnavailable},
	{driver.ErrInvalidSelector, InvalidSelector},
	{driver.ErrNoSuchFrame, StaleFrame},
	{driver.ErrNoSuchWindow, WindowClosed},
}

// FromDriver translates a driver sentinel into a typed failure. Errors that
// carry no known sentinel, and errors that already are failures, are returned
// unchanged.
func FromDriver(op, selector string, err error) error {
	if err == nil {
		return nil
	}
	var f *Error
	if errors.As(err, &f) {
		return err
	}
	for _, dk := range driverKinds {
		if errors.Is(err, dk.sentinel) {
			return &Error{Kind: dk.kind, Op: op, Selector: selector, Err: err}
		}
	}
	return err
}
