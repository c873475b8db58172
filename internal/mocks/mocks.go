// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
)

// -- Element Ref --

// Ref is a trivial driver.ElementRef for mocked drivers.
type Ref string

func (r Ref) RefID() string { return string(r) }

// -- Driver Mock --

// MockDriver mocks driver.Driver.
type MockDriver struct {
	mock.Mock
}

var _ driver.Driver = (*MockDriver)(nil)

func refOrNil(v any) driver.ElementRef {
	if v == nil {
		return nil
	}
	return v.(driver.ElementRef)
}

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) FindElements(ctx context.Context, scope driver.ElementRef, by driver.Strategy, query string) ([]driver.ElementRef, error) {
	args := m.Called(ctx, scope, by, query)
	var refs []driver.ElementRef
	if v := args.Get(0); v != nil {
		refs = v.([]driver.ElementRef)
	}
	return refs, args.Error(1)
}

func (m *MockDriver) ShadowRoot(ctx context.Context, host driver.ElementRef) (driver.ElementRef, error) {
	args := m.Called(ctx, host)
	return refOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDriver) Attribute(ctx context.Context, el driver.ElementRef, name string) (string, bool, error) {
	args := m.Called(ctx, el, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockDriver) Text(ctx context.Context, el driver.ElementRef) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Value(ctx context.Context, el driver.ElementRef) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) TagName(ctx context.Context, el driver.ElementRef) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) IsDisplayed(ctx context.Context, el driver.ElementRef) (bool, error) {
	args := m.Called(ctx, el)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) IsEnabled(ctx context.Context, el driver.ElementRef) (bool, error) {
	args := m.Called(ctx, el)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) IsSelected(ctx context.Context, el driver.ElementRef) (bool, error) {
	args := m.Called(ctx, el)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) Click(ctx context.Context, el driver.ElementRef) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockDriver) SendKeys(ctx context.Context, el driver.ElementRef, text string) error {
	return m.Called(ctx, el, text).Error(0)
}

func (m *MockDriver) Clear(ctx context.Context, el driver.ElementRef) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockDriver) SetSelected(ctx context.Context, option driver.ElementRef, selected bool) error {
	return m.Called(ctx, option, selected).Error(0)
}

func (m *MockDriver) SetFiles(ctx context.Context, el driver.ElementRef, paths []string) error {
	return m.Called(ctx, el, paths).Error(0)
}

func (m *MockDriver) ScrollIntoView(ctx context.Context, el driver.ElementRef) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockDriver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	ret := m.Called(ctx, script, args)
	return ret.Get(0), ret.Error(1)
}

func (m *MockDriver) Windows(ctx context.Context) ([]driver.WindowHandle, error) {
	args := m.Called(ctx)
	var hs []driver.WindowHandle
	if v := args.Get(0); v != nil {
		hs = v.([]driver.WindowHandle)
	}
	return hs, args.Error(1)
}

func (m *MockDriver) CurrentWindow(ctx context.Context) (driver.WindowHandle, error) {
	args := m.Called(ctx)
	return args.Get(0).(driver.WindowHandle), args.Error(1)
}

func (m *MockDriver) SwitchToWindow(ctx context.Context, h driver.WindowHandle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockDriver) CloseWindow(ctx context.Context, h driver.WindowHandle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockDriver) SwitchToFrame(ctx context.Context, frame driver.ElementRef) error {
	return m.Called(ctx, frame).Error(0)
}

func (m *MockDriver) SwitchToParentFrame(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) SwitchToDefaultContent(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Keyed Driver Mock --

// MockKeyedDriver is a MockDriver whose refs differ per lookup, so identity
// goes through NodeKey.
type MockKeyedDriver struct {
	MockDriver
}

var _ driver.Identifier = (*MockKeyedDriver)(nil)

func (m *MockKeyedDriver) NodeKey(ctx context.Context, el driver.ElementRef) (string, error) {
	args := m.Called(ctx, el)
	return args.String(0), args.Error(1)
}
