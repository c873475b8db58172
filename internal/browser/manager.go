// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harness/internal/browser/cdp"
	pwdriver "github.com/xkilldash9x/scalpel-harness/internal/browser/playwright"
	"github.com/xkilldash9x/scalpel-harness/internal/browser/static"
	"github.com/xkilldash9x/scalpel-harness/internal/config"
	"github.com/xkilldash9x/scalpel-harness/pkg/driver"
	"github.com/xkilldash9x/scalpel-harness/pkg/harness"
)

const (
	playwrightLaunchTimeout = 60 * time.Second
	sessionCleanupTimeout   = 10 * time.Second
)

// Manager owns the browser backends and hands out one isolated driver per
// scenario. The Playwright process is shared and started on first use; the
// cdp backend launches a browser per driver; the static backend needs no
// process at all.
type Manager struct {
	cfg    config.Interface
	logger *zap.Logger

	pw      *playwright.Playwright
	browser playwright.Browser

	drivers map[string]*trackedDriver
	mu      sync.Mutex
	wg      sync.WaitGroup
	nextID  int
	closed  bool

	initOnce sync.Once
	initErr  error
}

// NewManager creates a manager. No browser is started until the first
// driver is requested.
func NewManager(cfg config.Interface, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Named("browser_manager"),
		drivers: make(map[string]*trackedDriver),
	}
	m.logger.Debug("Browser manager created (initialization deferred).", zap.String("driver", cfg.Browser().Driver))
	return m
}

// initialize starts the Playwright driver and launches Chromium.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Initializing Playwright and launching browser...")

		if m.cfg.Browser().Install {
			if err := m.ensureInstallation(ctx); err != nil {
				m.initErr = err
				return
			}
		}

		pw, err := playwright.Run()
		if err != nil {
			m.initErr = fmt.Errorf("failed to start playwright driver: %w", err)
			return
		}

		browser, err := pw.Chromium.Launch(m.prepareLaunchOptions())
		if err != nil {
			_ = pw.Stop()
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.pw, m.browser = pw, browser
		m.logger.Info("Browser manager initialized successfully.", zap.String("browser_version", browser.Version()))
	})
	return m.initErr
}

func (m *Manager) ensureInstallation(ctx context.Context) error {
	m.logger.Info("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, m.cfg.Browser().InstallTimeout)
	defer cancel()

	// playwright.Install blocks without a context.
	done := make(chan error, 1)
	go func() {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			done <- fmt.Errorf("failed to install playwright browsers: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

func (m *Manager) prepareLaunchOptions() playwright.BrowserTypeLaunchOptions {
	bc := m.cfg.Browser()
	defaultArgs := []string{
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
	}
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(bc.Headless),
		Args:     append(defaultArgs, bc.Args...),
		Timeout:  playwright.Float(float64(playwrightLaunchTimeout.Milliseconds())),
	}
	if bc.ExecPath != "" {
		opts.ExecutablePath = playwright.String(bc.ExecPath)
	}
	return opts
}

// NewDriver opens a fresh driver on the configured backend. Close the
// returned driver to release it; Shutdown closes any still open.
func (m *Manager) NewDriver(ctx context.Context, logger *zap.Logger) (driver.Driver, error) {
	if logger == nil {
		logger = m.logger
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("browser manager is shut down")
	}
	m.mu.Unlock()

	bc := m.cfg.Browser()
	var (
		drv driver.Driver
		err error
	)
	switch bc.Driver {
	case config.DriverStatic:
		drv, err = static.New(static.Config{
			UserAgent:         bc.UserAgent,
			NavigationTimeout: bc.NavigationTimeout,
		}, logger)
	case config.DriverCDP:
		drv, err = cdp.New(ctx, cdp.Config{
			RemoteURL:         bc.RemoteURL,
			Headless:          bc.Headless,
			Args:              bc.Args,
			UserAgent:         bc.UserAgent,
			ExecPath:          bc.ExecPath,
			NavigationTimeout: bc.NavigationTimeout,
		}, logger)
	case config.DriverPlaywright:
		if err = m.initialize(ctx); err == nil {
			drv, err = pwdriver.New(m.browser, pwdriver.Config{
				UserAgent:         bc.UserAgent,
				NavigationTimeout: bc.NavigationTimeout,
			}, logger)
		}
	default:
		err = fmt.Errorf("unknown browser driver %q", bc.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s driver: %w", bc.Driver, err)
	}
	return m.track(drv), nil
}

// NewSession opens a driver and attaches a harness session to it using the
// configured wait defaults.
func (m *Manager) NewSession(ctx context.Context, logger *zap.Logger) (*harness.Session, error) {
	drv, err := m.NewDriver(ctx, logger)
	if err != nil {
		return nil, err
	}
	sess, err := harness.New(ctx, drv, SessionOptions(m.cfg.Wait()), logger)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), sessionCleanupTimeout)
		defer cancel()
		_ = drv.Close(cleanupCtx)
		return nil, err
	}
	return sess, nil
}

// SessionOptions maps the wait section onto harness options.
func SessionOptions(wc config.WaitConfig) harness.Options {
	opts := harness.Options{RestoreTimeout: wc.RestoreTimeout}
	opts.Wait.Timeout = wc.DefaultTimeout
	opts.Wait.SlowTimeout = wc.SlowTimeout
	opts.Wait.PollInterval = wc.PollInterval
	opts.Wait.MinPollInterval = wc.MinPollInterval
	return opts
}

// -- Driver tracking --

// trackedDriver reports its Close back to the manager.
type trackedDriver struct {
	driver.Driver
	id      string
	once    sync.Once
	onClose func()
}

func (t *trackedDriver) Close(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		err = t.Driver.Close(ctx)
		t.onClose()
	})
	return err
}

func (m *Manager) track(drv driver.Driver) *trackedDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &trackedDriver{Driver: drv, id: fmt.Sprintf("driver-%d", m.nextID)}
	m.wg.Add(1)
	t.onClose = func() {
		m.mu.Lock()
		delete(m.drivers, t.id)
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Driver released.", zap.String("driver_id", t.id))
	}
	m.drivers[t.id] = t
	return t
}

// Active reports how many drivers are open.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drivers)
}

// Shutdown closes every open driver and then the shared browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.Lock()
	m.closed = true
	open := make([]*trackedDriver, 0, len(m.drivers))
	for _, d := range m.drivers {
		open = append(open, d)
	}
	m.mu.Unlock()

	for _, d := range open {
		go func(d *trackedDriver) {
			if err := d.Close(ctx); err != nil {
				m.logger.Warn("Error during driver close in shutdown.", zap.String("driver_id", d.id), zap.Error(err))
			}
		}(d)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Debug("All drivers closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for drivers to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	if m.pw == nil {
		return nil
	}

	var shutdownErr error
	if m.browser != nil {
		if err := m.browser.Close(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
			m.logger.Error("Failed to close browser instance.", zap.Error(err))
			shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		}
	}
	if err := m.pw.Stop(); err != nil {
		m.logger.Error("Failed to stop Playwright driver.", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = fmt.Errorf("failed to stop playwright driver: %w", err)
		}
	}
	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
