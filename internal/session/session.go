// CLAUDE:SUMMARY Browser session lifecycle: check the DevTools endpoint, launch Chrome when absent, attach with rod and own one page.
// Package session owns the single remote-controlled browser of a run. It
// attaches to a running Chrome when the DevTools endpoint answers and
// launches one with the persistent profile otherwise.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

// Config configures Ensure.
type Config struct {
	// Endpoint is the DevTools HTTP endpoint. Default http://127.0.0.1:9222.
	Endpoint   string
	ChromePath string
	ProfileDir string
	// StartURL is opened by a launched browser.
	StartURL string
	// SiteHost picks an existing tab already on the site.
	SiteHost string
	Headless bool

	LaunchAttempts  int
	LaunchBackoff   time.Duration
	CheckTimeout    time.Duration
	EvalTimeout     time.Duration
	NavigateTimeout time.Duration

	// CloseLaunched kills a browser this run launched on Close.
	CloseLaunched bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "http://127.0.0.1:9222"
	}
	if c.ProfileDir == "" {
		c.ProfileDir = "data/chrome-profile"
	}
	if c.LaunchAttempts <= 0 {
		c.LaunchAttempts = 20
	}
	if c.LaunchBackoff <= 0 {
		c.LaunchBackoff = 300 * time.Millisecond
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = browser.DefaultEvalTimeout
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Option replaces a lifecycle step, mostly for tests.
type Option func(*manager)

type manager struct {
	launch  LaunchFunc
	connect ConnectFunc
	holder  ProcessCheck
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(fn LaunchFunc) Option { return func(m *manager) { m.launch = fn } }

// WithConnector replaces the rod attach step.
func WithConnector(fn ConnectFunc) Option { return func(m *manager) { m.connect = fn } }

// WithProcessCheck replaces the profile-lock check.
func WithProcessCheck(fn ProcessCheck) Option { return func(m *manager) { m.holder = fn } }

// Session is one attached browser and its working page.
type Session struct {
	Endpoint string
	// Launched is true when this run started the browser.
	Launched bool
	Version  Version
	Browser  *rod.Browser
	Page     browser.Page

	cfg    Config
	kill   func()
	cancel context.CancelFunc
	once   sync.Once
}

// Ensure returns a connected session, launching Chrome when the endpoint is
// unreachable. It fails with *report.EndpointUnavailableError when the
// endpoint cannot be reached or started.
func Ensure(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg.defaults()
	m := &manager{launch: LaunchChrome, connect: ConnectRod, holder: ProfileHolder}
	for _, o := range opts {
		o(m)
	}
	log := cfg.Logger
	vc := NewVersionClient(cfg.Endpoint, cfg.CheckTimeout)
	s := &Session{Endpoint: cfg.Endpoint, cfg: cfg}

	v, err := vc.Fetch(ctx)
	if err != nil {
		log.InfoContext(ctx, "session: endpoint unreachable, launching browser",
			"endpoint", cfg.Endpoint, "profile", cfg.ProfileDir, "error", err)
		if pid, herr := m.holder(ctx, cfg.ProfileDir); herr == nil && pid > 0 {
			return nil, &report.EndpointUnavailableError{
				Endpoint: cfg.Endpoint,
				Attempts: 1,
				Err:      fmt.Errorf("process %d holds profile %s without a debugging port, close it first", pid, cfg.ProfileDir),
			}
		}
		kill, lerr := m.launch(ctx, cfg)
		if lerr != nil {
			return nil, &report.EndpointUnavailableError{Endpoint: cfg.Endpoint, Attempts: 1, Err: lerr}
		}
		s.Launched = true
		s.kill = kill

		v, err = retry.Value(ctx, retry.Fixed(cfg.LaunchAttempts, cfg.LaunchBackoff), log, "session.version",
			vc.Fetch)
		if err != nil {
			if kill != nil {
				kill()
			}
			return nil, &report.EndpointUnavailableError{Endpoint: cfg.Endpoint, Attempts: cfg.LaunchAttempts, Err: err}
		}
	}
	s.Version = v

	connCtx, cancel := context.WithCancel(ctx)
	b, page, err := m.connect(connCtx, v.WebSocketDebuggerURL, cfg)
	if err != nil {
		cancel()
		return nil, &report.EndpointUnavailableError{Endpoint: cfg.Endpoint, Attempts: 1, Err: err}
	}
	s.Browser, s.Page, s.cancel = b, page, cancel

	log.InfoContext(ctx, "session: attached",
		"endpoint", cfg.Endpoint,
		"browser", v.Browser,
		"launched", s.Launched)
	return s, nil
}

// Close disconnects. A launched browser is left running unless
// CloseLaunched is set. Close is best effort and safe to call twice.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.Launched && s.cfg.CloseLaunched {
			if s.Browser != nil {
				if err := s.Browser.Close(); err != nil {
					s.cfg.Logger.Warn("session: close browser", "error", err)
				}
			}
			if s.kill != nil {
				s.kill()
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.cfg.Logger.Info("session: closed", "endpoint", s.Endpoint, "launched", s.Launched)
	})
}
