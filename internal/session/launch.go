package session

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/stealth"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hazyhaar/mtcrawl/internal/browser"
)

// LaunchFunc starts a browser serving cfg.Endpoint. The returned kill func
// terminates it.
type LaunchFunc func(ctx context.Context, cfg Config) (kill func(), err error)

// ConnectFunc attaches to the websocket URL and returns the working page.
type ConnectFunc func(ctx context.Context, ws string, cfg Config) (*rod.Browser, browser.Page, error)

// ProcessCheck returns the pid of a browser holding the profile directory
// without a debugging port, 0 if none.
type ProcessCheck func(ctx context.Context, profile string) (int32, error)

func endpointPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("session: parse endpoint %q: %w", endpoint, err)
	}
	if p := u.Port(); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("session: endpoint %q has no port", endpoint)
}

// LaunchChrome starts a headful Chrome on the endpoint's port with the
// persistent profile. Leakless is off so the browser outlives the run and
// keeps the login.
func LaunchChrome(_ context.Context, cfg Config) (func(), error) {
	port, err := endpointPort(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	l := launcher.New().
		Headless(cfg.Headless).
		Leakless(false).
		UserDataDir(cfg.ProfileDir).
		Set("remote-debugging-port", port).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Delete("no-startup-window")
	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}
	if cfg.StartURL != "" {
		l = l.Set(flags.Arguments, cfg.StartURL)
	}
	if _, err := l.Launch(); err != nil {
		return nil, fmt.Errorf("session: launch chrome: %w", err)
	}
	return l.Kill, nil
}

// ConnectRod attaches with rod and picks the working page: one already on
// the site, else the first page, else a new stealth page.
func ConnectRod(ctx context.Context, ws string, cfg Config) (*rod.Browser, browser.Page, error) {
	b := rod.New().ControlURL(ws).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, nil, fmt.Errorf("session: connect: %w", err)
	}
	pages, err := b.Pages()
	if err != nil {
		return b, nil, fmt.Errorf("session: list pages: %w", err)
	}
	var picked *rod.Page
	for _, p := range pages {
		info, err := p.Info()
		if err == nil && cfg.SiteHost != "" && strings.Contains(info.URL, cfg.SiteHost) {
			picked = p
			break
		}
	}
	if picked == nil && len(pages) > 0 {
		picked = pages[0]
	}
	if picked == nil {
		picked, err = stealth.Page(b)
		if err != nil {
			return b, nil, fmt.Errorf("session: create page: %w", err)
		}
	}
	return b, browser.NewPage(picked,
		browser.WithEvalTimeout(cfg.EvalTimeout),
		browser.WithNavigateTimeout(cfg.NavigateTimeout),
	), nil
}

// ProfileHolder scans running processes for a browser whose
// --user-data-dir is profile and that has no debugging port. Launching a
// second browser on that profile would hand off to it and never expose the
// port.
func ProfileHolder(ctx context.Context, profile string) (int32, error) {
	if profile == "" {
		return 0, nil
	}
	want, err := filepath.Abs(profile)
	if err != nil {
		return 0, err
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: list processes: %w", err)
	}
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		var dir string
		port, child := false, false
		for _, a := range args {
			switch {
			case strings.HasPrefix(a, "--user-data-dir="):
				dir = strings.TrimPrefix(a, "--user-data-dir=")
			case strings.HasPrefix(a, "--remote-debugging-port"):
				port = true
			case strings.HasPrefix(a, "--type="):
				child = true
			}
		}
		if dir == "" || port || child {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil && abs == want {
			return p.Pid, nil
		}
	}
	return 0, nil
}
