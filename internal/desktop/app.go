// Package desktop binds the shell to a Wails window: window options,
// lifecycle hooks, and the adapter the state machine drives.
package desktop

import (
	"context"
	"net/url"
	goruntime "runtime"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/shell"
	"github.com/petervdpas/webshell/internal/util"
)

var log = logging.Logger("desktop")

// App owns the Wails lifecycle callbacks.
type App struct {
	cfg      config.Config
	machine  *shell.Machine
	loader   shell.Loader
	entry    func() string
	resident bool

	win *window
}

type AppOptions struct {
	Config  config.Config
	Machine *shell.Machine
	// Loader probes the target before the window is pointed at it.
	Loader shell.Loader
	// Entry returns the gateway URL the window opens after a good probe.
	Entry func() string
	// Resident keeps the process alive with the window hidden after close.
	// Defaults to true on darwin.
	Resident *bool

	runtime windowRuntime
}

func NewApp(opts AppOptions) *App {
	resident := goruntime.GOOS == "darwin"
	if opts.Resident != nil {
		resident = *opts.Resident
	}
	return &App{
		cfg:      opts.Config,
		machine:  opts.Machine,
		loader:   opts.Loader,
		entry:    opts.Entry,
		resident: resident,
		win:      newWindow(opts.runtime),
	}
}

func (a *App) startup(ctx context.Context) {
	defer util.Recover("startup")
	if !a.win.bind(ctx) {
		log.Info("quit requested before startup")
		return
	}
	log.Infow("window created",
		"width", a.cfg.Width,
		"height", a.cfg.Height,
		"fullscreen", a.cfg.Fullscreen,
		"inspector", a.cfg.Debug,
	)
	entry := ""
	if a.entry != nil {
		entry = a.entry()
	}
	a.machine.Start(a.win, a.loader, entry)
}

func (a *App) domReady(ctx context.Context) {
	log.Debug("splash ready")
}

// beforeClose runs when the user closes the window. A resident app hides
// the window instead of quitting.
func (a *App) beforeClose(ctx context.Context) (prevent bool) {
	defer util.Recover("before close")
	if a.win.isQuitting() {
		return false
	}
	a.machine.WindowClosed()
	if a.resident {
		a.win.Hide()
		return true
	}
	a.win.markQuitting()
	return false
}

func (a *App) shutdown(ctx context.Context) {
	defer util.Recover("shutdown")
	a.win.markStopped()
	a.machine.Shutdown()
	log.Info("window closed")
}

// secondInstance handles another launch of the same shell.
func (a *App) secondInstance(args []string, workDir string) {
	defer util.Recover("second instance")
	log.Infow("second launch; activating", "args", args, "workdir", workDir)
	a.machine.Activate()
}

// Quit ends the application from outside the window, e.g. on a signal.
func (a *App) Quit() { a.win.Quit() }

func (a *App) ToggleFullscreen() { a.win.ToggleFullscreen() }

func (a *App) PageEvent(name string) { a.machine.PageEvent(name) }

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
