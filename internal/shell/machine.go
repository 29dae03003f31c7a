// Package shell drives the window lifecycle: configuration gate, first
// navigation, the single delayed retry, and platform close/activate events.
//
// All state is owned by the goroutine running Machine.Run. Other goroutines
// talk to it through the exported methods, which only enqueue events.
package shell

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/upstream"
	"github.com/petervdpas/webshell/internal/util"
)

var log = logging.Logger("shell")

// DefaultRetryDelay is how long a failed first navigation waits before the
// one and only retry.
const DefaultRetryDelay = 3 * time.Second

// Window is the native surface the machine controls.
type Window interface {
	// Navigate points the content view at url.
	Navigate(url string)
	// Show brings the window back on screen.
	Show()
	// Quit ends the application.
	Quit()
}

// Loader performs one navigation attempt and reports its outcome.
type Loader interface {
	Load(ctx context.Context, target string) error
}

type LoaderFunc func(ctx context.Context, target string) error

func (f LoaderFunc) Load(ctx context.Context, target string) error { return f(ctx, target) }

type Options struct {
	Clock      clock.Clock
	RetryDelay time.Duration
	// Resident keeps the process alive after the window is closed.
	Resident bool
}

type Machine struct {
	clock    clock.Clock
	delay    time.Duration
	resident bool

	events chan event
	done   chan struct{}
	once   sync.Once

	// owned by Run
	cfg     config.Config
	win     Window
	loader  Loader
	gateway string
	gen     int
	attempt int
	retry   *clock.Timer
	closed  bool

	mu     sync.Mutex
	status Status
}

func New(opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Machine{
		clock:    opts.Clock,
		delay:    opts.RetryDelay,
		resident: opts.Resident,
		events:   make(chan event, 32),
		done:     make(chan struct{}),
		status:   Status{State: NotReady},
	}
}

// Boot resolves the configuration. On error the machine is Terminated and
// the caller must exit before any window is created.
func (m *Machine) Boot(load func() (config.Config, error)) (config.Config, error) {
	m.setState(ConfigLoading)

	cfg, err := load()
	if err != nil {
		var missing *config.MissingKeysError
		if errors.As(err, &missing) {
			log.Errorw("required configuration missing", "keys", missing.Keys)
		} else {
			log.Errorw("configuration invalid", "err", err)
		}
		m.setState(Terminated)
		return config.Config{}, err
	}

	m.cfg = cfg
	m.update(func(s *Status) { s.Target = cfg.TargetURL().String() })
	return cfg, nil
}

// Start hands the freshly created window to the machine and begins the
// first navigation. gateway is the URL the window shows once the target
// has loaded.
func (m *Machine) Start(win Window, loader Loader, gateway string) {
	m.send(event{kind: evStart, win: win, loader: loader, gateway: gateway})
}

// WindowClosed reports that the last window was closed.
func (m *Machine) WindowClosed() { m.send(event{kind: evClosed}) }

// Activate reports an application reactivation (e.g. a second launch).
func (m *Machine) Activate() { m.send(event{kind: evActivate}) }

// PageEvent reports a lifecycle event from the loaded page.
func (m *Machine) PageEvent(name string) { m.send(event{kind: evPage, page: name}) }

// Shutdown stops the machine and cancels a pending retry.
func (m *Machine) Shutdown() { m.send(event{kind: evShutdown}) }

// Run processes events until ctx is done, Shutdown is called, or the
// window closes on a non-resident platform.
func (m *Machine) Run(ctx context.Context) error {
	defer m.once.Do(func() { close(m.done) })
	defer m.cancelRetry()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			if stop := m.dispatch(ctx, ev); stop {
				return nil
			}
		}
	}
}

func (m *Machine) send(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// dispatch handles one event. A panic is logged and the loop carries on
// with the next event.
func (m *Machine) dispatch(ctx context.Context, ev event) (stop bool) {
	defer util.Recover("shell event")
	return m.handle(ctx, ev)
}

func (m *Machine) handle(ctx context.Context, ev event) (stop bool) {
	switch ev.kind {
	case evStart:
		m.win, m.loader, m.gateway = ev.win, ev.loader, ev.gateway
		m.setState(WindowOpen)
		m.restart(ctx)

	case evLoadResult:
		m.onLoadResult(ev)

	case evRetry:
		if ev.gen != m.gen || m.State() != RetryPending {
			return false
		}
		m.retry = nil
		m.setState(WindowOpen)
		log.Infow("retrying page load", "attempt", m.attempt+1)
		m.navigate(ctx)

	case evPage:
		switch ev.page {
		case PageDOMReady:
			log.Info("DOM ready")
			m.update(func(s *Status) { s.DOMReady = true })
		case PageFinishLoad:
			log.Info("page finished loading")
		default:
			log.Debugw("page event", "name", ev.page)
		}

	case evClosed:
		m.cancelRetry()
		m.closed = true
		if m.resident {
			log.Info("all windows closed; staying resident")
			return false
		}
		log.Info("all windows closed; quitting")
		m.setState(Terminated)
		if m.win != nil {
			m.win.Quit()
		}
		return true

	case evActivate:
		if m.win == nil {
			return false
		}
		m.win.Show()
		if m.closed {
			log.Info("reactivated with no open window; reloading")
			m.closed = false
			m.setState(WindowOpen)
			m.restart(ctx)
		}

	case evShutdown:
		m.cancelRetry()
		m.setState(Terminated)
		return true
	}
	return false
}

// restart begins a fresh navigation sequence with a new retry budget.
func (m *Machine) restart(ctx context.Context) {
	m.cancelRetry()
	m.gen++
	m.attempt = 0
	m.navigate(ctx)
}

func (m *Machine) navigate(ctx context.Context) {
	if m.loader == nil {
		return
	}
	m.attempt++
	gen, attempt, loader := m.gen, m.attempt, m.loader
	target := m.cfg.TargetURL().String()

	m.update(func(s *Status) {
		s.Target = target
		s.Attempts++
		s.DOMReady = false
		s.GaveUp = false
	})
	log.Infow("loading page", "url", target, "attempt", attempt)

	util.Go("navigate", func() {
		err := loader.Load(ctx, target)
		m.send(event{kind: evLoadResult, gen: gen, attempt: attempt, err: err})
	})
}

func (m *Machine) onLoadResult(ev event) {
	if ev.gen != m.gen {
		return
	}

	if ev.err == nil {
		log.Infow("page loaded", "url", m.cfg.TargetURL().String(), "attempt", ev.attempt)
		now := m.clock.Now()
		m.update(func(s *Status) {
			s.LastError = ""
			s.LoadedAt = &now
		})
		if m.win != nil && m.gateway != "" {
			m.win.Navigate(m.gateway)
		}
		return
	}

	code, desc := describe(ev.err)
	log.Errorw("page load failed", "code", code, "description", desc, "attempt", ev.attempt)
	m.update(func(s *Status) { s.LastError = ev.err.Error() })

	if ev.attempt > 1 {
		log.Errorw("retry failed; giving up", "url", m.cfg.TargetURL().String())
		m.update(func(s *Status) { s.GaveUp = true })
		return
	}

	gen := m.gen
	m.retry = m.clock.AfterFunc(m.delay, func() {
		m.send(event{kind: evRetry, gen: gen})
	})
	m.setState(RetryPending)
	log.Infow("retry scheduled", "in", m.delay.String())
}

func (m *Machine) cancelRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func describe(err error) (int, string) {
	var le *upstream.LoadError
	if errors.As(err, &le) {
		return le.Code, le.Description
	}
	return upstream.CodeFailed, err.Error()
}
