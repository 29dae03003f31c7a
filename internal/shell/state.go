package shell

import "time"

type State int

const (
	NotReady State = iota
	ConfigLoading
	WindowOpen
	RetryPending
	Terminated
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not_ready"
	case ConfigLoading:
		return "config_loading"
	case WindowOpen:
		return "window_open"
	case RetryPending:
		return "retry_pending"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Page lifecycle events reported by the in-page hook.
const (
	PageDOMReady   = "dom-ready"
	PageFinishLoad = "did-finish-load"
)

// Status is a point-in-time view for diagnostics.
type Status struct {
	State     State      `json:"-"`
	StateName string     `json:"state"`
	Target    string     `json:"target"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	LoadedAt  *time.Time `json:"loaded_at,omitempty"`
	DOMReady  bool       `json:"dom_ready"`
	// GaveUp is set once the retry has failed too. Nothing else is tried
	// until the window is reactivated.
	GaveUp bool `json:"gave_up"`
}

type eventKind int

const (
	evStart eventKind = iota
	evLoadResult
	evRetry
	evPage
	evClosed
	evActivate
	evShutdown
)

type event struct {
	kind eventKind

	// evStart
	win     Window
	loader  Loader
	gateway string

	// evLoadResult, evRetry
	gen     int
	attempt int
	err     error

	// evPage
	page string
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State
}

// Status returns a copy of the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.StateName = s.State.String()
	return s
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.status.State
	m.status.State = s
	m.mu.Unlock()
	if prev != s {
		log.Debugw("state", "from", prev.String(), "to", s.String())
	}
}

func (m *Machine) update(fn func(*Status)) {
	m.mu.Lock()
	fn(&m.status)
	m.mu.Unlock()
}
