package shell

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/upstream"
	"github.com/petervdpas/webshell/internal/util"
)

type fakeWindow struct {
	mu        sync.Mutex
	navigated []string
	shown     int
	quit      int
}

func (w *fakeWindow) Navigate(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.navigated = append(w.navigated, url)
}

func (w *fakeWindow) Show() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shown++
}

func (w *fakeWindow) Quit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.quit++
}

func (w *fakeWindow) snapshot() (nav []string, shown, quit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.navigated...), w.shown, w.quit
}

// fakeLoader returns queued results in order; once the queue is empty every
// call fails.
type fakeLoader struct {
	mu      sync.Mutex
	results []error
	calls   chan string
}

func newFakeLoader(results ...error) *fakeLoader {
	return &fakeLoader{results: results, calls: make(chan string, 16)}
}

func (l *fakeLoader) Load(ctx context.Context, target string) error {
	l.mu.Lock()
	err := errors.New("unreachable")
	if len(l.results) > 0 {
		err = l.results[0]
		l.results = l.results[1:]
	}
	l.mu.Unlock()
	l.calls <- target
	return err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Host, cfg.Username, cfg.Password, cfg.Port = "100.64.0.9", "u", "p", "3001"
	return cfg
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func waitCall(t *testing.T, l *fakeLoader) string {
	t.Helper()
	select {
	case target := <-l.calls:
		return target
	case <-time.After(2 * time.Second):
		t.Fatal("expected a load attempt")
		return ""
	}
}

func noCall(t *testing.T, l *fakeLoader) {
	t.Helper()
	select {
	case target := <-l.calls:
		t.Fatalf("unexpected load attempt for %s", target)
	case <-time.After(50 * time.Millisecond):
	}
}

func startMachine(t *testing.T, opts Options, loader Loader) (*Machine, *fakeWindow, context.CancelFunc) {
	t.Helper()
	m := New(opts)
	_, err := m.Boot(func() (config.Config, error) { return testConfig(), nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	win := &fakeWindow{}
	m.Start(win, loader, "http://127.0.0.1:5555/")
	return m, win, cancel
}

func TestBootMissingKeysTerminates(t *testing.T) {
	m := New(Options{})
	assert.Equal(t, NotReady, m.State())

	_, err := m.Boot(func() (config.Config, error) {
		return config.Config{}, &config.MissingKeysError{Keys: []string{config.KeyPassword}}
	})
	require.Error(t, err)
	assert.Equal(t, Terminated, m.State())
}

func TestBootSuccessWaitsForWindow(t *testing.T) {
	m := New(Options{})
	cfg, err := m.Boot(func() (config.Config, error) { return testConfig(), nil })
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.9", cfg.Host)
	assert.Equal(t, ConfigLoading, m.State())
	assert.Nil(t, m.Status().LoadedAt)

	raw, err := json.Marshal(m.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "loaded_at")
	assert.Equal(t, "https://100.64.0.9:3001/", m.Status().Target)
}

func TestFirstLoadSucceeds(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(nil)
	m, win, _ := startMachine(t, Options{Clock: mock}, loader)

	assert.Equal(t, "https://100.64.0.9:3001/", waitCall(t, loader))

	deadline := time.Now().Add(2 * time.Second)
	for {
		nav, _, _ := win.snapshot()
		if len(nav) == 1 {
			assert.Equal(t, "http://127.0.0.1:5555/", nav[0])
			break
		}
		require.True(t, time.Now().Before(deadline), "window never navigated")
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, WindowOpen, m.State())
	require.NotNil(t, m.Status().LoadedAt)
	assert.Equal(t, mock.Now(), *m.Status().LoadedAt)

	mock.Add(time.Minute)
	noCall(t, loader)
}

func TestRetriesExactlyOnce(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(
		&upstream.LoadError{Code: upstream.CodeConnectionRefused, Description: "connection refused"},
		nil,
	)
	m, win, _ := startMachine(t, Options{Clock: mock}, loader)

	waitCall(t, loader)
	waitState(t, m, RetryPending)

	// not before the delay
	mock.Add(DefaultRetryDelay - time.Millisecond)
	noCall(t, loader)

	mock.Add(time.Millisecond)
	waitCall(t, loader)
	waitState(t, m, WindowOpen)

	mock.Add(time.Hour)
	noCall(t, loader)

	assert.Equal(t, 2, m.Status().Attempts)
	deadline := time.Now().Add(2 * time.Second)
	for {
		nav, _, _ := win.snapshot()
		if len(nav) == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "window never navigated after retry")
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSecondFailureGivesUp(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(errors.New("first"), errors.New("second"))
	m, win, _ := startMachine(t, Options{Clock: mock}, loader)

	waitCall(t, loader)
	waitState(t, m, RetryPending)
	mock.Add(DefaultRetryDelay)
	waitCall(t, loader)

	// the second failure leaves the window as it is
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, WindowOpen, m.State())
	assert.Contains(t, m.Status().LastError, "second")
	assert.True(t, m.Status().GaveUp)

	for i := 0; i < 5; i++ {
		mock.Add(DefaultRetryDelay)
	}
	noCall(t, loader)

	nav, _, _ := win.snapshot()
	assert.Empty(t, nav)
}

func TestCloseNonResidentQuits(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(errors.New("down"))
	m, win, _ := startMachine(t, Options{Clock: mock}, loader)

	waitCall(t, loader)
	waitState(t, m, RetryPending)

	m.WindowClosed()
	waitState(t, m, Terminated)

	// the pending retry was cancelled
	mock.Add(DefaultRetryDelay)
	noCall(t, loader)

	_, _, quit := win.snapshot()
	assert.Equal(t, 1, quit)
}

func TestCloseResidentThenActivateReloads(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(nil, errors.New("a"), nil)
	m, win, _ := startMachine(t, Options{Clock: mock, Resident: true}, loader)

	waitCall(t, loader)

	m.WindowClosed()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, WindowOpen, m.State())
	_, _, quit := win.snapshot()
	assert.Zero(t, quit)

	// reactivation starts over with a fresh retry budget
	m.Activate()
	waitCall(t, loader)
	waitState(t, m, RetryPending)
	mock.Add(DefaultRetryDelay)
	waitCall(t, loader)

	_, shown, _ := win.snapshot()
	assert.Equal(t, 1, shown)
}

func TestActivateWithOpenWindowOnlyShows(t *testing.T) {
	loader := newFakeLoader(nil)
	m, win, _ := startMachine(t, Options{Clock: clock.NewMock()}, loader)
	waitCall(t, loader)

	m.Activate()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, shown, _ := win.snapshot()
		if shown == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline))
		time.Sleep(2 * time.Millisecond)
	}
	noCall(t, loader)
	assert.Equal(t, WindowOpen, m.State())
}

func TestPageEventsUpdateStatus(t *testing.T) {
	loader := newFakeLoader(nil)
	m, _, _ := startMachine(t, Options{Clock: clock.NewMock()}, loader)
	waitCall(t, loader)

	m.PageEvent(PageDOMReady)
	deadline := time.Now().Add(2 * time.Second)
	for !m.Status().DOMReady {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, "window_open", m.Status().StateName)
}

func TestShutdownCancelsRetry(t *testing.T) {
	mock := clock.NewMock()
	loader := newFakeLoader(errors.New("down"))
	m, _, _ := startMachine(t, Options{Clock: mock}, loader)

	waitCall(t, loader)
	waitState(t, m, RetryPending)

	m.Shutdown()
	waitState(t, m, Terminated)
	mock.Add(DefaultRetryDelay)
	noCall(t, loader)
}

type panickyWindow struct {
	fakeWindow
}

func (w *panickyWindow) Navigate(url string) { panic("webview gone") }

func TestPanicInEventKeepsRunning(t *testing.T) {
	before := util.Faults()
	loader := newFakeLoader(nil)
	m := New(Options{Clock: clock.NewMock()})
	_, err := m.Boot(func() (config.Config, error) { return testConfig(), nil })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(context.Background())
	}()

	win := &panickyWindow{}
	m.Start(win, loader, "http://127.0.0.1:5555/")
	waitCall(t, loader)

	deadline := time.Now().Add(2 * time.Second)
	for util.Faults() == before {
		require.True(t, time.Now().Before(deadline), "fault never reported")
		time.Sleep(2 * time.Millisecond)
	}

	// the loop still handles events after the fault
	m.Activate()
	for {
		_, shown, _ := win.snapshot()
		if shown == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "activate not handled")
		time.Sleep(2 * time.Millisecond)
	}

	m.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop")
	}
	assert.Equal(t, Terminated, m.State())
}
