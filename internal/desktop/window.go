package desktop

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// windowRuntime is the slice of the Wails runtime the shell drives.
type windowRuntime interface {
	ExecJS(ctx context.Context, js string)
	Show(ctx context.Context)
	Hide(ctx context.Context)
	IsFullscreen(ctx context.Context) bool
	SetFullscreen(ctx context.Context, on bool)
	Quit(ctx context.Context)
}

type wailsRuntime struct{}

func (wailsRuntime) ExecJS(ctx context.Context, js string) { runtime.WindowExecJS(ctx, js) }

func (wailsRuntime) Show(ctx context.Context) {
	runtime.WindowUnminimise(ctx)
	runtime.WindowShow(ctx)
}

func (wailsRuntime) Hide(ctx context.Context) { runtime.WindowHide(ctx) }

func (wailsRuntime) IsFullscreen(ctx context.Context) bool { return runtime.WindowIsFullscreen(ctx) }

func (wailsRuntime) SetFullscreen(ctx context.Context, on bool) {
	if on {
		runtime.WindowFullscreen(ctx)
		return
	}
	runtime.WindowUnfullscreen(ctx)
}

func (wailsRuntime) Quit(ctx context.Context) { runtime.Quit(ctx) }

// window adapts the Wails runtime to shell.Window. Calls made before the
// runtime context exists are dropped, except Quit which is remembered.
type window struct {
	rt windowRuntime

	mu       sync.Mutex
	ctx      context.Context
	quitting bool
	stopped  bool
}

func newWindow(rt windowRuntime) *window {
	if rt == nil {
		rt = wailsRuntime{}
	}
	return &window{rt: rt}
}

// bind attaches the runtime context handed to OnStartup. It reports false
// when a quit was requested before the window existed.
func (w *window) bind(ctx context.Context) bool {
	w.mu.Lock()
	w.ctx = ctx
	quit := w.quitting
	w.mu.Unlock()

	if quit {
		w.rt.Quit(ctx)
		return false
	}
	return true
}

// live returns the runtime context, or nil once the app has shut down.
func (w *window) live() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	return w.ctx
}

func (w *window) Navigate(url string) {
	ctx := w.live()
	if ctx == nil {
		return
	}
	log.Infow("navigating window", "url", redactToken(url))
	w.rt.ExecJS(ctx, "window.location.replace("+jsString(url)+")")
}

func (w *window) Show() {
	if ctx := w.live(); ctx != nil {
		w.rt.Show(ctx)
	}
}

func (w *window) Hide() {
	if ctx := w.live(); ctx != nil {
		w.rt.Hide(ctx)
	}
}

func (w *window) ToggleFullscreen() {
	ctx := w.live()
	if ctx == nil {
		return
	}
	on := !w.rt.IsFullscreen(ctx)
	log.Debugw("toggle fullscreen", "on", on)
	w.rt.SetFullscreen(ctx, on)
}

// Quit asks Wails to end the application. Repeated calls are ignored.
func (w *window) Quit() {
	w.mu.Lock()
	if w.quitting || w.stopped {
		w.mu.Unlock()
		return
	}
	w.quitting = true
	ctx := w.ctx
	w.mu.Unlock()

	if ctx != nil {
		w.rt.Quit(ctx)
	}
}

// markQuitting records a quit that Wails itself started.
func (w *window) markQuitting() {
	w.mu.Lock()
	w.quitting = true
	w.mu.Unlock()
}

func (w *window) isQuitting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quitting
}

func (w *window) markStopped() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
