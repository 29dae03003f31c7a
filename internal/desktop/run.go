package desktop

import (
	"context"
	"fmt"
	"net/http"

	"github.com/wailsapp/wails/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/diag"
	"github.com/petervdpas/webshell/internal/proxy"
	"github.com/petervdpas/webshell/internal/shell"
	"github.com/petervdpas/webshell/internal/upstream"
	"github.com/petervdpas/webshell/internal/util"
)

// Run opens the window for cfg and blocks until it is closed or ctx is
// done. It must be called from the main goroutine.
func Run(ctx context.Context, cfg config.Config, m *shell.Machine) error {
	auth := upstream.NewAuthenticator(upstream.NewTransport(cfg), upstream.CredentialsFrom(cfg))
	client := &http.Client{Transport: auth}

	logs := diag.NewLogBuffer(diag.DefaultCapacity)
	gw := proxy.New(proxy.Options{
		Config: cfg,
		Auth:   auth,
		Logs:   logs,
		Status: func() any { return m.Status() },
	})
	if err := gw.Listen(); err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	app := NewApp(AppOptions{
		Config:  cfg,
		Machine: m,
		Loader:  upstream.NewProber(client),
		Entry:   gw.EntryURL,
	})
	gw.SetHooks(app)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(util.Guard("log capture", func() error { return logs.Capture(gctx) }))
	g.Go(util.Guard("gateway", func() error { return gw.Serve(gctx) }))
	g.Go(util.Guard("shell", func() error { return m.Run(gctx) }))
	if cfg.Source != "" {
		g.Go(util.Guard("env watch", func() error {
			// a watcher failure is not worth closing the window over
			if err := config.Watch(gctx, cfg.Source); err != nil {
				log.Warnw("env file watch unavailable", "path", cfg.Source, "err", err)
			}
			return nil
		}))
	}
	g.Go(func() error {
		<-gctx.Done()
		app.Quit()
		return nil
	})

	runErr := wails.Run(Options(cfg, app))
	cancel()

	if err := g.Wait(); err != nil {
		log.Errorw("background task failed", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return fmt.Errorf("desktop: %w", runErr)
	}
	return nil
}
