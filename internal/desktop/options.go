package desktop

import (
	"github.com/google/uuid"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/linux"

	"github.com/petervdpas/webshell/internal/config"
)

// instanceID is stable per target so a second launch against the same
// host activates the running shell, while other hosts get their own.
func instanceID(cfg config.Config) string {
	return "webshell-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(cfg.TargetURL().String())).String()
}

// Options builds the Wails application for cfg. The window has no menu,
// is frameless and starts fullscreen when asked, and opens the inspector in
// debug mode.
func Options(cfg config.Config, app *App) *options.App {
	start := options.Normal
	if cfg.Fullscreen {
		start = options.Fullscreen
	}

	level := wailsLevel(cfg.LogLevel)

	return &options.App{
		Title:            cfg.Title,
		Width:            cfg.Width,
		Height:           cfg.Height,
		WindowStartState: start,
		Frameless:        cfg.Frameless,
		Menu:             nil,
		BackgroundColour: &options.RGBA{R: 26, G: 26, B: 46, A: 255},

		AssetServer: &assetserver.Options{
			Handler: splashHandler(cfg.Title, app.machine.Status),
		},

		Linux: &linux.Options{
			ProgramName: "webshell",
		},

		Logger:             newWailsLogger(),
		LogLevel:           level,
		LogLevelProduction: level,

		SingleInstanceLock: &options.SingleInstanceLock{
			UniqueId: instanceID(cfg),
			OnSecondInstanceLaunch: func(data options.SecondInstanceData) {
				app.secondInstance(data.Args, data.WorkingDirectory)
			},
		},

		Debug: options.Debug{
			OpenInspectorOnStartup: cfg.Debug,
		},

		OnStartup:     app.startup,
		OnDomReady:    app.domReady,
		OnBeforeClose: app.beforeClose,
		OnShutdown:    app.shutdown,
	}
}
