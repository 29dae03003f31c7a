package desktop

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/wailsapp/wails/v2/pkg/logger"
)

// wailsLogger routes Wails' own log output into the "wails" go-log logger.
type wailsLogger struct {
	log *logging.ZapEventLogger
}

func newWailsLogger() logger.Logger {
	return &wailsLogger{log: logging.Logger("wails")}
}

func (l *wailsLogger) Print(message string)   { l.log.Info(message) }
func (l *wailsLogger) Trace(message string)   { l.log.Debug(message) }
func (l *wailsLogger) Debug(message string)   { l.log.Debug(message) }
func (l *wailsLogger) Info(message string)    { l.log.Info(message) }
func (l *wailsLogger) Warning(message string) { l.log.Warn(message) }
func (l *wailsLogger) Error(message string)   { l.log.Error(message) }
func (l *wailsLogger) Fatal(message string)   { l.log.Fatal(message) }

func wailsLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "warn", "warning":
		return logger.WARNING
	case "error", "fatal", "panic", "dpanic":
		return logger.ERROR
	}
	return logger.INFO
}
