package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/desktop"
	"github.com/petervdpas/webshell/internal/shell"
	"github.com/petervdpas/webshell/internal/upstream"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates a normal quit.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error, including missing required
	// configuration.
	ExitCodeError = 1
	// ExitCodeUnreachable indicates `check` could not load the target.
	ExitCodeUnreachable = 2
)

var (
	workDir  string
	logLevel string
)

// runDesktop opens the window. Tests replace it.
var runDesktop = desktop.Run

// rootCmd opens the shell window when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "webshell",
	Short: "Open a remote web application in a native window",
	Long: `webshell opens a single native window pointed at a web application on a
private host. The host, credentials and port come from a .env file in the
working directory (or its parent) and from the process environment, which
takes precedence.`,
	Args:              cobra.NoArgs,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE:              runShell,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI and exits with a code derived from the error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "webshell version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var loadErr *upstream.LoadError
	if errors.As(err, &loadErr) {
		return ExitCodeUnreachable
	}
	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "directory to search for .env (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// setupLogging configures go-log before any command runs. The level comes
// from --log-level, then LOG_LEVEL, then the default.
func setupLogging(cmd *cobra.Command, args []string) error {
	level := logLevel
	if level == "" {
		level = os.Getenv(config.KeyLogLevel)
	}
	if level == "" {
		level = config.DefaultLogLevel
	}
	return applyLevel(level)
}

func applyLevel(level string) error {
	lvl, err := logging.LevelFromString(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetupLogging(logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: true,
		Level:  lvl,
	})
	return nil
}

// resolveWorkDir returns an absolute directory for the env file search.
func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	return abs, nil
}

func loadConfig(m *shell.Machine) (config.Config, error) {
	dir, err := resolveWorkDir(workDir)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := m.Boot(func() (config.Config, error) {
		return config.Load(dir, config.OSEnviron())
	})
	if err != nil {
		return config.Config{}, err
	}

	// a LOG_LEVEL from the env file applies unless the flag was given
	if logLevel == "" && cfg.LogLevel != "" {
		if err := applyLevel(cfg.LogLevel); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func runShell(cmd *cobra.Command, args []string) error {
	m := shell.New(shell.Options{})
	cfg, err := loadConfig(m)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDesktop(ctx, cfg, m)
}
