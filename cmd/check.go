package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/petervdpas/webshell/internal/config"
	"github.com/petervdpas/webshell/internal/shell"
	"github.com/petervdpas/webshell/internal/upstream"
)

// probe loads the target once. Tests replace it.
var probe = func(ctx context.Context, cfg config.Config) error {
	return upstream.NewProber(upstream.NewClient(cfg)).Load(ctx, cfg.TargetURL().String())
}

func newCheckCmd() *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe the target",
		Long: `Resolve the configuration exactly as the shell would, print the
resulting settings with the password masked, and try to load the target
once with the same TLS and credential policy as the window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(shell.New(shell.Options{}))
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), cfg)

			if noProbe {
				return nil
			}
			return runProbe(cmd, cfg)
		},
	}
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "only validate the configuration")
	return cmd
}

func printSettings(w io.Writer, cfg config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("SETTING"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	source := cfg.Source
	if source == "" {
		source = "(environment only)"
	}
	port := cfg.Port
	if port == "" {
		port = "(none)"
	}

	t.AppendRows([]table.Row{
		{"env file", source},
		{config.KeyHost, cfg.Host},
		{config.KeyUser, cfg.Username},
		{config.KeyPassword, mask(cfg.Password)},
		{config.KeyPort, port},
		{"target", cfg.TargetURL().String()},
		{"window", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height)},
		{config.KeyFullscreen, cfg.Fullscreen},
		{config.KeyFrameless, cfg.Frameless},
		{config.KeyTitle, cfg.Title},
		{"verify tls", !cfg.InsecureTLS},
		{"inspector", cfg.Debug},
		{config.KeyLogLevel, cfg.LogLevel},
	})
	t.Render()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func runProbe(cmd *cobra.Command, cfg config.Config) error {
	target := cfg.TargetURL().String()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = " Loading " + target + "..."
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s.Start()
	err := probe(ctx, cfg)
	s.Stop()

	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintln(out, text.FgRed.Sprint("✗ ")+err.Error())
		return err
	}
	fmt.Fprintln(out, text.FgGreen.Sprint("✓ ")+target+" is reachable")
	return nil
}
