// Command exprcore serves the expression metadata API and runs catalogue
// maintenance tasks (GEO imports, index rebuilds, analyses) from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"exprcore/internal/config"
	"exprcore/internal/core"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "exprcore:", err)
		exitFunc(1)
	}
}

// cli carries the persistent flags and the configuration they resolve to.
type cli struct {
	configPath string
	envFiles   []string
	actor      string
	cfg        config.Config
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stderr: stderr}
	root := &cobra.Command{
		Use:           "exprcore",
		Short:         "Gene expression experiment catalogue, curation and analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Options{Path: c.configPath, EnvFiles: c.envFiles})
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML configuration file (default $"+config.PathEnv+")")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load (default .env when present)")
	root.PersistentFlags().StringVar(&c.actor, "as", "cli", "subject recorded on audit events for offline commands")

	root.AddCommand(
		newServeCmd(c),
		newGEOCmd(c),
		newIndexCmd(c),
		newAnalyzeCmd(c),
		newTokenCmd(c),
	)
	return root
}

// operatorContext marks offline commands as run by a local administrator.
func (c *cli) operatorContext(ctx context.Context) context.Context {
	return core.ContextWithPrincipal(ctx, core.Principal{Subject: c.actor, Roles: []string{core.RoleAdmin}})
}
