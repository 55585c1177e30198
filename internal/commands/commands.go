// Package commands implements vaultctl, the human-facing surface of the
// vault. Every command acts through the same runtime the agent uses, so
// decisions, claims and retries are audited like any agent action.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/p-blackswan/vault-agent/internal/agent"
	"github.com/p-blackswan/vault-agent/internal/config"
)

// DefaultAgent is the identity vaultctl acts as when no agent id is set.
const DefaultAgent = "operator"

// Flags holds global options and the runtime opened in the Before hook.
type Flags struct {
	LogLevel  string
	Agent     string
	VaultPath string
	StateDir  string

	// Runtime is opened in the Before hook and available to all commands.
	Runtime *agent.Runtime
}

// NewApp builds the vaultctl command tree.
func NewApp(version string) *cli.Command {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "vaultctl",
		Usage:     "Inspect and steer a shared agent vault",
		UsageText: "vaultctl [global options] command [command options]",
		Description: `vaultctl is how a human reviews approval requests, retries failed work
and inspects claims, health and the audit trail.

Configuration is read from the same environment as the agent (VAULT_PATH,
STATE_DIR, AGENT_ID, ...). Flags override the environment.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("VAULTCTL_LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "agent",
				Usage:       "agent id to act as (defaults to AGENT_ID, then " + DefaultAgent + ")",
				Sources:     cli.EnvVars("VAULTCTL_AGENT"),
				Destination: &flags.Agent,
			},
			&cli.StringFlag{
				Name:        "vault",
				Usage:       "vault root (overrides VAULT_PATH)",
				Destination: &flags.VaultPath,
			},
			&cli.StringFlag{
				Name:        "state-dir",
				Usage:       "local state directory (overrides STATE_DIR)",
				Destination: &flags.StateDir,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(flags.LogLevel)
			if err != nil {
				return ctx, fmt.Errorf("parse log level: %w", err)
			}
			errw := c.Root().ErrWriter
			if errw == nil {
				errw = os.Stderr
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: errw}).Level(level).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return ctx, err
			}
			applyOverrides(cfg, flags)

			rt, err := agent.Open(cfg, logger)
			if err != nil {
				return ctx, fmt.Errorf("open vault: %w", err)
			}
			flags.Runtime = rt
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if flags.Runtime != nil {
				return flags.Runtime.Close()
			}
			return nil
		},
	}
	NewItemsCmd(flags).Register(app)
	NewApprovalCmd(flags).Register(app)
	NewStatusCmd(flags).Register(app)
	NewSyncCmd(flags).Register(app)
	return app
}

func applyOverrides(cfg *config.Config, flags *Flags) {
	if flags.Agent != "" {
		cfg.AgentID = flags.Agent
	}
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultAgent
	}
	if flags.VaultPath != "" {
		cfg.VaultPath = flags.VaultPath
	}
	if flags.StateDir != "" {
		cfg.StateDir = flags.StateDir
	}
}

func usageErr(usage string) error {
	return fmt.Errorf("usage: vaultctl %s", usage)
}
