package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
)

var errSyncDisabled = errors.New("sync is disabled (SYNC_ENABLED=false)")

// SyncCmd implements sync and init.
type SyncCmd struct {
	flags *Flags
}

// NewSyncCmd creates the sync commands.
func NewSyncCmd(flags *Flags) *SyncCmd {
	return &SyncCmd{flags: flags}
}

// Register adds sync and init to the application.
func (cmd *SyncCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "sync",
			Usage:     "Run one sync cycle now",
			UsageText: "vaultctl sync",
			Action:    cmd.runSync,
		},
		&cli.Command{
			Name:      "init",
			Usage:     "Create the vault skeleton, git repository and ignore file",
			UsageText: "vaultctl init",
			Action:    cmd.runInit,
		},
	)
	return app
}

func (cmd *SyncCmd) runSync(ctx context.Context, c *cli.Command) error {
	rt := cmd.flags.Runtime
	if rt.Sync == nil {
		return errSyncDisabled
	}
	res, err := rt.Sync.Cycle(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	out := c.Root().Writer
	if !res.Changed() {
		_, _ = fmt.Fprintln(out, "up to date")
		return nil
	}
	_, _ = fmt.Fprintf(out, "committed=%t pushed=%t resolved=%d duplicates=%d discarded=%d\n",
		res.Committed, res.Pushed, len(res.Resolved), len(res.Duplicates), len(res.Discarded))
	return nil
}

func (cmd *SyncCmd) runInit(ctx context.Context, c *cli.Command) error {
	rt := cmd.flags.Runtime
	out := c.Root().Writer
	// The skeleton itself was created when the runtime opened.
	if rt.Sync == nil {
		_, _ = fmt.Fprintf(out, "initialized %s (sync disabled)\n", rt.Vault.Root())
		return nil
	}
	if err := rt.Git.Init(ctx); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	if err := rt.Exclude.WriteIgnore(rt.Vault.Root()); err != nil {
		return fmt.Errorf("write ignore file: %w", err)
	}
	_, _ = fmt.Fprintf(out, "initialized %s\n", rt.Vault.Root())
	return nil
}
