package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/workflow"
)

// ApprovalCmd implements approve, reject and retry.
type ApprovalCmd struct {
	flags *Flags

	approver string
	adapter  string
}

// NewApprovalCmd creates the approval commands.
func NewApprovalCmd(flags *Flags) *ApprovalCmd {
	return &ApprovalCmd{flags: flags}
}

// Register adds approve, reject and retry to the application.
func (cmd *ApprovalCmd) Register(app *cli.Command) *cli.Command {
	approverFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:        "as",
			Usage:       "approver identity recorded with the decision",
			Sources:     cli.EnvVars("VAULTCTL_APPROVER", "USER"),
			Destination: &cmd.approver,
		}
	}
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "approve",
			Usage:     "Approve a pending request",
			UsageText: "vaultctl approve <id> [--as <name>]",
			Description: `Records a human approval. The executor role carries the action out on its
next cycle. Requests past their expiry are expired instead.`,
			Flags: []cli.Flag{approverFlag()},
			Action: func(ctx context.Context, c *cli.Command) error {
				return cmd.decide(c, workflow.DecisionApprove)
			},
		},
		&cli.Command{
			Name:      "reject",
			Usage:     "Reject a pending request",
			UsageText: "vaultctl reject <id> [--as <name>]",
			Flags:     []cli.Flag{approverFlag()},
			Action: func(ctx context.Context, c *cli.Command) error {
				return cmd.decide(c, workflow.DecisionReject)
			},
		},
		&cli.Command{
			Name:      "retry",
			Usage:     "Make a failed or quarantined item eligible again",
			UsageText: "vaultctl retry <id> [--adapter <name>]",
			Description: `Clears recorded execution failures for the item so the executor tries it
again. A quarantined item is moved from Dead_Letter back to Needs_Action.
With --adapter, a paused adapter is resumed as well.`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "adapter",
					Usage:       "paused adapter to resume",
					Destination: &cmd.adapter,
				},
			},
			Action: cmd.runRetry,
		},
	)
	return app
}

func (cmd *ApprovalCmd) decide(c *cli.Command, decision workflow.Decision) error {
	if c.NArg() < 1 {
		return usageErr(c.Name + " <id> [--as <name>]")
	}
	if cmd.approver == "" {
		return fmt.Errorf("approver identity required: pass --as or set VAULTCTL_APPROVER")
	}
	id := c.Args().First()
	it, err := cmd.flags.Runtime.Workflow.Decide(workflow.SourceHuman, cmd.approver, id, decision)
	if errors.Is(err, perrors.ErrExpired) {
		return fmt.Errorf("%s expired before a decision was recorded", id)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "%s %s by %s\n", it.ID, decision, cmd.approver)
	return nil
}

func (cmd *ApprovalCmd) runRetry(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return usageErr("retry <id> [--adapter <name>]")
	}
	rt := cmd.flags.Runtime
	id := c.Args().First()
	out := c.Root().Writer

	state, err := rt.Vault.Locate(id)
	if err != nil {
		return err
	}
	cleared, err := rt.Journal.ClearFailures(id)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "cleared %d failed execution(s) for %s\n", cleared, id)

	if state == models.StateDeadLetter {
		if err := rt.Vault.Relocate(id, models.StateDeadLetter, models.StateNeedsAction); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "requeued %s to %s\n", id, models.StateNeedsAction)
	}

	if cmd.adapter != "" {
		if err := rt.Recovery.ResumeAdapter(cmd.adapter); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "resumed adapter %s\n", cmd.adapter)
	}
	return nil
}
