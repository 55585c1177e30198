package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/p-blackswan/vault-agent/internal/audit"
	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/models"
)

// StatusCmd implements status and audit.
type StatusCmd struct {
	flags *Flags

	// audit flags
	agent      string
	item       string
	action     string
	since      time.Duration
	limit      int
	jsonOutput bool
}

// NewStatusCmd creates the reporting commands.
func NewStatusCmd(flags *Flags) *StatusCmd {
	return &StatusCmd{flags: flags}
}

// Register adds status and audit to the application.
func (cmd *StatusCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "status",
			Usage:     "Show queues, claims, agent health and sync state",
			UsageText: "vaultctl status",
			Action:    cmd.runStatus,
		},
		&cli.Command{
			Name:      "audit",
			Usage:     "Print the audit trail",
			UsageText: "vaultctl audit [--item <id>] [--agent <id>] [--action <name>] [--since <duration>] [--limit <n>]",
			Description: `Prints audit records from every agent in timestamp order.

Examples:
  vaultctl audit --item EMAIL_123
  vaultctl audit --agent cloud --since 2h
  vaultctl audit --action workflow.decide --json`,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "agent", Usage: "only records written by this agent", Destination: &cmd.agent},
				&cli.StringFlag{Name: "item", Usage: "only records naming this item", Destination: &cmd.item},
				&cli.StringFlag{Name: "action", Usage: "only this audit action", Destination: &cmd.action},
				&cli.DurationFlag{Name: "since", Usage: "only records newer than this", Destination: &cmd.since},
				&cli.IntFlag{Name: "limit", Usage: "keep the most recent n records", Value: 50, Destination: &cmd.limit},
				&cli.BoolFlag{Name: "json", Usage: "output as JSON lines", Destination: &cmd.jsonOutput},
			},
			Action: cmd.runAudit,
		},
	)
	return app
}

func (cmd *StatusCmd) runStatus(ctx context.Context, c *cli.Command) error {
	rt := cmd.flags.Runtime
	out := c.Root().Writer
	now := time.Now()

	_, _ = fmt.Fprintf(out, "Vault: %s (acting as %s)\n\n", rt.Vault.Root(), rt.Config.AgentID)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tITEMS")
	for _, s := range rt.Vault.States() {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, rt.Vault.Count(s))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	agents, err := health.Assess(rt.Vault, now, rt.Thresholds())
	if err != nil {
		return fmt.Errorf("assess agents: %w", err)
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tHEALTH\tLAST SEEN\tCLAIMS\tSYNC")
	for _, a := range agents {
		seen := "never"
		if !a.Signal.Timestamp.IsZero() {
			seen = a.Age.Round(time.Second).String() + " ago"
		}
		syncState := a.Signal.Sync.Status
		if syncState == "" {
			syncState = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.Agent, a.Class, seen,
			rt.Vault.Count(models.InProgress(a.Agent)), syncState)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	pending, err := rt.Workflow.Pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PENDING\tACTION\tEXPIRES IN")
		for _, it := range pending {
			left := "-"
			if !it.Expires.IsZero() {
				left = it.Expires.Sub(now).Round(time.Minute).String()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", it.ID, it.Action, left)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	paused, err := rt.Journal.PausedAdapters()
	if err != nil {
		return err
	}
	if len(paused) > 0 {
		names := make([]string, 0, len(paused))
		for name := range paused {
			names = append(names, name)
		}
		sort.Strings(names)
		_, _ = fmt.Fprintln(out)
		for _, name := range names {
			_, _ = fmt.Fprintf(out, "adapter %s paused: %s\n", name, paused[name])
		}
	}

	if n := rt.Audit.Pending(); n > 0 {
		_, _ = fmt.Fprintf(out, "\n%d audit record(s) waiting in the local fallback\n", n)
	}
	return nil
}

func (cmd *StatusCmd) runAudit(ctx context.Context, c *cli.Command) error {
	f := audit.Filter{
		Agent:  cmd.agent,
		ItemID: cmd.item,
		Action: cmd.action,
		Limit:  cmd.limit,
	}
	if cmd.since > 0 {
		f.Since = time.Now().Add(-cmd.since)
	}
	entries, err := cmd.flags.Runtime.History.Query(f)
	if err != nil {
		return fmt.Errorf("query audit: %w", err)
	}

	out := c.Root().Writer
	if cmd.jsonOutput {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tAGENT\tACTION\tITEM\tOUTCOME\tDETAIL")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Agent, e.Action, dash(e.ItemID), e.Outcome, detail(e))
	}
	return w.Flush()
}

func detail(e models.AuditEntry) string {
	var parts []string
	if e.Approver != "" {
		parts = append(parts, "approver="+e.Approver)
	}
	keys := make([]string, 0, len(e.Params))
	for k := range e.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+e.Params[k])
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	return strings.Join(parts, " ")
}
