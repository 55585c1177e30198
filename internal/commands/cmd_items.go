package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/p-blackswan/vault-agent/internal/models"
)

// ItemsCmd implements the item inspection and ownership commands.
type ItemsCmd struct {
	flags *Flags

	// list flags
	listState  string
	jsonOutput bool

	// release flags
	releaseTo string

	// sweep flags
	maxAge time.Duration
}

// NewItemsCmd creates the item commands.
func NewItemsCmd(flags *Flags) *ItemsCmd {
	return &ItemsCmd{flags: flags}
}

// Register adds list, show, claim, release and sweep to the application.
func (cmd *ItemsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:      "list",
			Aliases:   []string{"ls"},
			Usage:     "List items in a state",
			UsageText: "vaultctl list [--state <state>] [--json]",
			Description: `Lists the items in one state directory. Defaults to Pending_Approval.

Examples:
  vaultctl list
  vaultctl list --state Needs_Action
  vaultctl list --state In_Progress/cloud --json`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "state",
					Aliases:     []string{"s"},
					Usage:       "state directory to list",
					Value:       string(models.StatePendingApproval),
					Destination: &cmd.listState,
				},
				&cli.BoolFlag{
					Name:        "json",
					Usage:       "output as JSON lines",
					Destination: &cmd.jsonOutput,
				},
			},
			Action: cmd.runList,
		},
		&cli.Command{
			Name:      "show",
			Usage:     "Print an item file",
			UsageText: "vaultctl show <id>",
			Action:    cmd.runShow,
		},
		&cli.Command{
			Name:      "claim",
			Usage:     "Claim an item from Needs_Action for the acting agent",
			UsageText: "vaultctl claim <id>",
			Action:    cmd.runClaim,
		},
		&cli.Command{
			Name:      "release",
			Usage:     "Release an item claimed by the acting agent",
			UsageText: "vaultctl release <id> [--to <state>]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:        "to",
					Usage:       "destination: Needs_Action, Drafts, Done or Dead_Letter",
					Value:       string(models.StateNeedsAction),
					Destination: &cmd.releaseTo,
				},
			},
			Action: cmd.runRelease,
		},
		&cli.Command{
			Name:      "sweep",
			Usage:     "Return stale claims of other agents to Needs_Action",
			UsageText: "vaultctl sweep [--max-age <duration>]",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:        "max-age",
					Usage:       "idle time before a claim is stale (defaults to LEASE_TTL)",
					Destination: &cmd.maxAge,
				},
			},
			Action: cmd.runSweep,
		},
	)
	return app
}

type itemInfo struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Kind     string    `json:"type"`
	Owner    string    `json:"owner,omitempty"`
	Action   string    `json:"action,omitempty"`
	Status   string    `json:"status,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Modified time.Time `json:"modified"`
	Error    string    `json:"error,omitempty"`
}

func (cmd *ItemsCmd) runList(ctx context.Context, c *cli.Command) error {
	st := cmd.flags.Runtime.Vault
	state := models.State(cmd.listState)
	if !state.Valid() {
		return fmt.Errorf("unknown state %q", state)
	}
	entries, err := st.Scan(state)
	if err != nil {
		return fmt.Errorf("list %s: %w", state, err)
	}

	out := c.Root().Writer
	if cmd.jsonOutput {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(toInfo(e.ID, state, e.Item, e.Err)); err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
		}
		return nil
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintf(c.Root().ErrWriter, "No items in %s\n", state)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tACTION\tOWNER\tEXPIRES\tMODIFIED")
	for _, e := range entries {
		if e.Err != nil {
			_, _ = fmt.Fprintf(w, "%s\t(unreadable)\t\t\t\t%v\n", e.ID, e.Err)
			continue
		}
		it := e.Item
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.Kind, dash(it.Action), dash(it.Owner), stamp(it.Expires), stamp(it.Modified))
	}
	return w.Flush()
}

func toInfo(id string, state models.State, it models.Item, err error) itemInfo {
	info := itemInfo{
		ID:       id,
		State:    string(state),
		Kind:     string(it.Kind),
		Owner:    it.Owner,
		Action:   it.Action,
		Status:   string(it.Status),
		Expires:  it.Expires,
		Modified: it.Modified,
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

func (cmd *ItemsCmd) runShow(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return usageErr("show <id>")
	}
	id := c.Args().First()
	st := cmd.flags.Runtime.Vault
	state, err := st.Locate(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(st.Path(state, id))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().ErrWriter, "%s\n", st.Path(state, id))
	_, err = c.Root().Writer.Write(data)
	return err
}

func (cmd *ItemsCmd) runClaim(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return usageErr("claim <id>")
	}
	rt := cmd.flags.Runtime
	it, err := rt.Claims.Claim(rt.Config.AgentID, c.Args().First())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "claimed %s into %s\n", it.ID, it.State)
	return nil
}

func (cmd *ItemsCmd) runRelease(ctx context.Context, c *cli.Command) error {
	if c.NArg() < 1 {
		return usageErr("release <id> [--to <state>]")
	}
	rt := cmd.flags.Runtime
	id := c.Args().First()
	if err := rt.Claims.Release(rt.Config.AgentID, id, models.State(cmd.releaseTo)); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "released %s to %s\n", id, cmd.releaseTo)
	return nil
}

func (cmd *ItemsCmd) runSweep(ctx context.Context, c *cli.Command) error {
	rt := cmd.flags.Runtime
	maxAge := cmd.maxAge
	if maxAge <= 0 {
		maxAge = rt.Config.LeaseTTL
	}
	n, err := rt.Claims.SweepStale(rt.Config.AgentID, maxAge)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "reclaimed %d stale claim(s)\n", n)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
