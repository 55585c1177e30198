package agent

import (
	"context"
	"strings"

	"github.com/p-blackswan/vault-agent/internal/models"
)

// Plan is what a handler decided to do with a claimed item.
type Plan struct {
	// Action to propose. Gated actions are submitted for approval, the rest
	// are dispatched directly. Empty means no action.
	Action string
	Params map[string]string
	Body   string
	// Done releases the item to Done when no action is proposed. Without an
	// action and without Done the item stays claimed for the next tick.
	Done bool
}

// Handler decides what happens to claimed items. The reasoning behind a
// plan lives outside this module; handlers only return the decision.
type Handler interface {
	// Accepts reports whether the handler wants to claim it at all.
	Accepts(it models.Item) bool
	Handle(ctx context.Context, it models.Item) (Plan, error)
}

// TriageHandler is the built-in rule-based handler. It leaves escalations
// to humans, carries explicit actions through, and files everything else as
// a note.
type TriageHandler struct{}

func (TriageHandler) Accepts(it models.Item) bool {
	return it.Kind != models.KindEscalation
}

func (TriageHandler) Handle(_ context.Context, it models.Item) (Plan, error) {
	action := it.Action
	params := make(map[string]string, len(it.Params))
	for k, v := range it.Params {
		params[k] = v
	}
	if action == "" {
		action = params["action"]
	}
	delete(params, "action")

	if action == "" {
		action = models.ActionNote
		params["summary"] = summarize(it)
	}
	return Plan{Action: action, Params: params, Body: it.Body}, nil
}

func summarize(it models.Item) string {
	if name := it.Params["original_name"]; name != "" {
		return "filed inbox drop " + name
	}
	for _, line := range strings.Split(it.Body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if len(line) > 120 {
				line = line[:120]
			}
			return line
		}
	}
	return "filed " + string(it.Kind)
}
