package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Request is what an adapter receives for one approved action.
type Request struct {
	ItemID string
	Action string
	Params map[string]string
	Body   string
	// Approver is empty for actions that do not need approval.
	Approver string
	// IdempotencyKey is stable across re-executions of the same decision.
	// Adapters that talk to systems supporting idempotency keys should pass
	// it through.
	IdempotencyKey string
}

// Adapter performs real-world actions (send, post, pay).
type Adapter interface {
	Name() string
	// Actions lists the action types this adapter handles.
	Actions() []string
	// Credential names the credential file that must be present before a
	// call, relative to the secrets directory. Empty means none.
	Credential() string
	Execute(ctx context.Context, req Request) error
}

// Registry maps action types to adapters.
type Registry struct {
	mu       sync.RWMutex
	byAction map[string]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byAction: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a. Later registrations win for shared actions.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, action := range a.Actions() {
		r.byAction[action] = a
	}
}

// Lookup returns the adapter for action.
func (r *Registry) Lookup(action string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAction[action]
	return a, ok
}

// Names returns the distinct adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for _, a := range r.byAction {
		if !seen[a.Name()] {
			seen[a.Name()] = true
			names = append(names, a.Name())
		}
	}
	sort.Strings(names)
	return names
}

// DryRunAdapter logs every request instead of performing it.
type DryRunAdapter struct {
	actions []string
	logger  zerolog.Logger

	mu   sync.Mutex
	seen []Request
}

// NewDryRunAdapter handles actions by logging them.
func NewDryRunAdapter(actions []string, logger zerolog.Logger) *DryRunAdapter {
	return &DryRunAdapter{
		actions: actions,
		logger:  logger.With().Str("component", "adapter").Str("adapter", "dry-run").Logger(),
	}
}

func (d *DryRunAdapter) Name() string       { return "dry-run" }
func (d *DryRunAdapter) Actions() []string  { return d.actions }
func (d *DryRunAdapter) Credential() string { return "" }

func (d *DryRunAdapter) Execute(_ context.Context, req Request) error {
	d.mu.Lock()
	d.seen = append(d.seen, req)
	d.mu.Unlock()
	d.logger.Info().
		Str("item", req.ItemID).
		Str("action", req.Action).
		Str("approver", req.Approver).
		Str("key", req.IdempotencyKey).
		Interface("params", req.Params).
		Msg("dry-run action")
	return nil
}

// Requests returns the requests seen so far.
func (d *DryRunAdapter) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.seen...)
}
