package workflow

import (
	"github.com/p-blackswan/vault-agent/internal/models"
)

// Gates maps action types to their access level. Unknown actions require
// approval so nothing new slips through unreviewed.
type Gates map[string]models.AccessLevel

// NewGates builds gates from a permission list.
func NewGates(perms []models.Permission) Gates {
	g := make(Gates, len(perms))
	for _, p := range perms {
		g[p.Action] = p.Level
	}
	return g
}

// Level returns the access level for action.
func (g Gates) Level(action string) models.AccessLevel {
	if lvl, ok := g[action]; ok {
		return lvl
	}
	return models.AccessRequireApproval
}

// RequiresApproval reports whether action is gated by a human decision.
func (g Gates) RequiresApproval(action string) bool {
	return g.Level(action) == models.AccessRequireApproval
}
