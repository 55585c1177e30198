package mgmt

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
	"github.com/p-blackswan/vault-agent/internal/workflow"
)

// Decider records human decisions.
type Decider interface {
	Decide(src workflow.Source, approver, id string, decision workflow.Decision) (models.Item, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store      *vault.Store
	decider    Decider
	checker    *health.Checker
	thresholds health.Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st *vault.Store, decider Decider, checker *health.Checker, th health.Thresholds, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:      st,
		decider:    decider,
		checker:    checker,
		thresholds: th,
		logger:     logger.With().Str("component", "handlers").Logger(),
		now:        time.Now,
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	rep := h.checker.Run(c.Context())
	checks := make(fiber.Map, len(rep.Results))
	for name, s := range rep.Results {
		checks[name] = s
	}
	if !rep.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

// ListItems handles GET /api/v1/items?state=.
func (h *Handlers) ListItems(c *fiber.Ctx) error {
	state := models.State(c.Query("state", string(models.StatePendingApproval)))
	if !state.Valid() || state == models.StateInbox {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_state", "Bad Request",
			"Unknown state: "+string(state))
	}
	items, err := h.store.List(state)
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	views := make([]ItemView, 0, len(items))
	for _, it := range items {
		views = append(views, newItemView(it, false))
	}
	return c.JSON(ItemsResponse{State: string(state), Items: views, Total: len(views)})
}

// GetItem handles GET /api/v1/items/:id.
func (h *Handlers) GetItem(c *fiber.Ctx) error {
	id := c.Params("id")
	if !vault.ValidID(id) {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "Invalid item id")
	}
	it, err := h.store.Read(id)
	if err != nil {
		return h.itemError(c, err)
	}
	return c.JSON(newItemView(it, true))
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(c *fiber.Ctx) error {
	agents, err := health.Assess(h.store, h.now(), h.thresholds)
	if err != nil {
		return err
	}
	return c.JSON(AgentsResponse{Agents: agents})
}

// Approve handles POST /api/v1/approvals/:id/approve.
func (h *Handlers) Approve(c *fiber.Ctx) error {
	return h.decide(c, workflow.DecisionApprove)
}

// Reject handles POST /api/v1/approvals/:id/reject.
func (h *Handlers) Reject(c *fiber.Ctx) error {
	return h.decide(c, workflow.DecisionReject)
}

func (h *Handlers) decide(c *fiber.Ctx, decision workflow.Decision) error {
	id := c.Params("id")
	if !vault.ValidID(id) {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_id", "Bad Request", "Invalid item id")
	}

	approver, _ := c.Locals(localIdentity).(string)
	if approver == "" {
		var req DecisionRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return problemResponse(c, fiber.StatusBadRequest,
					"invalid_body", "Bad Request",
					"Invalid request body: "+err.Error())
			}
		}
		approver = req.Approver
	}
	if approver == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_approver", "Bad Request",
			"An approver identity is required")
	}

	it, err := h.decider.Decide(workflow.SourceHuman, approver, id, decision)
	if err != nil {
		return h.itemError(c, err)
	}
	h.logger.Info().Str("item", id).Str("decision", string(decision)).Str("approver", approver).Msg("decision via api")
	return c.JSON(newItemView(it, false))
}

func (h *Handlers) itemError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrExpired):
		return problemResponse(c, fiber.StatusGone, "expired", "Gone", err.Error())
	case errors.Is(err, perrors.ErrInvalidState), errors.Is(err, perrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict, "invalid_state", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrNotHuman):
		return problemResponse(c, fiber.StatusForbidden, "not_human", "Forbidden", err.Error())
	case errors.Is(err, perrors.ErrInvalidItem), errors.Is(err, perrors.ErrCorruptItem):
		return problemResponse(c, fiber.StatusUnprocessableEntity, "invalid_item", "Unprocessable Entity", err.Error())
	}
	return err
}
