package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/vault-agent/internal/audit"
	"github.com/p-blackswan/vault-agent/internal/claim"
	"github.com/p-blackswan/vault-agent/internal/config"
	"github.com/p-blackswan/vault-agent/internal/credentials"
	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/escalation"
	"github.com/p-blackswan/vault-agent/internal/executil"
	"github.com/p-blackswan/vault-agent/internal/health"
	"github.com/p-blackswan/vault-agent/internal/metrics"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/recovery"
	"github.com/p-blackswan/vault-agent/internal/retry"
	"github.com/p-blackswan/vault-agent/internal/store"
	"github.com/p-blackswan/vault-agent/internal/summary"
	"github.com/p-blackswan/vault-agent/internal/vault"
	"github.com/p-blackswan/vault-agent/internal/vaultsync"
	"github.com/p-blackswan/vault-agent/internal/watcher"
	"github.com/p-blackswan/vault-agent/internal/workflow"
)

// Runtime holds every component of one agent process. The daemon and
// vaultctl both build one; optional parts are nil when their role or config
// does not call for them.
type Runtime struct {
	Config *config.Config

	Vault    *vault.Store
	Journal  *store.Store
	Audit    *audit.Logger
	History  *audit.Reader
	Metrics  *metrics.Metrics
	Recovery *recovery.Policy
	Claims   *claim.Manager
	Router   *claim.Router
	Adapters *workflow.Registry
	Workflow *workflow.Workflow
	Health   *health.Reporter
	Checker  *health.Checker

	// Optional.
	Writer  *summary.Writer
	Exclude *vaultsync.Excluder
	Git     *vaultsync.Git
	Sync    *vaultsync.Engine
	Watcher *watcher.Watcher

	logger zerolog.Logger
}

// Thresholds returns the health classification thresholds.
func (rt *Runtime) Thresholds() health.Thresholds {
	return health.Thresholds{
		StaleAfter:       rt.Config.HealthStaleAfter,
		UnreachableAfter: rt.Config.HealthUnreachableAfter,
	}
}

// Open wires the runtime from configuration. The vault skeleton is created
// if missing. Callers must Close the runtime.
func Open(cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	agentID := cfg.AgentID
	rt := &Runtime{
		Config:  cfg,
		Metrics: metrics.New(),
		logger:  logger.With().Str("component", "runtime").Logger(),
	}

	journal, err := store.Open(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening local state: %w", err)
	}
	rt.Journal = journal

	auditDir := filepath.Join(cfg.VaultPath, vault.AuditDir)
	rt.Audit = audit.NewLogger(filepath.Join(auditDir, agentID), agentID, journal, logger)
	rt.History = audit.NewReader(auditDir)

	rt.Vault = vault.New(cfg.VaultPath, agentID, rt.Audit, logger,
		vault.WithRelocateHook(func(from, to models.State) {
			rt.Metrics.RecordTransition(stateLabel(from), stateLabel(to))
		}))
	if err := rt.Vault.Init(); err != nil {
		journal.Close()
		return nil, fmt.Errorf("initializing vault: %w", err)
	}

	var notifier escalation.Notifier = escalation.NewLogNotifier(logger)
	if cfg.SlackEnabled() {
		notifier = escalation.NewMultiNotifier(notifier, escalation.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackEscalationChannel, logger))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	retryCfg.BaseDelay = cfg.RetryBaseDelay
	retryCfg.MaxDelay = cfg.RetryMaxDelay
	rt.Recovery = recovery.New(rt.Vault, rt.Audit, notifier, journal, agentID, retryCfg, logger)
	rt.Recovery.OnRetry = func(c perrors.Class) { rt.Metrics.RecordRetry(string(c)) }
	rt.Recovery.OnEscalate = func(c perrors.Class) { rt.Metrics.RecordEscalation(string(c)) }

	rt.Claims = claim.NewManager(rt.Vault, rt.Audit, rt.History, logger)
	rt.Claims.OnClaim = rt.Metrics.RecordClaim
	if cfg.RoutingFile != "" {
		if rt.Router, err = claim.LoadRouter(cfg.RoutingFile); err != nil {
			journal.Close()
			return nil, err
		}
	} else {
		rt.Router = claim.DefaultRouter()
	}

	rt.Adapters = workflow.NewRegistry(workflow.NewDryRunAdapter(cfg.DryRunActionList(), logger))
	publisher := summary.NewPublisher(rt.Vault, agentID, rt.Audit, logger)
	rt.Workflow = workflow.New(workflow.Config{
		Agent:       agentID,
		ApprovalTTL: cfg.ApprovalTTL,
	}, rt.Vault, rt.Audit, journal, rt.Recovery, rt.Adapters,
		credentials.NewChecker(cfg.SecretsDir, cfg.CredentialMaxAge), publisher, logger)
	rt.Workflow.OnExecute = rt.Metrics.RecordExecution

	if cfg.IsWriter() {
		if rt.Writer, err = summary.NewWriter(rt.Vault, agentID, cfg.Role(), cfg.WriterRole, rt.Thresholds(), rt.Audit, logger); err != nil {
			journal.Close()
			return nil, err
		}
	}

	if cfg.SyncEnabled {
		if rt.Exclude, err = vaultsync.NewExcluder(cfg.SyncExcludeList()...); err != nil {
			journal.Close()
			return nil, fmt.Errorf("sync exclusions: %w", err)
		}
		rt.Git = vaultsync.NewGit(&executil.RealExecutor{}, cfg.VaultPath, cfg.SyncRemote, cfg.SyncBranch)
		rt.Sync = vaultsync.New(vaultsync.Config{
			Agent:       agentID,
			Role:        cfg.Role(),
			WriterRole:  cfg.WriterRole,
			PushRetries: cfg.SyncPushRetries,
		}, rt.Git, rt.Vault, rt.Exclude, rt.Audit, rt.Recovery, logger)
		rt.Sync.OnCycle = rt.Metrics.RecordSync
	}

	if cfg.WatchesInbox() {
		rt.Watcher = watcher.New(watcher.Config{
			Agent:        agentID,
			PollInterval: cfg.InboxPollInterval,
		}, rt.Vault, journal, rt.Audit, logger)
		rt.Watcher.OnIngest = func(models.Item) { rt.Metrics.RecordIngest() }
	}

	rt.Health = health.NewReporter(rt.Vault, agentID, logger)
	rt.Health.Audit = rt.Audit
	if rt.Sync != nil {
		rt.Health.Sync = rt.Sync.Status
	}

	rt.Checker = health.NewChecker(logger)
	rt.registerChecks()

	rt.logger.Info().
		Str("agent", agentID).
		Str("role", cfg.Role()).
		Bool("writer", cfg.IsWriter()).
		Bool("executor", cfg.IsExecutor()).
		Bool("inbox", rt.Watcher != nil).
		Bool("sync", rt.Sync != nil).
		Strs("dry_run", cfg.DryRunActionList()).
		Msg("runtime ready")
	return rt, nil
}

func (rt *Runtime) registerChecks() {
	rt.Checker.Register("vault", func(context.Context) health.Status {
		info, err := os.Stat(rt.Vault.Dir(models.StateNeedsAction))
		if err != nil || !info.IsDir() {
			return health.StatusDown
		}
		return health.StatusOK
	})
	rt.Checker.Register("journal", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rt.Journal.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	rt.Checker.Register("audit", func(context.Context) health.Status {
		if rt.Audit.Degraded() {
			return health.StatusDegraded
		}
		return health.StatusOK
	})
	if rt.Sync != nil {
		rt.Checker.RegisterAdvisory("sync", func(context.Context) health.Status {
			switch rt.Sync.Status().Status {
			case vaultsync.StatusOK, vaultsync.StatusNever:
				return health.StatusOK
			default:
				return health.StatusDegraded
			}
		})
	}
}

// Close releases the local state database.
func (rt *Runtime) Close() error {
	return rt.Journal.Close()
}

// stateLabel collapses per-agent claim directories so metric cardinality
// does not grow with the number of agents.
func stateLabel(s models.State) string {
	if s.IsInProgress() {
		return "In_Progress"
	}
	return string(s)
}
