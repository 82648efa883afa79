// Package service assembles the payment platform into one runnable
// value: stores, domain components, telemetry, and the singleton
// background loops. A zero Config boots a self-contained in-memory
// service for development and tests; deployments inject Postgres,
// Redis, a chain executor, and a treasury provider through the same
// Config without any component changing.
package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aegis-Labs/aegispay/pkg/agent"
	"github.com/Aegis-Labs/aegispay/pkg/anchor"
	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/blob"
	"github.com/Aegis-Labs/aegispay/pkg/budget"
	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/canonledger"
	"github.com/Aegis-Labs/aegispay/pkg/checkout"
	"github.com/Aegis-Labs/aegispay/pkg/config"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/marketplace"
	"github.com/Aegis-Labs/aegispay/pkg/observability"
	"github.com/Aegis-Labs/aegispay/pkg/org"
	"github.com/Aegis-Labs/aegispay/pkg/policy"
	"github.com/Aegis-Labs/aegispay/pkg/provider"
	"github.com/Aegis-Labs/aegispay/pkg/replay"
	"github.com/Aegis-Labs/aegispay/pkg/tap"
	"github.com/Aegis-Labs/aegispay/pkg/treasury"
	"github.com/Aegis-Labs/aegispay/pkg/trust"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
	"github.com/Aegis-Labs/aegispay/pkg/verify"
)

const (
	// ledgerDriftToleranceMinor is the reconciliation drift the treasury
	// tolerates before flagging a provider event (one major unit).
	ledgerDriftToleranceMinor = 100

	// pruneInterval drives the cache pruning loop.
	pruneInterval = time.Hour

	// shutdownTimeout bounds the telemetry flush on exit.
	shutdownTimeout = 10 * time.Second

	redisReplayPrefix   = "aegispay:replay"
	redisVelocityPrefix = "aegispay:velocity"
)

// Config carries the collaborators a deployment injects. Nil fields fall
// back to in-process defaults, so Config{Settings: config.Defaults()}
// boots a fully working single-node service.
type Config struct {
	// Settings is the loaded configuration. A zero value falls back to
	// config.Defaults; Port is never zero in a loaded configuration.
	Settings config.Settings

	Log *slog.Logger

	// DB selects the Postgres-backed stores for every persistent
	// component. Nil keeps all state in memory.
	DB *sql.DB

	// Redis backs replay and velocity state shared across replicas.
	Redis *redis.Client

	// Identity resolves mandate verification keys. Nil starts an empty
	// in-memory registry.
	Identity identity.Registry

	// Executor submits Merkle roots to a chain. Nil uses a development
	// executor that acknowledges roots without a chain behind it.
	Executor anchor.ChainExecutor

	// Treasury is the payment provider adapter. Nil uses the in-process
	// fake provider.
	Treasury provider.Treasury

	// Settler executes escrow releases and refunds. Nil uses a
	// development settler that settles with synthetic transaction hashes.
	Settler marketplace.Settler

	// Blobs stores exported evidence bundles. Nil keeps them in memory.
	Blobs blob.Store

	// Leader gates the singleton background loops. Nil means this
	// process always leads.
	Leader Leader

	// Telemetry overrides the provider otherwise built from Settings.
	Telemetry *observability.Provider
}

// Service is the assembled platform. Component fields are exported so
// transports and tests reach the shared singletons instead of building
// parallel instances.
type Service struct {
	settings config.Settings
	log      *slog.Logger
	leader   Leader

	// Profile is the active jurisdiction profile, nil when Settings
	// names no profiles directory.
	Profile *config.JurisdictionProfile

	Telemetry *observability.Provider
	SLOs      *observability.SLOTracker
	SLIs      *observability.SLIRegistry
	Timeline  *observability.Timeline

	Pool        *Pool
	Idempotency *replay.Idempotency

	Replay   replay.Store
	Velocity velocity.Governor
	Identity identity.Registry

	Orgs     *org.Directory
	Agents   *agent.Registry
	Budgets  *budget.Allocator
	Policies *policy.Registry

	TrustStates *trust.MemoryStateStore
	TrustEdges  *trust.MemoryRelationships
	Scorer      *trust.Scorer
	Trust       *trust.Framework

	Verifier *verify.Verifier
	Archive  verify.Archive
	TAP      *tap.Validator

	Checkout *checkout.Manager
	Market   *marketplace.Market

	Ledger   *canonledger.Ledger
	Audit    *audit.Ledger
	Anchors  *anchor.Scheduler
	Evidence *anchor.Exporter

	Treasury *treasury.Service
}

// New assembles the service. It fails only on configuration problems
// (an unreadable jurisdiction profile, a short webhook master secret,
// telemetry setup); collaborator outages surface later through the
// resilience guards, not at construction.
func New(ctx context.Context, cfg Config) (*Service, error) {
	st := cfg.Settings
	if st.Port == 0 {
		st = config.Defaults()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Service{settings: st, log: log, leader: cfg.Leader}
	if s.leader == nil {
		s.leader = StaticLeader(true)
	}

	var profile *config.JurisdictionProfile
	if st.ProfilesDir != "" {
		p, err := config.LoadProfile(st.ProfilesDir, st.Jurisdiction)
		if err != nil {
			return nil, fmt.Errorf("jurisdiction profile: %w", err)
		}
		profile = p
	}
	s.Profile = profile

	telemetry := cfg.Telemetry
	if telemetry == nil {
		p, err := observability.New(ctx, observability.FromSettings(st))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		telemetry = p
	}
	s.Telemetry = telemetry

	s.SLOs = observability.NewSLOTracker()
	for _, target := range observability.DefaultTargets() {
		s.SLOs.SetTarget(target)
	}
	s.SLIs = observability.NewSLIRegistry()
	for _, sli := range observability.DefaultIndicators() {
		if err := s.SLIs.Register(sli); err != nil {
			return nil, fmt.Errorf("register indicator: %w", err)
		}
	}
	s.Timeline = observability.NewTimeline()

	s.Pool = NewPool(st.WorkerPoolSize)
	s.Idempotency = replay.NewIdempotency(st.IdempotencyTTL.Duration)

	// Store selection. Replay state prefers Redis (native TTL expiry),
	// then Postgres, then memory; everything else is Postgres or memory.
	var (
		replayStore   replay.Store
		archive       verify.Archive
		canonStore    canonledger.Store
		auditStore    audit.Store
		anchorStore   anchor.Store
		checkoutStore checkout.Store
		marketStore   marketplace.Store
		treasuryStore treasury.Store
		budgetStore   budget.Store
		orgStore      org.Store
	)
	if cfg.DB != nil {
		replayStore = replay.NewPostgresStore(cfg.DB)
		archive = verify.NewPostgresArchive(cfg.DB)
		canonStore = canonledger.NewPostgresStore(cfg.DB)
		auditStore = audit.NewSQLStore(cfg.DB)
		anchorStore = anchor.NewPostgresStore(cfg.DB)
		checkoutStore = checkout.NewPostgresStore(cfg.DB)
		marketStore = marketplace.NewPostgresStore(cfg.DB)
		treasuryStore = treasury.NewPostgresStore(cfg.DB)
		budgetStore = budget.NewPostgresStore(cfg.DB)
		orgStore = org.NewPostgresStore(cfg.DB)
	} else {
		replayStore = replay.NewMemoryStore()
		archive = verify.NewMemoryArchive()
		canonStore = canonledger.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		anchorStore = anchor.NewMemoryStore()
		checkoutStore = checkout.NewMemoryStore()
		marketStore = marketplace.NewMemoryStore()
		treasuryStore = treasury.NewMemoryStore()
		budgetStore = budget.NewMemoryStore()
		orgStore = org.NewMemoryStore()
	}
	if cfg.Redis != nil {
		replayStore = replay.NewRedisStore(cfg.Redis, redisReplayPrefix)
	}
	s.Replay = replayStore

	limits := velocity.Limits{
		PerMinute: st.VelocityPerMinute,
		PerHour:   st.VelocityPerHour,
		PerDay:    st.VelocityPerDay,
	}
	if cfg.Redis != nil {
		s.Velocity = velocity.NewRedisGovernor(cfg.Redis, limits, redisVelocityPrefix)
	} else {
		s.Velocity = velocity.NewMemoryGovernor(limits)
	}

	s.Identity = cfg.Identity
	if s.Identity == nil {
		s.Identity = identity.NewMemoryRegistry()
	}

	s.Orgs = org.NewDirectory(orgStore, log)
	s.Budgets = budget.NewAllocator(budgetStore, log)
	s.Policies = policy.NewRegistry(log)

	scorer, err := trust.NewScorer(trust.DefaultWeights)
	if err != nil {
		return nil, fmt.Errorf("trust scorer: %w", err)
	}
	s.Scorer = scorer
	s.TrustStates = trust.NewMemoryStateStore()
	s.TrustEdges = trust.NewMemoryRelationships()
	s.Trust = trust.NewFramework(s.TrustStates, s.TrustEdges, scorer, trust.NewDetector(), s.Velocity, log)

	// Manifest spend approvals invalidate the agent's cached trust score.
	s.Agents = agent.NewRegistry(log).WithTrustCache(scorer)

	mode, err := canonical.ParseMode(st.CanonMode)
	if err != nil {
		return nil, fmt.Errorf("canonicalization mode: %w", err)
	}
	s.Archive = archive
	s.Verifier = verify.New(verify.Config{
		AllowedDomains:   st.AllowedDomains,
		Mode:             mode,
		RequireAllProofs: st.RequireAllProofs,
	}, replayStore, s.Velocity, s.Identity, archive, log).
		WithManifestGate(s.Agents)

	// TAP key IDs are self-describing verification methods; nonces share
	// the replay store under their own key prefix.
	s.TAP = tap.NewValidator(func(_ context.Context, keyID string) (*identity.Method, error) {
		return identity.ParseMethod(keyID)
	}, replayStore)

	settler := cfg.Settler
	if settler == nil {
		settler = devSettler{}
	}
	s.Checkout = checkout.NewManager(checkoutStore, log)
	s.Market = marketplace.NewMarket(marketStore, settler, log)

	s.Ledger = canonledger.NewLedger(canonStore, log)
	s.Audit = audit.NewLedger(auditStore, log)

	executor := cfg.Executor
	if executor == nil {
		executor = devChainExecutor{}
	}
	s.Anchors = anchor.NewScheduler(anchor.Config{
		Interval: st.AnchorInterval.Duration,
	}, auditStore, anchorStore, anchor.Resilient(executor, log), log)

	blobs := cfg.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	s.Evidence = anchor.NewExporter(auditStore, anchorStore, blobs)

	prov := cfg.Treasury
	if prov == nil {
		prov = provider.NewFakeTreasury()
	}
	treasuryLimits := treasury.Limits{
		PerPaymentMinor: st.TreasuryMaxPerPaymentMinor,
		DailyMinor:      st.TreasuryMaxDailyMinor,
	}
	// The jurisdiction profile can only tighten the per-payment cap.
	if profile != nil && profile.Payments.MaxPaymentMinor > 0 {
		if treasuryLimits.PerPaymentMinor == 0 || profile.Payments.MaxPaymentMinor < treasuryLimits.PerPaymentMinor {
			treasuryLimits.PerPaymentMinor = profile.Payments.MaxPaymentMinor
		}
	}
	s.Treasury = treasury.NewService(treasuryStore, provider.Resilient(prov, log), log).
		WithLedger(s.Ledger, ledgerDriftToleranceMinor).
		WithAudit(s.Audit).
		WithLimiter(treasury.NewLimiter(treasuryLimits, s.Velocity))
	if st.WebhookMasterSecret != "" {
		secrets, err := treasury.NewSecrets([]byte(st.WebhookMasterSecret))
		if err != nil {
			return nil, fmt.Errorf("webhook secrets: %w", err)
		}
		s.Treasury = s.Treasury.WithSecrets(secrets)
	}

	log.InfoContext(ctx, "service assembled",
		"env", st.Env,
		"jurisdiction", st.Jurisdiction,
		"canon_mode", string(mode),
		"postgres", cfg.DB != nil,
		"redis", cfg.Redis != nil,
		"worker_slots", s.Pool.Size(),
	)
	return s, nil
}

// Settings returns the configuration the service was assembled from.
func (s *Service) Settings() config.Settings { return s.settings }

// VerifyChain runs one mandate chain through full verification on the
// worker pool and records the outcome in telemetry, SLO tracking, and
// the operational timeline.
func (s *Service) VerifyChain(ctx context.Context, req *verify.Request) (*verify.Receipt, error) {
	attrs := []attribute.KeyValue{observability.AttrCanonMode.String(string(req.Mode))}
	if req.Payment != nil {
		attrs = observability.VerificationAttrs(
			req.Payment.MandateID, req.Payment.Subject, req.Payment.AmountMinor, string(req.Mode))
	}
	ctx, finish := s.Telemetry.TrackOperation(ctx, "verify", attrs...)

	start := time.Now()
	var receipt *verify.Receipt
	err := s.Pool.Do(ctx, func() error {
		var verr error
		receipt, verr = s.Verifier.VerifyChain(ctx, req)
		return verr
	})
	s.SLOs.Record(observability.SLOObservation{
		Operation: "verify",
		Latency:   time.Since(start),
		Success:   err == nil,
	})
	finish(err)
	if err != nil {
		return nil, err
	}

	s.Timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryTypeVerification,
		AgentID:   receipt.Subject,
		Summary:   fmt.Sprintf("payment mandate %s verified for %d minor units", receipt.PaymentMandateID, receipt.AmountMinor),
		Details: map[string]any{
			"payment_mandate_id": receipt.PaymentMandateID,
			"amount_minor":       receipt.AmountMinor,
			"mode":               string(receipt.Mode),
		},
	})
	return receipt, nil
}

// VerifyChainIdempotent is VerifyChain behind an idempotency key.
// Retries with the same key replay the stored receipt instead of
// re-verifying; a failed verification releases the key so a corrected
// retry can run.
func (s *Service) VerifyChainIdempotent(ctx context.Context, key string, req *verify.Request) (*verify.Receipt, bool, error) {
	payload, replayed, err := s.Idempotency.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		receipt, verr := s.VerifyChain(ctx, req)
		if verr != nil {
			return nil, verr
		}
		return json.Marshal(receipt)
	})
	if err != nil {
		return nil, false, err
	}
	var receipt verify.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return nil, false, errs.Wrap(err, errs.KindInternal, errs.CodeInternal, "decode stored receipt")
	}
	return &receipt, replayed, nil
}

// VerifyAgentRequest validates the Trusted Agent Protocol signature on a
// merchant-facing HTTP request and returns the accepted signature input.
func (s *Service) VerifyAgentRequest(ctx context.Context, req *http.Request) (*tap.SignatureInput, error) {
	in, err := s.TAP.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "agent request signature accepted",
		"key_id", in.KeyID, "tag", in.Tag, "authority", req.Host)
	return in, nil
}

// EvaluateTrust gates one agent-to-agent operation and records the
// decision in telemetry and the operational timeline.
func (s *Service) EvaluateTrust(ctx context.Context, requesterID, counterpartyID string, amountMinor int64, operation string) (*trust.Evaluation, error) {
	ctx, finish := s.Telemetry.TrackOperation(ctx, "policy",
		observability.AttrAgentID.String(requesterID),
		observability.AttrAmountMinor.Int64(amountMinor),
	)

	start := time.Now()
	eval, err := s.Trust.Evaluate(ctx, requesterID, counterpartyID, amountMinor, operation)
	s.SLOs.Record(observability.SLOObservation{
		Operation: "policy",
		Latency:   time.Since(start),
		Success:   err == nil,
	})
	finish(err)
	if err != nil {
		return nil, err
	}

	decision := "approved"
	if !eval.Approved {
		decision = "denied"
	}
	s.Timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryTypePolicy,
		AgentID:   requesterID,
		Summary:   fmt.Sprintf("trust evaluation %s for %s (%s)", decision, requesterID, operation),
		Details: map[string]any{
			"counterparty":  counterpartyID,
			"amount_minor":  amountMinor,
			"operation":     operation,
			"trust_score":   eval.TrustScore,
			"denial_reason": eval.DenialReason,
		},
	})
	return eval, nil
}

// AnchorNow runs one anchoring step out of band: batch pending audit
// entries, submit the root, and export the evidence bundle for the new
// anchor. It returns (nil, nil) when the backlog is below the minimum
// batch size.
func (s *Service) AnchorNow(ctx context.Context) (*anchor.Record, error) {
	start := time.Now()
	rec, err := s.Anchors.AnchorOnce(ctx)
	if err != nil {
		s.SLOs.Record(observability.SLOObservation{Operation: "anchor", Latency: time.Since(start), Success: false})
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	s.SLOs.Record(observability.SLOObservation{Operation: "anchor", Latency: time.Since(start), Success: true})

	details := map[string]any{
		"merkle_root": rec.MerkleRoot,
		"entry_count": rec.EntryCount,
		"tx_hash":     rec.TxHash,
		"chain":       rec.Chain,
	}
	if ref, _, err := s.Evidence.Export(ctx, rec.AnchorID); err != nil {
		s.log.WarnContext(ctx, "evidence export failed", "anchor_id", rec.AnchorID, "error", err)
	} else {
		details["evidence_ref"] = ref
	}

	s.Timeline.Record(observability.TimelineEntry{
		EntryType: observability.EntryTypeAnchor,
		Summary:   fmt.Sprintf("anchored %d audit entries under root %s", rec.EntryCount, rec.MerkleRoot),
		Details:   details,
	})
	return rec, nil
}

// Run starts the background loops and blocks until ctx ends, then waits
// for the loops to drain and flushes telemetry. Loops are leader-gated
// per tick and a panicking iteration is logged without stopping the
// loop.
func (s *Service) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "service starting",
		"anchor_interval", s.settings.AnchorInterval.Duration.String(),
	)

	var wg sync.WaitGroup
	s.startLoop(ctx, &wg, "checkout_sweeper", checkout.SweepInterval, func(ctx context.Context) {
		if n, err := s.Checkout.Sweep(ctx); err != nil {
			s.log.WarnContext(ctx, "checkout sweep failed", "error", err)
		} else if n > 0 {
			s.log.InfoContext(ctx, "checkout sessions expired", "count", n)
		}
	})
	s.startLoop(ctx, &wg, "escrow_sweeper", marketplace.SweepInterval, func(ctx context.Context) {
		if n, err := s.Market.SweepEscrows(ctx); err != nil {
			s.log.WarnContext(ctx, "escrow sweep failed", "error", err)
		} else if n > 0 {
			s.log.InfoContext(ctx, "escrows swept", "count", n)
		}
	})
	s.startLoop(ctx, &wg, "treasury_sweeper", treasury.SweepInterval, func(ctx context.Context) {
		if n, err := s.Treasury.Sweep(ctx); err != nil {
			s.log.WarnContext(ctx, "treasury sweep failed", "error", err)
		} else if n > 0 {
			s.log.InfoContext(ctx, "stale treasury payments reconciled", "count", n)
		}
	})
	s.startLoop(ctx, &wg, "anchor_runner", s.settings.AnchorInterval.Duration, func(ctx context.Context) {
		if _, err := s.AnchorNow(ctx); err != nil {
			s.log.WarnContext(ctx, "anchoring failed", "error", err)
		}
	})
	s.startLoop(ctx, &wg, "cache_pruner", pruneInterval, s.pruneCaches)

	<-ctx.Done()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Telemetry.Shutdown(flushCtx); err != nil {
		s.log.Warn("telemetry shutdown failed", "error", err)
	}
	s.log.Info("service stopped")
	return nil
}

// startLoop runs one singleton loop: tick, check leadership, run the
// step. The step runs inside a recover so a panicking collaborator
// costs one iteration, not the loop.
func (s *Service) startLoop(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, step func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.leader.IsLeader(ctx) {
					continue
				}
				s.runStep(ctx, name, step)
			}
		}
	}()
}

func (s *Service) runStep(ctx context.Context, name string, step func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "background loop panicked", "loop", name, "panic", r)
		}
	}()
	step(ctx)
}

// pruneCaches drops expired replay markers, idempotency records, and
// idle velocity windows. Stores without a pruning method (Redis expires
// keys natively) are skipped.
func (s *Service) pruneCaches(ctx context.Context) {
	removed := s.Idempotency.PruneExpired()

	switch store := s.Replay.(type) {
	case interface{ PruneExpired() int }:
		removed += store.PruneExpired()
	case interface {
		PruneExpired(context.Context) (int64, error)
	}:
		n, err := store.PruneExpired(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "replay prune failed", "error", err)
		} else {
			removed += int(n)
		}
	}

	if governor, ok := s.Velocity.(interface{ PruneIdle() int }); ok {
		removed += governor.PruneIdle()
	}

	if removed > 0 {
		s.log.DebugContext(ctx, "caches pruned", "removed", removed)
	}
}

// devChainExecutor acknowledges roots deterministically without a chain
// behind it. It keeps single-node development anchoring end to end; the
// receipts it issues verify nothing.
type devChainExecutor struct{}

func (devChainExecutor) SubmitRoot(_ context.Context, anchorID, merkleRoot string) (*anchor.ChainReceipt, error) {
	sum := sha256.Sum256([]byte(anchorID + "|" + merkleRoot))
	return &anchor.ChainReceipt{
		TxHash: "0xdev" + hex.EncodeToString(sum[:12]),
		Chain:  "devnet",
	}, nil
}

// devSettler settles escrows with synthetic transaction hashes so the
// marketplace flow completes without chain custody.
type devSettler struct{}

func (devSettler) Release(_ context.Context, esc *marketplace.Escrow) (string, error) {
	return devSettlementHash("release", esc.EscrowID), nil
}

func (devSettler) Refund(_ context.Context, esc *marketplace.Escrow) (string, error) {
	return devSettlementHash("refund", esc.EscrowID), nil
}

func devSettlementHash(op, escrowID string) string {
	sum := sha256.Sum256([]byte(op + "|" + escrowID))
	return "0xdev" + hex.EncodeToString(sum[:12])
}
