// Package service wraps the auction engine with the side effects a running
// deployment needs: event fan-out, the status cache, the audit log, operator
// notifications and settlement report archiving.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dutchauction/internal/auction"
	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// ReportSigner attests settlement reports.
type ReportSigner interface {
	SignReport(rep domain.SettlementReport) (domain.SettlementReport, error)
}

// EventNotifier forwards events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Topics names where events are published.
type Topics struct {
	Events string // pub/sub channel for live subscribers
	Log    string // stream for ordered replay
}

// BidLimit caps bids per participant per window. A zero Limit disables it.
type BidLimit struct {
	Limit  int
	Window time.Duration
}

// AuctionService is the single entry point the HTTP layer and the process
// modes use to drive an auction.
type AuctionService struct {
	engine   *auction.Engine
	bus      domain.SignalBus
	topics   Topics
	status   domain.StatusCache
	audit    domain.AuditStore
	identity domain.IdentitySource
	logger   *slog.Logger

	limiter  domain.RateLimiter
	bidLimit BidLimit
	dedup    *Dedup
	notifier EventNotifier
	signer   ReportSigner
	archiver domain.ReportArchiver
	refunds  domain.RefundQueue
	local    func(payload []byte)
}

// NewAuctionService creates an AuctionService. bus, status and audit may be
// nil when the deployment runs without Redis or Postgres.
func NewAuctionService(
	engine *auction.Engine,
	bus domain.SignalBus,
	topics Topics,
	status domain.StatusCache,
	audit domain.AuditStore,
	identity domain.IdentitySource,
	logger *slog.Logger,
) *AuctionService {
	if identity == nil {
		identity = domain.StaticOwner(engine.Config().Owner)
	}
	return &AuctionService{
		engine:   engine,
		bus:      bus,
		topics:   topics,
		status:   status,
		audit:    audit,
		identity: identity,
		logger: logger.With(
			slog.String("component", "auction_service"),
			slog.String("auction_id", engine.Config().ID),
		),
	}
}

// WithBidLimit enables per-participant bid rate limiting.
func (s *AuctionService) WithBidLimit(limiter domain.RateLimiter, limit BidLimit) *AuctionService {
	s.limiter = limiter
	s.bidLimit = limit
	return s
}

// WithDedup rejects bids whose idempotency key was already used.
func (s *AuctionService) WithDedup(d *Dedup) *AuctionService {
	s.dedup = d
	return s
}

func (s *AuctionService) WithNotifier(n EventNotifier) *AuctionService {
	s.notifier = n
	return s
}

// WithReportArchive signs (when signer is non-nil) and archives the
// settlement report once the auction is distributed.
func (s *AuctionService) WithReportArchive(signer ReportSigner, archiver domain.ReportArchiver) *AuctionService {
	s.signer = signer
	s.archiver = archiver
	return s
}

// WithRefundQueue exposes queued refunds to the owner.
func (s *AuctionService) WithRefundQueue(q domain.RefundQueue) *AuctionService {
	s.refunds = q
	return s
}

// WithLocalFanout hands every event payload to fn as well, for in-process
// subscribers when there is no shared bus.
func (s *AuctionService) WithLocalFanout(fn func(payload []byte)) *AuctionService {
	s.local = fn
	return s
}

func (s *AuctionService) AuctionID() string { return s.engine.Config().ID }

func (s *AuctionService) Setup(ctx context.Context, caller string, offering, bonus int64, tokenRef string) ([]domain.Event, error) {
	evs, err := s.engine.Setup(ctx, caller, offering, bonus, tokenRef)
	return s.after(ctx, "setup", caller, evs, err)
}

func (s *AuctionService) Start(ctx context.Context, caller string) ([]domain.Event, error) {
	evs, err := s.engine.Start(ctx, caller)
	return s.after(ctx, "start", caller, evs, err)
}

func (s *AuctionService) End(ctx context.Context, caller string) ([]domain.Event, error) {
	evs, err := s.engine.End(ctx, caller)
	return s.after(ctx, "end", caller, evs, err)
}

// Distribute returns the events of a complete distribution. A partial
// failure returns the error; settled participants stay settled.
func (s *AuctionService) Distribute(ctx context.Context, caller string) ([]domain.Event, error) {
	evs, err := s.engine.Distribute(ctx, caller)
	return s.after(ctx, "distribute", caller, evs, err)
}

func (s *AuctionService) Poll(ctx context.Context) ([]domain.Event, error) {
	evs, err := s.engine.Poll(ctx)
	if len(evs) == 0 && err == nil {
		return nil, nil
	}
	return s.after(ctx, "poll", "", evs, err)
}

// Bid submits a bid. key is an optional idempotency key. A bid that arrives
// after the deadline returns a receipt carrying the ending events together
// with the error.
func (s *AuctionService) Bid(ctx context.Context, participant string, amount decimal.Decimal, key string) (auction.BidReceipt, error) {
	if s.limiter != nil && s.bidLimit.Limit > 0 && participant != "" {
		allowed, err := s.limiter.Allow(ctx, "bids:"+participant, s.bidLimit.Limit, s.bidLimit.Window)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "bid rate limiter unavailable", slog.String("error", err.Error()))
		case !allowed:
			return auction.BidReceipt{}, fmt.Errorf("auction_service: bid by %s: %w", participant, domain.ErrRateLimited)
		}
	}
	if key != "" && s.dedup != nil {
		if s.dedup.Seen(participant + "/" + key) {
			return auction.BidReceipt{}, fmt.Errorf("auction_service: bid key %q: %w", key, domain.ErrDuplicateRequest)
		}
	}

	rcpt, err := s.engine.Bid(ctx, participant, amount)
	if err != nil && key != "" && s.dedup != nil && !rcpt.Accepted.IsPositive() {
		s.dedup.Forget(participant + "/" + key)
	}
	s.after(ctx, "bid", participant, rcpt.Events, err)
	return rcpt, err
}

func (s *AuctionService) Claim(ctx context.Context, participant string) ([]domain.Event, error) {
	evs, err := s.engine.Claim(ctx, participant)
	return s.after(ctx, "claim", participant, evs, err)
}

// Status is the live engine view.
func (s *AuctionService) Status(context.Context) (domain.AuctionStatus, error) {
	return s.engine.Status(), nil
}

// Contribution returns the participant's retained contribution.
func (s *AuctionService) Contribution(_ context.Context, participant string) (domain.Contribution, error) {
	c, ok := s.engine.Contribution(participant)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("auction_service: contribution of %q: %w", participant, domain.ErrNotFound)
	}
	return c, nil
}

// Allocation is the participant's row of the allocation table.
func (s *AuctionService) Allocation(_ context.Context, participant string) (domain.Allocation, error) {
	allocs, err := s.engine.Allocations()
	if err != nil {
		return domain.Allocation{}, err
	}
	for _, a := range allocs {
		if a.Participant == participant {
			return a, nil
		}
	}
	return domain.Allocation{}, fmt.Errorf("auction_service: allocation of %q: %w", participant, domain.ErrNotFound)
}

// Report returns the archived report when there is one, otherwise a freshly
// built (and signed) report.
func (s *AuctionService) Report(ctx context.Context) (domain.SettlementReport, error) {
	if s.archiver != nil {
		rep, err := s.archiver.LoadReport(ctx, s.AuctionID())
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "archived report unavailable", slog.String("error", err.Error()))
		}
	}
	return s.buildReport()
}

// ArchiveReport signs and uploads the settlement report and returns its path.
func (s *AuctionService) ArchiveReport(ctx context.Context) (string, error) {
	if s.archiver == nil {
		return "", fmt.Errorf("auction_service: archive report: no archiver configured: %w", domain.ErrInvalidConfig)
	}
	rep, err := s.buildReport()
	if err != nil {
		return "", err
	}
	path, err := s.archiver.ArchiveReport(ctx, rep)
	if err != nil {
		return "", fmt.Errorf("auction_service: archive report: %w", err)
	}
	s.logger.InfoContext(ctx, "settlement report archived",
		slog.String("path", path),
		slog.Bool("signed", rep.Signature != ""),
	)
	return path, nil
}

// Refunds lists queued refunds for the owner.
func (s *AuctionService) Refunds(ctx context.Context, caller string, opts domain.ListOpts) ([]domain.Refund, error) {
	if !s.identity.IsOwner(ctx, caller) {
		return nil, fmt.Errorf("auction_service: refunds by %q: %w", caller, domain.ErrUnauthorized)
	}
	if s.refunds == nil {
		return nil, nil
	}
	return s.refunds.ListPending(ctx, opts)
}

// MarkRefundPaid records that the owner paid a queued refund out.
func (s *AuctionService) MarkRefundPaid(ctx context.Context, caller string, id int64) error {
	if !s.identity.IsOwner(ctx, caller) {
		return fmt.Errorf("auction_service: mark refund by %q: %w", caller, domain.ErrUnauthorized)
	}
	if s.refunds == nil {
		return fmt.Errorf("auction_service: refund %d: %w", id, domain.ErrNotFound)
	}
	if err := s.refunds.MarkPaid(ctx, id); err != nil {
		return err
	}
	s.auditLog(ctx, "refund.paid", map[string]any{"id": id, "caller": caller})
	return nil
}

// RunPoller applies the lazy deadline check every interval and keeps the
// status cache fresh while the price decays. It returns when ctx is done.
func (s *AuctionService) RunPoller(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil {
				s.logger.ErrorContext(ctx, "poll failed", slog.String("error", err.Error()))
			}
			s.refreshStatus(ctx)
			if s.dedup != nil {
				s.dedup.Cleanup()
			}
		}
	}
}

// after runs the side effects of a mutating call. Side-effect failures are
// logged; the engine's result is returned unchanged.
func (s *AuctionService) after(ctx context.Context, op, caller string, evs []domain.Event, err error) ([]domain.Event, error) {
	if err != nil {
		s.logger.WarnContext(ctx, "operation rejected",
			slog.String("op", op),
			slog.String("caller", caller),
			slog.String("error", err.Error()),
		)
	}
	if len(evs) == 0 {
		return evs, err
	}

	distributed := false
	for _, ev := range evs {
		s.publish(ctx, ev)
		detail := eventDetail(ev)
		if caller != "" {
			detail["caller"] = caller
		}
		s.auditLog(ctx, "auction."+string(ev.Kind), detail)
		if s.notifier != nil {
			if nerr := s.notifier.NotifyEvent(ctx, ev); nerr != nil {
				s.logger.WarnContext(ctx, "notification failed", slog.String("error", nerr.Error()))
			}
		}
		if ev.Kind == domain.EventTokensDistributed {
			distributed = true
		}
	}
	s.refreshStatus(ctx)

	if distributed && s.archiver != nil {
		if _, aerr := s.ArchiveReport(ctx); aerr != nil {
			s.logger.ErrorContext(ctx, "settlement report not archived", slog.String("error", aerr.Error()))
		}
	}
	return evs, err
}

func (s *AuctionService) publish(ctx context.Context, ev domain.Event) {
	if s.bus == nil && s.local == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode event", slog.String("error", err.Error()))
		return
	}
	if s.local != nil {
		s.local(payload)
	}
	if s.bus == nil {
		return
	}
	if s.topics.Events != "" {
		if err := s.bus.Publish(ctx, s.topics.Events, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.topics.Log != "" {
		if err := s.bus.StreamAppend(ctx, s.topics.Log, payload); err != nil {
			s.logger.WarnContext(ctx, "append event log failed",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *AuctionService) refreshStatus(ctx context.Context) {
	if s.status == nil {
		return
	}
	if err := s.status.SetStatus(ctx, s.engine.Status()); err != nil {
		s.logger.WarnContext(ctx, "status cache update failed", slog.String("error", err.Error()))
	}
}

func (s *AuctionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *AuctionService) buildReport() (domain.SettlementReport, error) {
	rep, err := s.engine.Report()
	if err != nil {
		return domain.SettlementReport{}, err
	}
	if s.signer == nil {
		return rep, nil
	}
	signed, err := s.signer.SignReport(rep)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("auction_service: sign report: %w", err)
	}
	return signed, nil
}

func eventDetail(ev domain.Event) map[string]any {
	d := map[string]any{"seq": ev.Seq}
	if ev.Participant != "" {
		d["participant"] = ev.Participant
	}
	if ev.Quantity != 0 {
		d["quantity"] = ev.Quantity
	}
	if !ev.Amount.IsZero() {
		d["amount"] = ev.Amount.String()
	}
	if !ev.Price.IsZero() {
		d["price"] = ev.Price.String()
	}
	if ev.Reason != domain.EndingNone {
		d["reason"] = ev.Reason.String()
	}
	return d
}
