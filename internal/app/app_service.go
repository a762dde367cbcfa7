package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// ErrInvalidInput marks requests rejected before they reach the ledger
// (unparseable reference kinds, dates or durations).
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type appService struct {
	inventory core.InventoryService
	outbox    core.Outbox
	log       *zap.Logger
	tracer    trace.Tracer
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(inventory core.InventoryService, outbox core.Outbox, logger *zap.Logger) ApplicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &appService{
		inventory: inventory,
		outbox:    outbox,
		log:       logger.Named("app"),
		tracer:    otel.Tracer("stock-ledger/app"),
	}
}

func (s *appService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "app."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func keyAttrs(itemID, locationID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("item_id", itemID), attribute.String("location_id", locationID)}
}

// ── Commands ──────────────────────────────────────────────────────────────────

func (s *appService) ReceiveStock(ctx context.Context, req ReceiveStockRequest) (res *MovementResult, err error) {
	ctx, span := s.start(ctx, "ReceiveStock", keyAttrs(req.ItemID, req.LocationID)...)
	defer func() { finish(span, err) }()

	ref, err := parseReference(req.Reference)
	if err != nil {
		return nil, err
	}
	batch, err := parseBatch(req.Batch)
	if err != nil {
		return nil, err
	}
	r, err := s.inventory.Receive(ctx, core.ReceiveRequest{
		ItemID:     req.ItemID,
		LocationID: req.LocationID,
		Quantity:   req.Quantity,
		UnitCost:   req.UnitCost,
		Reference:  ref,
		Batch:      batch,
		Notes:      req.Notes,
		Actor:      req.Actor,
	})
	if err != nil {
		return nil, err
	}
	return movementResult(r), nil
}

func (s *appService) IssueStock(ctx context.Context, req IssueStockRequest) (res *MovementResult, err error) {
	ctx, span := s.start(ctx, "IssueStock", keyAttrs(req.ItemID, req.LocationID)...)
	defer func() { finish(span, err) }()

	ref, err := parseReference(req.Reference)
	if err != nil {
		return nil, err
	}
	batch, err := parseBatch(req.Batch)
	if err != nil {
		return nil, err
	}
	r, err := s.inventory.Issue(ctx, core.IssueRequest{
		ItemID:         req.ItemID,
		LocationID:     req.LocationID,
		Quantity:       req.Quantity,
		Reference:      ref,
		Batch:          batch,
		Notes:          req.Notes,
		Actor:          req.Actor,
		AllowBackorder: req.AllowBackorder,
	})
	if err != nil {
		return nil, err
	}
	return movementResult(r), nil
}

func (s *appService) AdjustStock(ctx context.Context, req AdjustStockRequest) (res *MovementResult, err error) {
	ctx, span := s.start(ctx, "AdjustStock", keyAttrs(req.ItemID, req.LocationID)...)
	defer func() { finish(span, err) }()

	batch, err := parseBatch(req.Batch)
	if err != nil {
		return nil, err
	}
	r, err := s.inventory.Adjust(ctx, core.AdjustRequest{
		ItemID:         req.ItemID,
		LocationID:     req.LocationID,
		Delta:          req.Delta,
		UnitCost:       req.UnitCost,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		Batch:          batch,
		Actor:          req.Actor,
		AllowBackorder: req.AllowBackorder,
	})
	if err != nil {
		return nil, err
	}
	return movementResult(r), nil
}

func (s *appService) TransferStock(ctx context.Context, req TransferStockRequest) (res *TransferResult, err error) {
	ctx, span := s.start(ctx, "TransferStock",
		attribute.String("item_id", req.ItemID),
		attribute.String("from_location_id", req.FromLocationID),
		attribute.String("to_location_id", req.ToLocationID),
	)
	defer func() { finish(span, err) }()

	r, err := s.inventory.Transfer(ctx, core.TransferRequest{
		ItemID:         req.ItemID,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		Notes:          req.Notes,
		Actor:          req.Actor,
	})
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		TransferID: r.TransferID,
		Source:     *movementResult(&r.Source),
		Target:     *movementResult(&r.Target),
	}, nil
}

func (s *appService) ReserveStock(ctx context.Context, req ReserveStockRequest) (res *ReservationResult, err error) {
	ctx, span := s.start(ctx, "ReserveStock", keyAttrs(req.ItemID, req.LocationID)...)
	defer func() { finish(span, err) }()

	ref, err := parseReference(req.Reference)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			return nil, invalidf("ttl %q must be a positive duration", req.TTL)
		}
	}
	r, err := s.inventory.Reserve(ctx, core.ReserveRequest{
		ItemID:     req.ItemID,
		LocationID: req.LocationID,
		Quantity:   req.Quantity,
		Reference:  ref,
		TTL:        ttl,
		Actor:      req.Actor,
	})
	if err != nil {
		return nil, err
	}
	return reservationResult(r), nil
}

func (s *appService) CommitReservation(ctx context.Context, id, actor string) (res *MovementResult, err error) {
	ctx, span := s.start(ctx, "CommitReservation", attribute.String("reservation_id", id))
	defer func() { finish(span, err) }()

	r, err := s.inventory.Commit(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return movementResult(r), nil
}

func (s *appService) ReleaseReservation(ctx context.Context, id, actor string) (res *ReservationResult, err error) {
	ctx, span := s.start(ctx, "ReleaseReservation", attribute.String("reservation_id", id))
	defer func() { finish(span, err) }()

	r, err := s.inventory.Release(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return reservationResult(r), nil
}

func (s *appService) ExpireReservations(ctx context.Context) (int, error) {
	n, err := s.inventory.ExpireDue(ctx)
	if err != nil {
		return n, err
	}
	s.log.Debug("expiry sweep requested", zap.Int("expired", n))
	return n, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

func (s *appService) GetReservation(ctx context.Context, id string) (*ReservationResult, error) {
	r, err := s.inventory.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	return reservationResult(r), nil
}

func (s *appService) GetStockLevel(ctx context.Context, itemID, locationID string) (*StockLevelResult, error) {
	l, err := s.inventory.GetStockLevel(ctx, itemID, locationID)
	if err != nil {
		return nil, err
	}
	return &StockLevelResult{Level: levelView(*l)}, nil
}

func (s *appService) ListStockLevels(ctx context.Context, itemID, locationID string) (*StockListResult, error) {
	levels, err := s.inventory.ListStockLevels(ctx, core.LevelFilter{ItemID: itemID, LocationID: locationID})
	if err != nil {
		return nil, err
	}
	out := make([]StockLevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelView(l))
	}
	return &StockListResult{Levels: out}, nil
}

func (s *appService) ListMovements(ctx context.Context, q MovementQuery) (*MovementListResult, error) {
	filter := core.MovementFilter{ItemID: q.ItemID, LocationID: q.LocationID, Limit: q.Limit}
	var err error
	if filter.From, err = parseTime("from", q.From); err != nil {
		return nil, err
	}
	if filter.To, err = parseTime("to", q.To); err != nil {
		return nil, err
	}
	if filter.ReferenceKind, err = core.ParseReferenceKind(q.ReferenceKind); err != nil {
		return nil, invalidf("%v", err)
	}
	if q.Limit < 0 {
		return nil, invalidf("limit must not be negative")
	}

	movements, err := s.inventory.ListMovements(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]MovementView, 0, len(movements))
	for _, m := range movements {
		out = append(out, movementView(m))
	}
	return &MovementListResult{Movements: out}, nil
}

func (s *appService) Reconcile(ctx context.Context, itemID, locationID string) (*ReconcileResult, error) {
	r, err := s.inventory.Reconcile(ctx, itemID, locationID)
	if err != nil {
		return nil, err
	}
	res := reconcileResult(*r)
	return &res, nil
}

func (s *appService) ReconcileAll(ctx context.Context) (*ReconcileListResult, error) {
	reports, err := s.inventory.ReconcileAll(ctx)
	if err != nil {
		return nil, err
	}
	out := &ReconcileListResult{Reports: make([]ReconcileResult, 0, len(reports))}
	for _, r := range reports {
		if !r.InSync() {
			out.Drifted++
		}
		out.Reports = append(out.Reports, reconcileResult(r))
	}
	return out, nil
}

func (s *appService) GetOutboxStats(ctx context.Context) (*OutboxStatsResult, error) {
	st, err := s.outbox.OutboxStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return &OutboxStatsResult{Pending: st.Pending, Delivered: st.Delivered, Failing: st.Failing}, nil
}

func (s *appService) EventSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&core.StockLevelChanged{})
	schema.Title = core.TopicStockLevelChanged
	return json.MarshalIndent(schema, "", "  ")
}

// ── Input parsing ─────────────────────────────────────────────────────────────

func parseReference(in ReferenceInput) (core.Reference, error) {
	kind, err := core.ParseReferenceKind(in.Kind)
	if err != nil {
		return core.Reference{}, invalidf("%v", err)
	}
	return core.Reference{Kind: kind, ID: strings.TrimSpace(in.ID)}, nil
}

func parseBatch(in *BatchInput) (*core.BatchInfo, error) {
	if in == nil || (in.LotNumber == "" && in.ExpiresOn == "") {
		return nil, nil
	}
	b := &core.BatchInfo{LotNumber: strings.TrimSpace(in.LotNumber)}
	if in.ExpiresOn != "" {
		t, err := time.Parse("2006-01-02", in.ExpiresOn)
		if err != nil {
			return nil, invalidf("batch expires_on %q must be YYYY-MM-DD", in.ExpiresOn)
		}
		b.ExpiresOn = &t
	}
	return b, nil
}

func parseTime(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, invalidf("%s %q must be an RFC 3339 timestamp", field, v)
	}
	return &t, nil
}
