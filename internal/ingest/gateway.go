// Package ingest accepts event batches for a character, applies the
// timestamp policy, stores them and decides whether the caller gets the
// recomputed view model or an "accepted" receipt.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/charsync/internal/convergence"
	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/storage"
)

var tracer = otel.Tracer("example.com/charsync/internal/ingest")

// Options tune the gateway policy.
type Options struct {
	// RefreshEventType marks events that ask for a view model recomputation.
	RefreshEventType string
	// FutureHorizon is how far past the server clock an event may be stamped
	// before it is dropped.
	FutureHorizon    time.Duration
	// Variants lists the registered view model variants.
	Variants         []string

	Now func() time.Time
}

type Gateway struct {
	events      storage.EventStore
	viewModels  storage.ViewModelStore
	index       *convergence.Index
	waiter      *convergence.Waiter
	refreshType string
	horizon     time.Duration
	variants    map[string]struct{}
	now         func() time.Time
}

func NewGateway(events storage.EventStore, viewModels storage.ViewModelStore, index *convergence.Index, waiter *convergence.Waiter, opts Options) *Gateway {
	if opts.RefreshEventType == "" {
		opts.RefreshEventType = domain.DefaultRefreshEventType
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	variants := make(map[string]struct{}, len(opts.Variants))
	for _, v := range opts.Variants {
		variants[v] = struct{}{}
	}
	return &Gateway{
		events:      events,
		viewModels:  viewModels,
		index:       index,
		waiter:      waiter,
		refreshType: opts.RefreshEventType,
		horizon:     opts.FutureHorizon,
		variants:    variants,
		now:         opts.Now,
	}
}

// Batch summarizes what happened to one submitted batch.
type Batch struct {
	// SubmittedTimestamp is the newest accepted event timestamp, or the view
	// model baseline when nothing was accepted.
	SubmittedTimestamp int64
	ContainsRefresh    bool
	Stored             int
	Duplicates         int
	Filtered           int
}

// Receipt is the answer to a submission. ViewModel is set only when the
// recomputed model arrived in time.
type Receipt struct {
	Timestamp int64
	ViewModel *domain.ViewModel
}

func (r Receipt) Converged() bool { return r.ViewModel != nil }

// Submit ingests batch and, when it carries a refresh event, waits for the
// view model to catch up. characterID must already be resolved and
// authorized.
func (g *Gateway) Submit(ctx context.Context, characterID, variant string, batch []domain.Event) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "ingest.Submit", trace.WithAttributes(
		attribute.String("character.id", characterID),
		attribute.String("viewmodel.variant", variant),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	b, err := g.Ingest(ctx, characterID, variant, batch)
	if err != nil {
		recordError(span, err)
		return Receipt{}, err
	}
	receipt := Receipt{Timestamp: b.SubmittedTimestamp}
	if !b.ContainsRefresh {
		return receipt, nil
	}

	res, err := g.waiter.Wait(ctx, characterID, variant, b.SubmittedTimestamp)
	if err != nil {
		recordError(span, err)
		return Receipt{}, err
	}
	if res.Outcome == convergence.Converged {
		vm := res.ViewModel
		receipt.ViewModel = &vm
	}
	return receipt, nil
}

// Ingest applies the future filter, ordering check and deduplication to
// batch and stores what remains in one atomic append.
func (g *Gateway) Ingest(ctx context.Context, characterID, variant string, batch []domain.Event) (Batch, error) {
	if batch == nil {
		return Batch{}, &domain.ValidationError{Fields: []domain.FieldError{{Field: "events", Msg: "required"}}}
	}
	vm, err := g.ViewModel(ctx, characterID, variant)
	if err != nil {
		return Batch{}, err
	}
	baseline := vm.Timestamp

	limit := g.now().Add(g.horizon).UnixMilli()
	accepted, filtered := filterFuture(batch, limit)
	if err := checkOrder(accepted, baseline); err != nil {
		return Batch{}, err
	}
	unique, dups := collapseDuplicates(accepted)

	var inserted []domain.Event
	if len(unique) > 0 {
		inserted, err = g.events.AppendEvents(ctx, characterID, unique)
		if err != nil {
			return Batch{}, fmt.Errorf("store events for %s: %w", characterID, err)
		}
	}
	for _, ev := range inserted {
		if ev.EventType == g.refreshType {
			g.index.Advance(characterID, ev.Timestamp)
		}
	}

	out := Batch{
		SubmittedTimestamp: baseline,
		Stored:             len(inserted),
		Duplicates:         dups + len(unique) - len(inserted),
		Filtered:           filtered,
	}
	for _, ev := range accepted {
		if ev.Timestamp > out.SubmittedTimestamp {
			out.SubmittedTimestamp = ev.Timestamp
		}
		if ev.EventType == g.refreshType {
			out.ContainsRefresh = true
		}
	}
	if len(batch) > 0 {
		log.Printf("[ingest] character=%s variant=%s stored=%d duplicates=%d filtered=%d ts=%d",
			characterID, variant, out.Stored, out.Duplicates, out.Filtered, out.SubmittedTimestamp)
	}
	return out, nil
}

// Latest reports how far ingestion has progressed for a character: the newer
// of its last accepted refresh event and its view model timestamp.
func (g *Gateway) Latest(ctx context.Context, characterID, variant string) (int64, error) {
	ctx, span := tracer.Start(ctx, "ingest.Latest", trace.WithAttributes(
		attribute.String("character.id", characterID),
		attribute.String("viewmodel.variant", variant),
	))
	defer span.End()

	vm, err := g.ViewModel(ctx, characterID, variant)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	ts, ok, err := g.index.Latest(ctx, characterID)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	if ok && ts > vm.Timestamp {
		return ts, nil
	}
	return vm.Timestamp, nil
}

// ViewModel returns the current document of a registered variant.
func (g *Gateway) ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error) {
	if _, ok := g.variants[variant]; !ok {
		return domain.ViewModel{}, fmt.Errorf("view model variant %q: %w", variant, domain.ErrNotFound)
	}
	return g.viewModels.ViewModel(ctx, characterID, variant)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	// Client errors leave the span status unset.
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTooManyRequests) {
		return
	}
	span.SetStatus(codes.Error, err.Error())
}
