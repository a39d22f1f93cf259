// Package convergence holds the read-after-write machinery of the ingestion
// core: the single-flight guard, the bounded wait for a recomputed view model
// and the index of the newest refresh event per character.
package convergence

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"example.com/charsync/internal/domain"
)

// ViewModelSource is the slice of the view model store the waiter reads.
type ViewModelSource interface {
	ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error)
	Subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error)
}

// Outcome is the terminal state of one wait.
type Outcome int

const (
	TimedOut Outcome = iota
	Converged
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case Rejected:
		return "rejected"
	default:
		return "timed_out"
	}
}

// Result of a wait. ViewModel is set only when Outcome is Converged.
type Result struct {
	Outcome   Outcome
	ViewModel domain.ViewModel
}

// Waiter races a view model change feed against a deadline.
type Waiter struct {
	store   ViewModelSource
	guard   *Guard
	timeout time.Duration
}

func NewWaiter(store ViewModelSource, guard *Guard, timeout time.Duration) *Waiter {
	return &Waiter{store: store, guard: guard, timeout: timeout}
}

// Wait blocks until the (characterID, variant) view model reaches target or
// the configured timeout elapses. A wait already in flight for the same key
// makes it fail with domain.ErrTooManyRequests. Feed failures are logged and
// reported as TimedOut; the caller's events are already stored at this point.
func (w *Waiter) Wait(ctx context.Context, characterID, variant string, target int64) (Result, error) {
	ctx, span := otel.Tracer("example.com/charsync/internal/convergence").Start(ctx, "convergence.Wait")
	defer span.End()
	span.SetAttributes(
		attribute.String("character.id", characterID),
		attribute.String("viewmodel.variant", variant),
		attribute.Int64("convergence.target", target),
	)

	release, ok := w.guard.TryAcquire(characterID, variant)
	if !ok {
		span.SetAttributes(attribute.String("convergence.outcome", Rejected.String()))
		return Result{Outcome: Rejected}, fmt.Errorf("wait for %s/%s already in flight: %w", characterID, variant, domain.ErrTooManyRequests)
	}
	defer release()

	res := w.race(ctx, characterID, variant, target)
	span.SetAttributes(attribute.String("convergence.outcome", res.Outcome.String()))
	return res, nil
}

func (w *Waiter) race(ctx context.Context, characterID, variant string, target int64) Result {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	changes, err := w.store.Subscribe(ctx, characterID, variant)
	if err != nil {
		log.Printf("[converge] subscribe %s/%s failed: %v", characterID, variant, err)
		return Result{Outcome: TimedOut}
	}

	// The worker may have published between the events being stored and the
	// subscription starting.
	if vm, err := w.store.ViewModel(ctx, characterID, variant); err != nil {
		if ctx.Err() == nil {
			log.Printf("[converge] read %s/%s failed: %v", characterID, variant, err)
		}
	} else if vm.Timestamp >= target && ctx.Err() == nil {
		return Result{Outcome: Converged, ViewModel: vm}
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: TimedOut}
		case vm, ok := <-changes:
			if ctx.Err() != nil {
				return Result{Outcome: TimedOut}
			}
			if !ok {
				log.Printf("[converge] feed for %s/%s closed early", characterID, variant)
				return Result{Outcome: TimedOut}
			}
			if vm.Timestamp >= target {
				return Result{Outcome: Converged, ViewModel: vm}
			}
		}
	}
}
