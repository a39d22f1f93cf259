package ingest

import (
	"fmt"

	"example.com/charsync/internal/domain"
)

// filterFuture drops events stamped after limit (epoch ms). Dropping is
// silent: such events come from a client clock too far ahead to trust.
func filterFuture(batch []domain.Event, limit int64) (kept []domain.Event, dropped int) {
	kept = make([]domain.Event, 0, len(batch))
	for _, ev := range batch {
		if ev.Timestamp > limit {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	return kept, dropped
}

// checkOrder fails the whole batch when any event does not advance past the
// view model baseline.
func checkOrder(batch []domain.Event, baseline int64) error {
	for i, ev := range batch {
		if ev.Timestamp <= baseline {
			return fmt.Errorf("event %d (%s) timestamp %d is not after view model timestamp %d: %w",
				i, ev.EventType, ev.Timestamp, baseline, domain.ErrConflict)
		}
	}
	return nil
}

// collapseDuplicates keeps the first event per timestamp, in array order.
// Duplicates against already stored events are skipped by the store itself.
func collapseDuplicates(batch []domain.Event) (unique []domain.Event, dup int) {
	seen := make(map[int64]struct{}, len(batch))
	unique = make([]domain.Event, 0, len(batch))
	for _, ev := range batch {
		if _, ok := seen[ev.Timestamp]; ok {
			dup++
			continue
		}
		seen[ev.Timestamp] = struct{}{}
		unique = append(unique, ev)
	}
	return unique, dup
}
