package storage

import (
	"context"
	"testing"
	"time"

	"example.com/charsync/internal/domain"
)

func vmAt(ts int64) domain.ViewModel {
	return domain.ViewModel{CharacterID: "00001", Variant: "mobile", Timestamp: ts}
}

func TestHubKeepsOnlyLatestPendingChange(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx, "00001", "mobile")

	h.Publish(vmAt(1))
	h.Publish(vmAt(2))
	h.Publish(domain.ViewModel{CharacterID: "00001", Variant: "default", Timestamp: 9})

	select {
	case vm := <-ch:
		if vm.Timestamp != 2 {
			t.Fatalf("got %d, want 2", vm.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change delivered")
	}
	select {
	case vm := <-ch:
		t.Fatalf("unexpected extra change %+v", vm)
	default:
	}
}

func TestHubUnsubscribesOnContextDone(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "00001", "mobile")
	if n := h.Count("00001", "mobile"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	if n := h.Count("00001", "mobile"); n != 0 {
		t.Fatalf("count after cancel = %d", n)
	}
	h.Publish(vmAt(3))
}

func TestHubCloseAll(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := h.Subscribe(ctx, "00001", "mobile")
	b := h.Subscribe(ctx, "00002", "default")
	if len(h.Watched()) != 2 {
		t.Fatalf("watched = %v", h.Watched())
	}

	h.CloseAll()
	for _, ch := range []<-chan domain.ViewModel{a, b} {
		if _, ok := <-ch; ok {
			t.Fatalf("expected closed channel")
		}
	}
	if len(h.Watched()) != 0 {
		t.Fatalf("watched after CloseAll = %v", h.Watched())
	}
	cancel()
}
