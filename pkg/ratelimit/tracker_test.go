package ratelimit

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func quotaHeaders(resource string, limit, remaining int, reset time.Time) http.Header {
	h := http.Header{}
	h.Set(HeaderLimit, strconv.Itoa(limit))
	h.Set(HeaderRemaining, strconv.Itoa(remaining))
	h.Set(HeaderUsed, strconv.Itoa(limit-remaining))
	h.Set(HeaderReset, strconv.FormatInt(reset.Unix(), 10))
	if resource != "" {
		h.Set(HeaderResource, resource)
	}
	return h
}

func newTestTracker() *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(nil, logger)
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	reset := time.Now().Add(time.Hour)

	if err := tracker.UpdateFromHeaders(ctx, quotaHeaders("", 60, 59, reset)); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(ctx, DefaultResource)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state == nil {
		t.Fatal("GetState() returned nil after update")
	}
	if state.Remaining != 59 || state.Limit != 60 || state.Used != 1 {
		t.Errorf("state = %+v, want remaining 59 limit 60 used 1", state)
	}
}

func TestTracker_UpdateFromHeaders_Ignored(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()

	if err := tracker.UpdateFromHeaders(ctx, http.Header{"Content-Type": []string{"text/plain"}}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if got := len(tracker.Snapshot()); got != 0 {
		t.Errorf("Snapshot() has %d states, want 0", got)
	}

	bad := http.Header{}
	bad.Set(HeaderRemaining, "lots")
	if err := tracker.UpdateFromHeaders(ctx, bad); err == nil {
		t.Error("UpdateFromHeaders() with invalid header should return error")
	}
}

func TestTracker_PerResource(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	reset := time.Now().Add(time.Hour)

	tracker.UpdateFromHeaders(ctx, quotaHeaders("core", 5000, 4000, reset))
	tracker.UpdateFromHeaders(ctx, quotaHeaders("search", 30, 0, reset))

	snap := tracker.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() has %d states, want 2", len(snap))
	}
	if snap["core"].Remaining != 4000 {
		t.Errorf("core remaining = %d, want 4000", snap["core"].Remaining)
	}
	if snap["search"].Remaining != 0 {
		t.Errorf("search remaining = %d, want 0", snap["search"].Remaining)
	}
}

func TestTracker_GetState_Unknown(t *testing.T) {
	tracker := newTestTracker()

	state, err := tracker.GetState(context.Background(), "graphql")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state != nil {
		t.Errorf("GetState() = %+v, want nil", state)
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name      string
		remaining int
		reset     time.Time
		want      bool
	}{
		{name: "quota left", remaining: 10, reset: time.Now().Add(time.Hour), want: true},
		{name: "exhausted", remaining: 0, reset: time.Now().Add(time.Hour), want: false},
		{name: "exhausted but reset passed", remaining: 0, reset: time.Now().Add(-time.Minute), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker()
			ctx := context.Background()
			tracker.UpdateFromHeaders(ctx, quotaHeaders("", 60, tt.remaining, tt.reset))

			got, err := tracker.ShouldAllowRequest(ctx, DefaultResource)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ShouldAllowRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracker_ShouldAllowRequest_NoState(t *testing.T) {
	tracker := newTestTracker()

	allowed, err := tracker.ShouldAllowRequest(context.Background(), DefaultResource)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("ShouldAllowRequest() = false before any response was seen")
	}
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	reset := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(remaining int) {
			defer wg.Done()
			tracker.UpdateFromHeaders(ctx, quotaHeaders("", 100, remaining, reset))
			tracker.GetState(ctx, DefaultResource)
		}(i)
	}
	wg.Wait()

	state, _ := tracker.GetState(ctx, DefaultResource)
	if state == nil || state.Remaining < 0 || state.Remaining >= 50 {
		t.Errorf("unexpected state after concurrent updates: %+v", state)
	}
}
