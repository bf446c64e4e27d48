package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/agusx1211/agenthub/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s)
}

func TestResolveCreatesOnceThenReuses(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "a1", "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Created || first.SessionKey != DefaultKey || first.Message != "hello" {
		t.Fatalf("first = %+v", first)
	}
	second, err := r.Resolve(ctx, "a1", "main", "again")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.SessionID != first.SessionID {
		t.Fatalf("second = %+v, want reuse of %s", second, first.SessionID)
	}
	other, err := r.Resolve(ctx, "a2", "main", "x")
	if err != nil {
		t.Fatal(err)
	}
	if other.SessionID == first.SessionID {
		t.Fatal("different agents must not share sessions")
	}
}

func TestResolveConcurrentSameKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(ctx, "a1", "main", "m")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = res.SessionID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent resolve produced different ids: %v", ids)
		}
	}
}

func TestResolveRejectsEmptyAgent(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Resolve(context.Background(), " ", "main", "x"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.Get(context.Background(), "a1", "nope")
	if err != nil || got != nil {
		t.Fatalf("Get = %+v, %v; want nil, nil", got, err)
	}
}

func TestGetByIDUnknownIsError(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.GetByID(context.Background(), "a1", "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordActivity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	res, _ := r.Resolve(ctx, "a1", "main", "x")

	on := true
	if err := r.RecordActivity(ctx, "a1", res.SessionID, Activity{Streaming: &on, ThinkLevel: "high", CLISessionID: "thread-1"}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, "a1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsStreaming || got.ThinkLevel != "high" || got.CLISessionID != "thread-1" || got.LastActivity.IsZero() {
		t.Fatalf("entry = %+v", got)
	}

	off := false
	if err := r.RecordActivity(ctx, "a1", res.SessionID, Activity{Streaming: &off}); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, "a1", "main")
	if got.IsStreaming || got.ThinkLevel != "high" {
		t.Fatalf("entry after stop = %+v", got)
	}
}

func TestResetKeepsOldSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	old, _ := r.Resolve(ctx, "a1", "main", "x")

	fresh, err := r.Reset(ctx, "a1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.SessionID == old.SessionID || fresh.SessionKey != "main" {
		t.Fatalf("fresh = %+v", fresh)
	}
	if _, err := r.GetByID(ctx, "a1", old.SessionID); err != nil {
		t.Fatalf("old session lost: %v", err)
	}
	all, _ := r.List(ctx, "a1")
	if len(all) != 2 {
		t.Fatalf("List = %d sessions, want 2", len(all))
	}
}

func TestNewKey(t *testing.T) {
	k := NewKey("main")
	if !strings.HasPrefix(k, "main-") || k == NewKey("main") {
		t.Fatalf("NewKey = %q", k)
	}
}

func TestSplitThinkDirective(t *testing.T) {
	tests := []struct {
		in, msg, level string
	}{
		{"hello", "hello", ""},
		{"/think high fix the bug", "fix the bug", "high"},
		{"/think HIGH", "", "high"},
		{"/think purple x", "/think purple x", ""},
		{"/thinking about it", "/thinking about it", ""},
	}
	for _, tt := range tests {
		msg, level := splitThinkDirective(tt.in)
		if msg != tt.msg || level != tt.level {
			t.Errorf("splitThinkDirective(%q) = %q,%q want %q,%q", tt.in, msg, level, tt.msg, tt.level)
		}
	}
}
