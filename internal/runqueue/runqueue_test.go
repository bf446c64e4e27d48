package runqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSameKeyRunsInSubmissionOrder(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	key := Key{AgentID: "a1", Session: "main"}
	release := make(chan struct{})
	var mu sync.Mutex
	var order []int

	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		i := i
		tk, err := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
			if i == 0 {
				<-release
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return Result{}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		tickets = append(tickets, tk)
	}

	if tickets[0].Queued {
		t.Fatal("first run should not be queued")
	}
	for i, tk := range tickets[1:] {
		if !tk.Queued {
			t.Fatalf("ticket %d should be queued", i+1)
		}
	}
	if got := q.Pending(key); got != 4 {
		t.Fatalf("Pending = %d, want 4", got)
	}

	close(release)
	for _, tk := range tickets {
		if _, err := tk.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4", order)
		}
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	started := make(chan string, 2)
	release := make(chan struct{})
	run := func(name string) Runner {
		return func(ctx context.Context) (Result, error) {
			started <- name
			<-release
			return Result{Output: name}, nil
		}
	}
	a, _ := q.Submit(context.Background(), Key{"a1", "s1"}, true, run("s1"))
	b, _ := q.Submit(context.Background(), Key{"a1", "s2"}, true, run("s2"))
	if a.Queued || b.Queued {
		t.Fatal("runs on different sessions must not queue")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("runs did not start concurrently")
		}
	}
	close(release)
	res, err := b.Wait(context.Background())
	if err != nil || res.Output != "s2" {
		t.Fatalf("b = %+v, %v", res, err)
	}
}

func TestUnserializedBypassesQueue(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	key := Key{"a1", "main"}
	release := make(chan struct{})
	first, _ := q.Submit(context.Background(), key, false, func(ctx context.Context) (Result, error) {
		<-release
		return Result{}, nil
	})
	second, _ := q.Submit(context.Background(), key, false, func(ctx context.Context) (Result, error) {
		return Result{Output: "fast"}, nil
	})
	if first.Queued || second.Queued {
		t.Fatal("unserialized runs must not be queued")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res, err := second.Wait(ctx); err != nil || res.Output != "fast" {
		t.Fatalf("second = %+v, %v", res, err)
	}
	close(release)
	first.Wait(context.Background())
}

func TestCancelStopsRunningAndDropsPending(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	key := Key{"a1", "main"}
	running, _ := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	pendingRan := false
	pending, _ := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
		pendingRan = true
		return Result{}, nil
	})

	if n := q.Cancel(key); n != 2 {
		t.Fatalf("Cancel = %d, want 2", n)
	}
	if _, err := running.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("running err = %v, want context.Canceled", err)
	}
	if _, err := pending.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Fatalf("pending err = %v, want ErrCanceled", err)
	}
	if pendingRan {
		t.Fatal("pending runner should not execute after Cancel")
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Busy(key) {
		if time.Now().After(deadline) {
			t.Fatal("lane should be idle after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPanicBecomesError(t *testing.T) {
	q := New()
	defer q.Close(context.Background())
	tk, _ := q.Submit(context.Background(), Key{"a", "s"}, true, func(ctx context.Context) (Result, error) {
		panic("boom")
	})
	if _, err := tk.Wait(context.Background()); err == nil {
		t.Fatal("expected error from panicking runner")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	q := New()
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(context.Background(), Key{"a", "s"}, true, func(ctx context.Context) (Result, error) {
		return Result{}, nil
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestFinisherRunsBeforeLaneAdvances(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	key := Key{AgentID: "a1", Session: "main"}
	var mu sync.Mutex
	var log []string
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		i := i
		tk, err := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
			record("run")
			return Result{}, nil
		}, func(tk *Ticket, res Result, err error) {
			select {
			case <-tk.Done():
				t.Errorf("ticket %d completed before its finisher", i)
			default:
			}
			record("finish")
		})
		if err != nil {
			t.Fatal(err)
		}
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		tk.Wait(context.Background())
	}
	mu.Lock()
	defer mu.Unlock()
	for i, s := range log {
		want := "run"
		if i%2 == 1 {
			want = "finish"
		}
		if s != want {
			t.Fatalf("log = %v", log)
		}
	}
}

func TestFinisherSeesDroppedRuns(t *testing.T) {
	q := New()
	defer q.Close(context.Background())

	key := Key{AgentID: "a1", Session: "main"}
	started := make(chan struct{})
	running, _ := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	got := make(chan error, 1)
	pending, _ := q.Submit(context.Background(), key, true, func(ctx context.Context) (Result, error) {
		t.Error("dropped run executed")
		return Result{}, nil
	}, func(_ *Ticket, _ Result, err error) {
		got <- err
	})
	<-started
	q.Cancel(key)
	running.Wait(context.Background())
	pending.Wait(context.Background())
	if err := <-got; !errors.Is(err, ErrCanceled) {
		t.Fatalf("finisher err = %v, want ErrCanceled", err)
	}
}
