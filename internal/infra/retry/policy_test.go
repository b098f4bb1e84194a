package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutu-network/ziggurat/internal/domain"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	v, res, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %q, want %q", v, "ok")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	_, res, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &domain.NetworkError{Network: "icp", StatusCode: 503, Err: errors.New("busy")}
		}
		return calls, nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	_, res, err := Do(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		return 0, domain.ErrNetworkUnavailable
	})
	if !errors.Is(err, domain.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	rejected := &domain.NetworkError{Network: "ton", StatusCode: 400, Err: errors.New("bad request")}
	_, res, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		return 0, rejected
	})
	var ne *domain.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 400 {
		t.Fatalf("err = %v, want the 400 NetworkError", err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, _, err := Do(ctx, p, func(context.Context) (int, error) {
			return 0, domain.ErrNetworkUnavailable
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancel")
	}
}

func TestOnce(t *testing.T) {
	p := Once(10 * time.Millisecond)
	if p.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", p.MaxAttempts)
	}
}
