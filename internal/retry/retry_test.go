package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestIsRetryableError(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"redis tx failed", redis.TxFailedErr, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"syntax", errors.New("code: 62, syntax error"), false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err, cfg); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("boom")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("Do() error = %v, want %v", err, perm)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithResult_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		calls++
		return 0, redis.TxFailedErr
	})
	if !errors.Is(err, redis.TxFailedErr) {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
