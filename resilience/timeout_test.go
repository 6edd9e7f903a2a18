package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteWithTimeout_Completes(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), time.Second, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("ExecuteWithTimeout() error = %v, want nil", err)
	}
}

func TestExecuteWithTimeout_TimesOut(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("ExecuteWithTimeout() error = %v, want ErrTimeout", err)
	}
}

func TestExecuteWithTimeout_ZeroRunsDirect(t *testing.T) {
	err := ExecuteWithTimeout(context.Background(), 0, func(context.Context) error {
		return errFail
	})
	if !errors.Is(err, errFail) {
		t.Errorf("ExecuteWithTimeout() error = %v, want operation error", err)
	}
}
