package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first try", nil, 1, nil},
		{"retries transient then succeeds", []error{errTransient, errTransient}, 3, nil},
		{"stops on permanent", []error{errPermanent}, 1, errPermanent},
		{"exhausts attempts", []error{errTransient, errTransient, errTransient, errTransient}, 3, errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, Retryable: isTransient}
			calls := 0
			err := Do(context.Background(), p, func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoValue_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, Retryable: isTransient}

	calls := 0
	_, err := DoValue(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
