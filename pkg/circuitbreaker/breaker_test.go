package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func trippingSettings(timeout time.Duration) Settings {
	return Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(trippingSettings(time.Minute))
	testErr := errors.New("source down")

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(func() (interface{}, error) { return nil, testErr }); !errors.Is(err, testErr) {
			t.Fatalf("attempt %d: expected the request error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 consecutive failures, got %v", cb.State())
	}

	// Requests fail fast while open; the wrapped function must not run.
	executed := false
	_, err := cb.Execute(func() (interface{}, error) {
		executed = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if executed {
		t.Error("request executed while the breaker was open")
	}
}

func TestBreakerClosesAfterSuccessfulHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(trippingSettings(20 * time.Millisecond))
	testErr := errors.New("source down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() (interface{}, error) { return nil, testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}

	// After the timeout the breaker admits a probe request.
	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after the timeout, got %v", cb.State())
	}

	result, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("probe request failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("unexpected probe result: %v", result)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected CLOSED after a successful probe, got %v", cb.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker(trippingSettings(20 * time.Millisecond))
	testErr := errors.New("source down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() (interface{}, error) { return nil, testErr })
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := cb.Execute(func() (interface{}, error) { return nil, testErr }); !errors.Is(err, testErr) {
		t.Fatalf("expected the probe error, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected OPEN after a failed probe, got %v", cb.State())
	}
}

func TestHalfOpenLimitsConcurrentRequests(t *testing.T) {
	settings := trippingSettings(10 * time.Millisecond)
	settings.MaxRequests = 1
	cb := NewCircuitBreaker(settings)
	testErr := errors.New("source down")

	for i := 0; i < 3; i++ {
		cb.Execute(func() (interface{}, error) { return nil, testErr })
	}
	time.Sleep(20 * time.Millisecond)

	// Park one probe in flight, then verify a second is rejected.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		cb.Execute(func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
		close(done)
	}()
	<-started

	if _, err := cb.Execute(func() (interface{}, error) { return nil, nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("expected ErrTooManyRequests for the second half-open request, got %v", err)
	}

	close(release)
	<-done
}

func TestDefaultSettingsTripOnFailureRatio(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("topology_source"))
	testErr := errors.New("source down")

	// Two failures and one success: 66% failure rate over 3 requests.
	cb.Execute(func() (interface{}, error) { return nil, testErr })
	cb.Execute(func() (interface{}, error) { return nil, nil })
	cb.Execute(func() (interface{}, error) { return nil, testErr })

	if cb.State() != StateOpen {
		t.Errorf("expected OPEN at 66%% failures over 3 requests, got %v", cb.State())
	}
}
