package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProbeRunnerAllChecksPass(t *testing.T) {
	runner := NewProbeRunner(time.Second,
		Check{Name: "db", Check: func(context.Context) error { return nil }},
		Check{Name: "redis", Check: func(context.Context) error { return nil }},
	)

	ready, results := runner.Ready(context.Background())
	if !ready {
		t.Fatal("expected ready when all checks pass")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != "up" {
			t.Fatalf("expected up, got %+v", r)
		}
	}
}

func TestProbeRunnerFailingCheckMarksNotReady(t *testing.T) {
	runner := NewProbeRunner(time.Second,
		Check{Name: "db", Check: func(context.Context) error { return nil }},
		Check{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)

	ready, results := runner.Ready(context.Background())
	if ready {
		t.Fatal("expected not ready when a check fails")
	}
	var down *CheckResult
	for i := range results {
		if results[i].Name == "redis" {
			down = &results[i]
		}
	}
	if down == nil || down.Status != "down" || down.Error == "" {
		t.Fatalf("expected redis check down with error, got %+v", down)
	}
}

func TestProbeRunnerTimeoutCancelsCheck(t *testing.T) {
	runner := NewProbeRunner(10*time.Millisecond,
		Check{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ready, results := runner.Ready(context.Background())
	if ready {
		t.Fatal("expected not ready for timed-out check")
	}
	if results[0].Status != "down" {
		t.Fatalf("expected down status, got %+v", results[0])
	}
}
