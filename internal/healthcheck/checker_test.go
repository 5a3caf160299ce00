package healthcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func probe(name string, fail *atomic.Bool) Probe {
	return Probe{
		Name: name,
		Check: func(context.Context) error {
			if fail.Load() {
				return errors.New(name + " unreachable")
			}
			return nil
		},
	}
}

func TestChecker_OverallHealth(t *testing.T) {
	var dbDown, redisDown atomic.Bool
	c := NewChecker(Config{Probes: []Probe{probe("database", &dbDown), probe("redis", &redisDown)}})

	if got := c.Check(context.Background()); got != Healthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	redisDown.Store(true)
	if got := c.Check(context.Background()); got != Degraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	status := c.GetAllStatus()["redis"]
	if status.IsHealthy || status.LastError != "redis unreachable" || status.FailureCount != 1 {
		t.Fatalf("unexpected redis status: %+v", status)
	}

	dbDown.Store(true)
	if got := c.Check(context.Background()); got != Unhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}

	dbDown.Store(false)
	redisDown.Store(false)
	if got := c.Check(context.Background()); got != Healthy {
		t.Fatalf("expected recovery to healthy, got %s", got)
	}
	if status := c.GetAllStatus()["redis"]; status.FailureCount != 0 || status.LastError != "" {
		t.Fatalf("expected failure count reset, got %+v", status)
	}
}

func TestChecker_MaxFailures(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	c := NewChecker(Config{Probes: []Probe{probe("database", &down)}, MaxFailures: 3})

	for i := 1; i < 3; i++ {
		if got := c.Check(context.Background()); got != Healthy {
			t.Fatalf("check %d: expected healthy below the failure threshold, got %s", i, got)
		}
	}
	if got := c.Check(context.Background()); got != Unhealthy {
		t.Fatalf("expected unhealthy at the threshold, got %s", got)
	}
}

func TestChecker_StartStop(t *testing.T) {
	c := NewChecker(Config{})
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()

	if got := c.OverallHealth(); got != Healthy {
		t.Fatalf("expected a checker without probes to be healthy, got %s", got)
	}
}
