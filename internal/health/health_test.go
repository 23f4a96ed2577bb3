package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}

func TestRegistry_FailingCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("sweeper", func(context.Context) error { return errors.New("not running") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("a failing check must flip the aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	// Registration order is preserved.
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Errorf("unexpected first status: %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "not running" {
		t.Errorf("unexpected second status: %+v", statuses[1])
	}
}

func TestRegistry_ReplaceCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return errors.New("down") })
	r.Register("database", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("replaced check should win")
	}
	if len(statuses) != 1 {
		t.Errorf("re-registering must not duplicate the check, got %d statuses", len(statuses))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("check", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
