package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrLoad(t *testing.T) {
	c := New(time.Minute, time.Minute)
	var calls atomic.Int32
	load := func() (any, error) {
		calls.Add(1)
		return []string{"440"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad("library", load)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if got := v.([]string); len(got) != 1 || got[0] != "440" {
				t.Errorf("unexpected value %v", got)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected one load, got %d", n)
	}
	if s := c.GetStats(); s.ItemCount != 1 || s.Hits+s.Misses < 8 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New(time.Minute, time.Minute)
	boom := errors.New("store unavailable")

	if _, err := c.GetOrLoad("library", func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if c.ItemCount() != 0 {
		t.Error("error result was cached")
	}

	v, err := c.GetOrLoad("library", func() (any, error) { return 1, nil })
	if err != nil || v != 1 {
		t.Errorf("expected reload, got %v %v", v, err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New(time.Minute, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a still cached after Delete")
	}
	c.Clear()
	if c.ItemCount() != 0 {
		t.Errorf("expected empty cache, have %d items", c.ItemCount())
	}
}

func TestExpiry(t *testing.T) {
	c := New(20*time.Millisecond, time.Minute)
	c.Set("a", 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("expected entry to expire")
	}
}
