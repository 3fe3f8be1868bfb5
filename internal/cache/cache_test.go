package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrLoadCachesFreshValue(t *testing.T) {
	c := New(Options{})
	loads := 0
	loader := func(context.Context) (any, []string, error) {
		loads++
		return "alice", []string{"workspace"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), UserKey("alice@acme.test"), 0, loader)
		if err != nil {
			t.Fatalf("GetOrLoad: %v", err)
		}
		if v != "alice" {
			t.Fatalf("value: got %v", v)
		}
	}
	if loads != 1 {
		t.Fatalf("loads: got %d, want 1", loads)
	}
}

func TestGetOrLoadExpiry(t *testing.T) {
	c := New(Options{})
	loads := 0
	loader := func(context.Context) (any, []string, error) {
		loads++
		return loads, nil, nil
	}

	key := UserKey("bob@acme.test")
	if _, err := c.GetOrLoad(context.Background(), key, 10*time.Millisecond, loader); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	v, err := c.GetOrLoad(context.Background(), key, 10*time.Millisecond, loader)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expired entry must reload: got %v", v)
	}
}

func TestCoalescedLoad(t *testing.T) {
	c := New(Options{})
	var loads int32
	started := make(chan struct{})
	release := make(chan struct{})

	loader := func(context.Context) (any, []string, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			close(started)
		}
		<-release
		return "value", nil, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", 0, loader)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = v
		}(i)
	}

	<-started
	time.Sleep(5 * time.Millisecond) // let the other callers pile onto the flight
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("loader invocations: got %d, want 1", n)
	}
	for i, v := range results {
		if v != "value" {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
}

func TestCoalescedFailureSharedByAllCallers(t *testing.T) {
	c := New(Options{})
	var loads int32
	boom := errors.New("provider down")
	release := make(chan struct{})

	loader := func(context.Context) (any, []string, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return nil, nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrLoad(context.Background(), "k", 0, loader)
		}(i)
	}
	time.Sleep(5 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("loader invocations: got %d, want 1", n)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: got %v, want shared failure", i, err)
		}
	}
	// The failure must not be cached.
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed load must not populate the cache")
	}
}

func TestPutUnionsProviderSets(t *testing.T) {
	c := New(Options{})
	key := UserKey("alice@acme.test")

	c.Put(key, "v1", []string{"workspace"})
	c.Put(key, "v2", []string{"ims"})

	providers := c.Providers(key)
	if len(providers) != 2 {
		t.Fatalf("providers: got %v", providers)
	}
	v, ok := c.Get(key)
	if !ok || v != "v2" {
		t.Fatalf("latest value: got %v ok=%v", v, ok)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	c := New(Options{})
	key := GroupKey("devs@acme.test")
	c.Put(key, "stale-value", []string{"workspace"})

	c.Invalidate(key)

	if _, ok := c.Get(key); ok {
		t.Fatal("invalidated entry must not be returned as fresh")
	}

	loads := 0
	v, err := c.GetOrLoad(context.Background(), key, 0, func(context.Context) (any, []string, error) {
		loads++
		return "fresh-value", []string{"workspace"}, nil
	})
	if err != nil || v != "fresh-value" || loads != 1 {
		t.Fatalf("reload after invalidate: v=%v err=%v loads=%d", v, err, loads)
	}
}

func TestForget(t *testing.T) {
	c := New(Options{})
	c.Put("k", "v", nil)
	c.Forget("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("forgotten entry returned")
	}
	if c.Len() != 0 {
		t.Fatalf("Len: got %d", c.Len())
	}
}

func TestRemoveProviderDropsEmptyEntry(t *testing.T) {
	c := New(Options{})
	key := UserKey("alice@acme.test")
	c.Put(key, "v", []string{"workspace", "ims"})

	c.RemoveProvider(key, "workspace")
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry with remaining provider must survive")
	}

	c.RemoveProvider(key, "ims")
	if _, ok := c.Get(key); ok {
		t.Fatal("entry with empty provider set must be removed")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{MaxEntries: 3})
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i, nil)
	}
	// Touch k0 so k1 becomes least recently used.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 missing")
	}

	c.Put("k3", 3, nil)

	if c.Len() != 3 {
		t.Fatalf("Len after eviction: got %d, want 3", c.Len())
	}
	if _, ok := c.Get("k1"); ok {
		t.Fatal("k1 should have been evicted as LRU")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should have survived", k)
		}
	}
}

func TestConcurrentForgetKeepsLRUConsistent(t *testing.T) {
	c := New(Options{MaxEntries: 8})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				c.Put("contested", n, nil)
				c.Get("contested")
				c.Forget("contested")
			}
		}()
	}
	wg.Wait()
	c.Forget("contested")

	// A forgotten key must leave no element behind; a stranded one would
	// make eviction spin without progress.
	if got := c.lru.Len(); got != c.count {
		t.Fatalf("lru length %d disagrees with count %d", got, c.count)
	}

	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("fill%d", i), i, nil)
	}
	if c.Len() != 8 {
		t.Fatalf("Len after refill: got %d, want 8", c.Len())
	}
}

func TestMonotonicFetchedAt(t *testing.T) {
	c := New(Options{})
	key := UserKey("alice@acme.test")

	c.Put(key, "v1", nil)
	t1, _ := c.FetchedAt(key)
	time.Sleep(time.Millisecond)
	c.Put(key, "v2", nil)
	t2, _ := c.FetchedAt(key)

	if t2.Before(t1) {
		t.Fatalf("fetched_at went backwards: %v then %v", t1, t2)
	}
}
