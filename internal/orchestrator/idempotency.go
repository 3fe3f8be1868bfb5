package orchestrator

import (
	"sync"
	"time"
)

const (
	defaultIdemRetention = time.Hour
	idempotencyMaxKeys   = 10000
)

// idemWindow remembers terminal results keyed by client idempotency key.
// A replay inside the retention window returns the stored result without
// touching any provider. Entries beyond the size bound are dropped oldest
// first.
type idemWindow struct {
	mu        sync.Mutex
	entries   map[string]*idemEntry
	retention time.Duration
	now       func() time.Time
}

type idemEntry struct {
	result *Result
	err    error
	at     time.Time
}

func newIdemWindow(retention time.Duration) *idemWindow {
	if retention <= 0 {
		retention = defaultIdemRetention
	}
	return &idemWindow{entries: make(map[string]*idemEntry), retention: retention, now: time.Now}
}

func (w *idemWindow) lookup(key string) (*Result, error, bool) {
	if key == "" {
		return nil, nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return nil, nil, false
	}
	if w.now().Sub(e.at) > w.retention {
		delete(w.entries, key)
		return nil, nil, false
	}
	return e.result, e.err, true
}

func (w *idemWindow) store(key string, res *Result, err error) {
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sweepLocked()
	w.entries[key] = &idemEntry{result: res, err: err, at: w.now()}
}

func (w *idemWindow) sweepLocked() {
	now := w.now()
	for k, e := range w.entries {
		if now.Sub(e.at) > w.retention {
			delete(w.entries, k)
		}
	}
	for len(w.entries) >= idempotencyMaxKeys {
		var oldestKey string
		var oldest time.Time
		for k, e := range w.entries {
			if oldestKey == "" || e.at.Before(oldest) {
				oldestKey, oldest = k, e.at
			}
		}
		delete(w.entries, oldestKey)
	}
}
