package weightstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultFlushBatch    = 256
	flushTimeout         = 5 * time.Second
	drainTimeout         = 2 * time.Second
)

// Config tunes the cache's flush behavior.
type Config struct {
	// FlushInterval is the timer trigger for the background flusher.
	FlushInterval time.Duration
	// FlushBatch is the pending-set size that triggers an early flush.
	FlushBatch int
	// Observer receives telemetry; may be nil.
	Observer Observer
}

// entry is the mutable in-memory record behind one signature. The
// per-entry mutex serializes merges; seq detects writes that land while
// a flush of this entry is in flight.
type entry struct {
	mu         sync.Mutex
	value      string
	confidence float32
	count      uint64
	lastWrite  time.Time
	dirty      bool
	seq        uint64
}

func (e *entry) snapshot(signature string) (Entry, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Entry{
		Signature:  signature,
		Value:      e.value,
		Confidence: e.confidence,
		Count:      e.count,
		LastWrite:  e.lastWrite,
	}, e.seq
}

// Cache is the write-back cache in front of a DurableStore. Reads hit
// the in-memory map and never block on a flush; writes update memory
// immediately and queue the signature for the background flusher.
type Cache struct {
	entries sync.Map // map[string]*entry

	mu      sync.Mutex // guards pending
	pending map[string]struct{}

	store    DurableStore
	logger   *zap.Logger
	observer Observer

	flushInterval time.Duration
	flushBatch    int

	kick    chan struct{} // batch-size trigger, capacity 1
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns

	flushFailures atomic.Uint64
	misses        atomic.Uint64
}

// New creates a Cache over the given durable store and starts its
// background flusher. store may be nil for a memory-only cache (flushes
// become no-ops); that is the local-development fallback.
func New(store DurableStore, cfg Config, logger *zap.Logger) *Cache {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}
	c := &Cache{
		pending:       make(map[string]struct{}),
		store:         store,
		logger:        logger,
		observer:      cfg.Observer,
		flushInterval: cfg.FlushInterval,
		flushBatch:    cfg.FlushBatch,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		flushed:       make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// WarmUp populates the cache from the durable store at cold start.
// Loaded entries are clean: they are not re-queued for flushing.
func (c *Cache) WarmUp(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	loaded, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, le := range loaded {
		c.entries.Store(le.Signature, &entry{
			value:      le.Value,
			confidence: le.Confidence,
			count:      le.Count,
			lastWrite:  le.LastWrite,
		})
	}
	c.logger.Info("weight store warmed up", zap.Int("entries", len(loaded)))
	return nil
}

// Get returns the in-memory entry for a signature. A miss is counted but
// does not fall through to the durable store; callers that can tolerate
// staleness simply proceed without the weight.
func (c *Cache) Get(signature string) (Entry, bool) {
	v, ok := c.entries.Load(signature)
	if !ok {
		c.misses.Add(1)
		if c.observer != nil {
			c.observer.ObserveCacheRead(false)
		}
		return Entry{}, false
	}
	if c.observer != nil {
		c.observer.ObserveCacheRead(true)
	}
	snap, _ := v.(*entry).snapshot(signature)
	return snap, true
}

// Load is the read-through variant of Get: a memory miss falls through
// to the durable store, and a store hit is cached clean. A concurrent
// Put wins over the loaded value.
func (c *Cache) Load(ctx context.Context, signature string) (Entry, bool, error) {
	if snap, ok := c.Get(signature); ok {
		return snap, true, nil
	}
	if c.store == nil {
		return Entry{}, false, nil
	}
	le, ok, err := c.store.LoadOne(ctx, signature)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	v, raced := c.entries.LoadOrStore(signature, &entry{
		value:      le.Value,
		confidence: le.Confidence,
		count:      le.Count,
		lastWrite:  le.LastWrite,
	})
	if raced {
		snap, _ := v.(*entry).snapshot(signature)
		return snap, true, nil
	}
	return le, true, nil
}

// Put records a write: the in-memory entry is updated immediately (so
// later reads in the same request see it) and the signature is queued
// for the background flusher. Concurrent writes to the same signature
// merge deterministically: last-write-wins on value, occurrence count
// incremented, max confidence retained, timestamp refreshed.
func (c *Cache) Put(signature, value string, confidence float32) {
	v, _ := c.entries.LoadOrStore(signature, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	e.value = value
	e.count++
	if confidence > e.confidence {
		e.confidence = confidence
	}
	e.lastWrite = time.Now()
	e.dirty = true
	e.seq++
	e.mu.Unlock()

	c.mu.Lock()
	c.pending[signature] = struct{}{}
	n := len(c.pending)
	c.mu.Unlock()

	if n >= c.flushBatch {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// PendingCount returns the number of signatures waiting to be flushed.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FlushFailures returns the number of failed flush cycles so far.
func (c *Cache) FlushFailures() uint64 {
	return c.flushFailures.Load()
}

// Close flushes whatever is pending and stops the flusher. Safe to call
// once.
func (c *Cache) Close() {
	close(c.done)
	select {
	case <-c.flushed:
	case <-time.After(drainTimeout):
		c.logger.Warn("weight store drain timed out")
	}
}

// flushLoop is the single background flusher: one flush at a time, fired
// by the interval timer or by the pending set reaching the batch size,
// whichever comes first. Flush failures never propagate to requests.
func (c *Cache) flushLoop() {
	defer close(c.flushed)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushOnce()
		case <-c.kick:
			c.flushOnce()
		case <-c.done:
			c.flushOnce()
			return
		}
	}
}

// flushOnce drains the pending set and writes the batch to the durable
// store. Dirty flags clear only for entries that flushed successfully
// and were not re-written while the flush was in flight; everything else
// stays pending and retries on the next cycle. Flushed entries are never
// removed from the read cache.
func (c *Cache) flushOnce() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	sigs := make([]string, 0, len(c.pending))
	for s := range c.pending {
		sigs = append(sigs, s)
	}
	c.mu.Unlock()

	batch := make([]Entry, 0, len(sigs))
	seqs := make(map[string]uint64, len(sigs))
	for _, sig := range sigs {
		v, ok := c.entries.Load(sig)
		if !ok {
			continue
		}
		snap, seq := v.(*entry).snapshot(sig)
		batch = append(batch, snap)
		seqs[sig] = seq
	}
	if len(batch) == 0 {
		return
	}

	var err error
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = c.store.SaveBatch(ctx, batch)
		cancel()
	}
	if c.observer != nil {
		c.observer.ObserveFlush(len(batch), err)
	}
	if err != nil {
		c.flushFailures.Add(1)
		c.logger.Warn("weight store flush failed, will retry",
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
		return
	}

	for _, snap := range batch {
		v, ok := c.entries.Load(snap.Signature)
		if !ok {
			continue
		}
		e := v.(*entry)
		e.mu.Lock()
		clean := e.seq == seqs[snap.Signature]
		if clean {
			e.dirty = false
		}
		e.mu.Unlock()

		if clean {
			c.mu.Lock()
			delete(c.pending, snap.Signature)
			c.mu.Unlock()
		}
	}
}

// DecayOnce ages the cache: entries last written before cutoff are
// dropped entirely, and surviving occurrence counts are halved so old
// traffic patterns lose influence over time. Decayed survivors are
// re-queued so the durable store converges. Returns (dropped, decayed).
func (c *Cache) DecayOnce(cutoff time.Time) (dropped, decayed int) {
	c.entries.Range(func(k, v any) bool {
		sig := k.(string)
		e := v.(*entry)

		e.mu.Lock()
		if e.lastWrite.Before(cutoff) {
			e.mu.Unlock()
			c.entries.Delete(sig)
			c.mu.Lock()
			delete(c.pending, sig)
			c.mu.Unlock()
			dropped++
			return true
		}
		if e.count > 1 {
			e.count /= 2
			e.dirty = true
			e.seq++
			decayed++
			e.mu.Unlock()
			c.mu.Lock()
			c.pending[sig] = struct{}{}
			c.mu.Unlock()
			return true
		}
		e.mu.Unlock()
		return true
	})
	return dropped, decayed
}
