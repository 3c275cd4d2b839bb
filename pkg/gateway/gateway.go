// pkg/gateway/gateway.go

// Package gateway exposes a store.Store to concurrent callers.
//
// Every call returns at once and reports its result through a Promise. The store is
// only touched from work posted to a single sched.Worker, in the order the calls were
// made. Writes are buffered and committed in batches; a read first commits what is
// buffered, so it always sees the writes issued before it.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"AveCache/pkg/sched"
	"AveCache/pkg/store"
	"AveCache/pkg/utils"
)

var logger = utils.GetLogger("avecache")

const (
	DefaultMaxPendingWrites = 50
	DefaultFlushDelay       = 10 * time.Millisecond
	DefaultSlowThreshold    = 10 * time.Second
)

type Options struct {
	// MaxPendingWrites commits the buffered writes once this many are queued.
	// 1 commits every write on its own.
	MaxPendingWrites int
	// FlushDelay commits the buffered writes this long after the first of them.
	FlushDelay time.Duration
	// SlowThreshold logs operations taking longer; negative disables it.
	SlowThreshold time.Duration
	// Callbacks runs the promises; nil runs them on the store worker.
	Callbacks *sched.Worker
}

type Stats struct {
	Queued  int64 // calls posted and not yet run
	Flushes int64 // committed batches
	Writes  int64 // writes committed
	Reads   int64
}

type pendingWrite struct {
	del     bool
	rec     store.Record
	promise Promise[Unit]
	start   time.Duration
}

type Gateway struct {
	st        store.Store
	worker    *sched.Worker
	ownWorker bool
	opts      Options
	log       *accessLog

	closing        int32
	flushRequested int32

	// owned by worker
	pending  []pendingWrite
	timer    *time.Timer
	timerGen uint64
	closed   bool

	queued  int64
	flushes int64
	writes  int64
	reads   int64
}

// New wraps st, which must not be used by anything else afterwards. A nil worker
// starts one owned by the gateway and stopped by Close.
func New(st store.Store, worker *sched.Worker, opts *Options) *Gateway {
	g := &Gateway{st: st, worker: worker}
	if opts != nil {
		g.opts = *opts
	}
	if g.opts.MaxPendingWrites <= 0 {
		g.opts.MaxPendingWrites = DefaultMaxPendingWrites
	}
	if g.opts.FlushDelay <= 0 {
		g.opts.FlushDelay = DefaultFlushDelay
	}
	if g.opts.SlowThreshold == 0 {
		g.opts.SlowThreshold = DefaultSlowThreshold
	}
	if g.worker == nil {
		g.worker = sched.NewWorker("store-" + st.Name())
		g.ownWorker = true
	}
	g.log = newAccessLog(g.opts.SlowThreshold)
	return g
}

func (g *Gateway) Worker() *sched.Worker { return g.worker }

func (g *Gateway) Stats() Stats {
	return Stats{
		Queued:  atomic.LoadInt64(&g.queued),
		Flushes: atomic.LoadInt64(&g.flushes),
		Writes:  atomic.LoadInt64(&g.writes),
		Reads:   atomic.LoadInt64(&g.reads),
	}
}

// OpenAccessLog starts collecting one line per finished operation.
func (g *Gateway) OpenAccessLog() uint64 { return g.log.open() }

func (g *Gateway) CloseAccessLog(id uint64) { g.log.close(id) }

// ReadAccessLog copies collected lines into buf, waiting up to a second for them.
func (g *Gateway) ReadAccessLog(id uint64, buf []byte) int { return g.log.read(id, buf) }

// post runs fn on the worker, or calls fail with store.ErrClosed once Close has begun.
func (g *Gateway) post(op string, fail func(error), fn func()) {
	if atomic.LoadInt32(&g.closing) == 0 {
		atomic.AddInt64(&g.queued, 1)
		if g.worker.Post(func() {
			atomic.AddInt64(&g.queued, -1)
			if g.closed {
				fail(store.ErrClosed)
				return
			}
			fn()
		}) {
			return
		}
		atomic.AddInt64(&g.queued, -1)
	}
	logger.Debugf("%s: %s", op, store.ErrClosed)
	fail(store.ErrClosed)
}

// Put stores a copy of rec.
func (g *Gateway) Put(rec store.Record, p Promise[Unit]) {
	w := pendingWrite{
		rec:     store.NewRecord(rec.Key, rec.ExpiresAt, rec.NotificationID, rec.Data),
		promise: p,
		start:   utils.Clock(),
	}
	g.post("put", func(err error) { deliver(g, p, Unit{}, err) }, func() { g.addWrite(w) })
}

func (g *Gateway) Delete(key store.RecordKey, p Promise[Unit]) {
	w := pendingWrite{del: true, rec: store.Record{Key: key}, promise: p, start: utils.Clock()}
	g.post("delete", func(err error) { deliver(g, p, Unit{}, err) }, func() { g.addWrite(w) })
}

func (g *Gateway) Get(key store.RecordKey, p Promise[[]byte]) {
	start := utils.Clock()
	g.post("get", func(err error) { deliver(g, p, nil, err) }, func() {
		g.flush()
		data, err := g.st.Get(context.Background(), key)
		atomic.AddInt64(&g.reads, 1)
		g.log.logit(utils.Clock()-start, "get (%s): %s", key, errstr(err))
		deliver(g, p, data, err)
	})
}

func (g *Gateway) GetExpiring(expiresBefore int32, limit int, p Promise[[][]byte]) {
	start := utils.Clock()
	g.post("get expiring", func(err error) { deliver(g, p, nil, err) }, func() {
		g.flush()
		res, err := g.st.GetExpiring(context.Background(), expiresBefore, limit)
		atomic.AddInt64(&g.reads, 1)
		g.log.logit(utils.Clock()-start, "get_expiring (%d,%d): %s (%d)", expiresBefore, limit, errstr(err), len(res))
		deliver(g, p, res, err)
	})
}

func (g *Gateway) GetFromNotificationID(dialog store.DialogID, from store.NotificationID, limit int, p Promise[[][]byte]) {
	start := utils.Clock()
	g.post("get from notification", func(err error) { deliver(g, p, nil, err) }, func() {
		g.flush()
		res, err := g.st.GetFromNotificationID(context.Background(), dialog, from, limit)
		atomic.AddInt64(&g.reads, 1)
		g.log.logit(utils.Clock()-start, "get_from_notification (%d,%d,%d): %s (%d)", dialog, from, limit, errstr(err), len(res))
		deliver(g, p, res, err)
	})
}

// ForceFlush commits buffered writes and asks the store to make them durable,
// without waiting. It is a no-op while an earlier request is still queued.
func (g *Gateway) ForceFlush() {
	if atomic.LoadInt32(&g.closing) != 0 || !atomic.CompareAndSwapInt32(&g.flushRequested, 0, 1) {
		return
	}
	ok := g.worker.Post(func() {
		atomic.StoreInt32(&g.flushRequested, 0)
		if g.closed {
			return
		}
		start := utils.Clock()
		g.flush()
		err := g.st.Flush(context.Background())
		if err != nil {
			logger.Warnf("flush %s: %s", g.st.Name(), err)
		}
		g.log.logit(utils.Clock()-start, "force_flush: %s", errstr(err))
	})
	if !ok {
		atomic.StoreInt32(&g.flushRequested, 0)
	}
}

// Close commits buffered writes and closes the store. Calls made after Close
// started, including another Close, fail with store.ErrClosed. If a shared worker
// was stopped first, Close still commits and closes once that worker has drained.
func (g *Gateway) Close(p Promise[Unit]) {
	if !atomic.CompareAndSwapInt32(&g.closing, 0, 1) {
		deliver(g, p, Unit{}, store.ErrClosed)
		return
	}
	if g.worker.Post(func() { g.shutdown(p) }) {
		return
	}
	// The worker was stopped by its owner. Once it has drained nothing else
	// touches the store, so the buffered writes are committed from here.
	logger.Warnf("worker %s stopped before close", g.worker)
	go func() {
		g.worker.Wait()
		g.shutdown(p)
	}()
}

func (g *Gateway) shutdown(p Promise[Unit]) {
	start := utils.Clock()
	g.flush()
	err := g.st.Close()
	g.closed = true
	if g.ownWorker {
		g.worker.Stop()
	}
	g.log.logit(utils.Clock()-start, "close: %s", errstr(err))
	deliver(g, p, Unit{}, err)
}

func (g *Gateway) addWrite(w pendingWrite) {
	g.pending = append(g.pending, w)
	if len(g.pending) >= g.opts.MaxPendingWrites {
		g.flush()
		return
	}
	if g.timer == nil {
		gen := g.timerGen
		g.timer = g.worker.PostAfter(g.opts.FlushDelay, func() {
			if gen == g.timerGen && !g.closed {
				g.flush()
			}
		})
	}
}

// flush commits the buffered writes in one transaction and resolves their promises.
func (g *Gateway) flush() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.timerGen++
	if len(g.pending) == 0 {
		return
	}
	batch := g.pending
	g.pending = nil

	ctx := context.Background()
	start := utils.Clock()
	errs := make([]error, len(batch))
	err := g.st.BeginTransaction(ctx)
	if err == nil {
		for i, w := range batch {
			if w.del {
				errs[i] = g.st.Delete(ctx, w.rec.Key)
			} else {
				errs[i] = g.st.Put(ctx, w.rec)
			}
		}
		err = g.st.CommitTransaction()
	}
	if err != nil {
		logger.Errorf("commit %d writes: %s", len(batch), err)
	}
	atomic.AddInt64(&g.flushes, 1)
	atomic.AddInt64(&g.writes, int64(len(batch)))
	g.log.logit(utils.Clock()-start, "commit (%d): %s", len(batch), errstr(err))

	now := utils.Clock()
	for i, w := range batch {
		if errs[i] == nil {
			errs[i] = err
		}
		op := "put"
		if w.del {
			op = "delete"
		}
		g.log.logit(now-w.start, "%s (%s): %s", op, w.rec.Key, errstr(errs[i]))
		deliver(g, w.promise, Unit{}, errs[i])
	}
}
