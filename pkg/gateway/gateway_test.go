// pkg/gateway/gateway_test.go

package gateway

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AveCache/pkg/sched"
	"AveCache/pkg/store"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore records how it is called and fails the test on concurrent use.
type memStore struct {
	t    *testing.T
	busy int32

	mu        sync.Mutex
	recs      map[store.RecordKey]store.Record
	tx        []func()
	inTx      bool
	commits   int
	flushes   int
	closed    bool
	commitErr error
}

func newMemStore(t *testing.T) *memStore {
	return &memStore{t: t, recs: make(map[store.RecordKey]store.Record)}
}

func (m *memStore) enter() func() {
	if !atomic.CompareAndSwapInt32(&m.busy, 0, 1) {
		m.t.Error("store used concurrently")
	}
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		atomic.StoreInt32(&m.busy, 0)
	}
}

func (m *memStore) Name() string { return "mem" }

func (m *memStore) Init(ctx context.Context, version int) error { return nil }

func (m *memStore) Drop(ctx context.Context, version int) error { return nil }

func (m *memStore) Version(ctx context.Context) (int, error) { return store.CurrentVersion, nil }

func (m *memStore) Load(ctx context.Context) (*store.Format, error) {
	return nil, store.ErrNotFormatted
}

func (m *memStore) SaveFormat(ctx context.Context, format store.Format, force bool) error {
	return nil
}

func (m *memStore) Stats(ctx context.Context) (store.Stats, error) { return store.Stats{}, nil }

func (m *memStore) Dump(ctx context.Context, w io.Writer, progress func()) error {
	return nil
}

func (m *memStore) write(fn func()) {
	if m.inTx {
		m.tx = append(m.tx, fn)
	} else {
		fn()
	}
}

func (m *memStore) Put(ctx context.Context, rec store.Record) error {
	defer m.enter()()
	if m.closed {
		return store.ErrClosed
	}
	m.write(func() { m.recs[rec.Key] = rec })
	return nil
}

func (m *memStore) Delete(ctx context.Context, key store.RecordKey) error {
	defer m.enter()()
	if m.closed {
		return store.ErrClosed
	}
	m.write(func() { delete(m.recs, key) })
	return nil
}

func (m *memStore) Get(ctx context.Context, key store.RecordKey) ([]byte, error) {
	defer m.enter()()
	if m.closed {
		return nil, store.ErrClosed
	}
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte{}, rec.Data...), nil
}

func (m *memStore) GetExpiring(ctx context.Context, expiresBefore int32, limit int) ([][]byte, error) {
	defer m.enter()()
	var recs []store.Record
	for _, r := range m.recs {
		if r.ExpiresAt != 0 && r.ExpiresAt < expiresBefore {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ExpiresAt < recs[j].ExpiresAt })
	var res [][]byte
	for i := 0; i < len(recs) && i < limit; i++ {
		res = append(res, recs[i].Data)
	}
	return res, nil
}

func (m *memStore) GetFromNotificationID(ctx context.Context, dialog store.DialogID, from store.NotificationID, limit int) ([][]byte, error) {
	defer m.enter()()
	var recs []store.Record
	for _, r := range m.recs {
		if r.Key.Dialog == dialog && r.NotificationID != 0 && r.NotificationID < from {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].NotificationID > recs[j].NotificationID })
	var res [][]byte
	for i := 0; i < len(recs) && i < limit; i++ {
		res = append(res, recs[i].Data)
	}
	return res, nil
}

func (m *memStore) BeginTransaction(ctx context.Context) error {
	defer m.enter()()
	if m.inTx {
		return store.ErrTxInProgress
	}
	m.inTx = true
	return nil
}

func (m *memStore) CommitTransaction() error {
	defer m.enter()()
	if !m.inTx {
		return store.ErrNoTransaction
	}
	ops := m.tx
	m.tx, m.inTx = nil, false
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, op := range ops {
		op()
	}
	m.commits++
	return nil
}

func (m *memStore) RollbackTransaction() error {
	defer m.enter()()
	m.tx, m.inTx = nil, false
	return nil
}

func (m *memStore) Flush(ctx context.Context) error {
	defer m.enter()()
	m.flushes++
	return nil
}

func (m *memStore) Close() error {
	defer m.enter()()
	m.closed = true
	return nil
}

func (m *memStore) snapshot() (commits, flushes, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.flushes, len(m.recs)
}

func closeGateway(t *testing.T, g *Gateway) {
	p, wait := Wait[Unit]()
	g.Close(p)
	_, err := wait()
	require.NoError(t, err)
}

func TestGatewaySQLite(t *testing.T) {
	st, err := store.NewClient(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background(), 0))
	g := New(st, nil, nil)

	put, putDone := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 7, Item: 3}, 1000, 42, []byte("X")), put)
	exp, expDone := Wait[[][]byte]()
	g.GetExpiring(1001, 10, exp)
	none, noneDone := Wait[[][]byte]()
	g.GetExpiring(999, 10, none)
	hist, histDone := Wait[[][]byte]()
	g.GetFromNotificationID(7, 43, 10, hist)

	_, err = putDone()
	require.NoError(t, err)
	res, err := expDone()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("X")}, res)
	res, err = noneDone()
	require.NoError(t, err)
	assert.Empty(t, res)
	res, err = histDone()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("X")}, res)

	closeGateway(t, g)
}

func TestGatewayReadYourWrites(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{FlushDelay: time.Hour})
	defer closeGateway(t, g)
	key := store.RecordKey{Dialog: 1, Item: 1}

	g.Put(store.NewRecord(key, 0, 0, []byte("v1")), nil)
	get, getDone := Wait[[]byte]()
	g.Get(key, get)
	data, err := getDone()
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	g.Delete(key, nil)
	get, getDone = Wait[[]byte]()
	g.Get(key, get)
	_, err = getDone()
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGatewayBatching(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{MaxPendingWrites: 3, FlushDelay: time.Hour})
	defer closeGateway(t, g)

	var waits []func() (Unit, error)
	for i := 0; i < 3; i++ {
		p, wait := Wait[Unit]()
		g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: store.ItemID(i)}, 0, 0, []byte("x")), p)
		waits = append(waits, wait)
	}
	for _, wait := range waits {
		_, err := wait()
		require.NoError(t, err)
	}
	commits, _, records := m.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 3, records)
	st := g.Stats()
	assert.Equal(t, int64(1), st.Flushes)
	assert.Equal(t, int64(3), st.Writes)
}

func TestGatewayFlushDelay(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{MaxPendingWrites: 100, FlushDelay: 5 * time.Millisecond})
	defer closeGateway(t, g)

	p, wait := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, []byte("x")), p)
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 2}, 0, 0, []byte("y")), nil)
	_, err := wait()
	require.NoError(t, err)
	commits, _, records := m.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 2, records)
}

func TestGatewayCopiesPayload(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, nil)
	defer closeGateway(t, g)
	key := store.RecordKey{Dialog: 2, Item: 2}

	data := []byte("abc")
	g.Put(store.Record{Key: key, Data: data}, nil)
	data[0] = 'z'
	get, getDone := Wait[[]byte]()
	g.Get(key, get)
	got, err := getDone()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestGatewayConcurrentCallers(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{MaxPendingWrites: 7})
	defer closeGateway(t, g)

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := store.RecordKey{Dialog: store.DialogID(c), Item: store.ItemID(i)}
				want := fmt.Sprintf("%d-%d", c, i)
				g.Put(store.NewRecord(key, 0, 0, []byte(want)), nil)
				get, getDone := Wait[[]byte]()
				g.Get(key, get)
				got, err := getDone()
				if assert.NoError(t, err) {
					assert.Equal(t, want, string(got))
				}
			}
		}(c)
	}
	wg.Wait()
	_, _, records := m.snapshot()
	assert.Equal(t, 400, records)
	assert.Equal(t, int64(400), g.Stats().Reads)
}

func TestGatewayCommitFailure(t *testing.T) {
	m := newMemStore(t)
	m.commitErr = errors.New("disk full")
	g := New(m, nil, &Options{MaxPendingWrites: 2, FlushDelay: time.Hour})
	defer closeGateway(t, g)

	p1, wait1 := Wait[Unit]()
	p2, wait2 := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, nil), p1)
	g.Delete(store.RecordKey{Dialog: 1, Item: 2}, p2)
	_, err := wait1()
	assert.EqualError(t, err, "disk full")
	_, err = wait2()
	assert.EqualError(t, err, "disk full")

	get, getDone := Wait[[]byte]()
	g.Get(store.RecordKey{Dialog: 1, Item: 1}, get)
	_, err = getDone()
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGatewayClose(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{FlushDelay: time.Hour})

	put, putDone := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, []byte("x")), put)
	closeGateway(t, g)
	_, err := putDone()
	require.NoError(t, err)
	commits, _, records := m.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, records)
	assert.True(t, m.closed)

	p, wait := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 2}, 0, 0, nil), p)
	_, err = wait()
	assert.True(t, errors.Is(err, store.ErrClosed))

	get, getDone := Wait[[]byte]()
	g.Get(store.RecordKey{Dialog: 1, Item: 1}, get)
	_, err = getDone()
	assert.True(t, errors.Is(err, store.ErrClosed))

	exp, expDone := Wait[[][]byte]()
	g.GetExpiring(10, 10, exp)
	_, err = expDone()
	assert.True(t, errors.Is(err, store.ErrClosed))

	p, wait = Wait[Unit]()
	g.Close(p)
	_, err = wait()
	assert.True(t, errors.Is(err, store.ErrClosed))

	g.ForceFlush()
	g.Worker().Wait()
}

func TestGatewayCloseRacesCallers(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, nil)
	var ok, closed int32
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p, wait := Wait[Unit]()
				g.Put(store.NewRecord(store.RecordKey{Dialog: store.DialogID(c), Item: store.ItemID(i)}, 0, 0, nil), p)
				_, err := wait()
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case errors.Is(err, store.ErrClosed):
					atomic.AddInt32(&closed, 1)
				default:
					t.Errorf("unexpected error: %s", err)
				}
			}
		}(c)
	}
	time.Sleep(time.Millisecond)
	closeGateway(t, g)
	wg.Wait()
	assert.Equal(t, int32(400), ok+closed)
	_, _, records := m.snapshot()
	assert.Equal(t, int(ok), records)
}

func TestGatewayCloseAfterWorkerStopped(t *testing.T) {
	m := newMemStore(t)
	w := sched.NewWorker("shared")
	g := New(m, w, &Options{FlushDelay: 20 * time.Millisecond})

	put, putDone := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, []byte("x")), put)
	w.Stop()
	closeGateway(t, g)

	_, err := putDone()
	require.NoError(t, err)
	commits, _, records := m.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, records)
	m.mu.Lock()
	assert.True(t, m.closed)
	m.mu.Unlock()

	p, wait := Wait[Unit]()
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 2}, 0, 0, nil), p)
	_, err = wait()
	assert.True(t, errors.Is(err, store.ErrClosed))
}

func TestGatewayForceFlushCoalesced(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{FlushDelay: time.Hour})
	defer closeGateway(t, g)

	block := make(chan struct{})
	g.Worker().Post(func() { <-block })
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, nil), nil)
	for i := 0; i < 3; i++ {
		g.ForceFlush()
	}
	close(block)

	get, getDone := Wait[[]byte]()
	g.Get(store.RecordKey{Dialog: 1, Item: 1}, get)
	_, err := getDone()
	require.NoError(t, err)
	commits, flushes, _ := m.snapshot()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, flushes)

	g.ForceFlush()
	get, getDone = Wait[[]byte]()
	g.Get(store.RecordKey{Dialog: 1, Item: 1}, get)
	_, err = getDone()
	require.NoError(t, err)
	_, flushes, _ = m.snapshot()
	assert.Equal(t, 2, flushes)
}

func TestGatewayCallbacks(t *testing.T) {
	s := sched.NewScheduler("test", 2)
	defer s.Stop()
	m := newMemStore(t)
	g := New(m, s.Worker(0), &Options{Callbacks: s.Worker(1)})

	block := make(chan struct{})
	s.Worker(1).Post(func() { <-block })
	resolved := make(chan struct{})
	g.Put(store.NewRecord(store.RecordKey{Dialog: 1, Item: 1}, 0, 0, nil), func(Unit, error) { close(resolved) })
	g.ForceFlush()
	select {
	case <-resolved:
		t.Fatal("promise ran before the callback worker was free")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)
	select {
	case <-resolved:
	case <-time.After(5 * time.Second):
		t.Fatal("promise never ran")
	}

	closeGateway(t, g)
	assert.True(t, s.Worker(0).Post(func() {}), "a shared worker keeps running after Close")
}

func TestGatewayAccessLog(t *testing.T) {
	m := newMemStore(t)
	g := New(m, nil, &Options{SlowThreshold: -1})
	defer closeGateway(t, g)
	id := g.OpenAccessLog()
	defer g.CloseAccessLog(id)

	get, getDone := Wait[[]byte]()
	g.Get(store.RecordKey{Dialog: 4, Item: 2}, get)
	_, _ = getDone()

	buf := make([]byte, 1024)
	n := g.ReadAccessLog(id, buf)
	line := string(buf[:n])
	assert.True(t, strings.Contains(line, "get (4_2): record not found"), line)
	assert.Equal(t, 0, g.ReadAccessLog(id+1, buf))
}

func TestAccessLogReaders(t *testing.T) {
	a := newAccessLog(time.Millisecond)
	id := a.open()
	a.logit(2*time.Millisecond, "get (%s): %s", "1_1", "OK")
	a.close(id)
	buf := make([]byte, 10)
	assert.Equal(t, 0, a.read(id, buf))

	a = newAccessLog(time.Hour)
	id = a.open()
	buf = make([]byte, 4)
	assert.Equal(t, 2, a.read(id, buf))
	assert.Equal(t, "#\n", string(buf[:2]))
}
