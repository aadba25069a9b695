package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	database.Lifecycle
	n      int
	broken atomic.Bool
	closed atomic.Bool
}

func (d *fakeDriver) Kind() database.Kind { return database.KindInfluxV1 }

func (d *fakeDriver) Connect(context.Context) error {
	d.Set(database.StateConnected)
	return nil
}

func (d *fakeDriver) Disconnect(context.Context) error {
	d.closed.Store(true)
	d.Set(database.StateClosed)
	return nil
}

func (d *fakeDriver) Query(context.Context, string, database.QueryOptions) (*database.Dataset, error) {
	return database.NewDataset(), nil
}

func (d *fakeDriver) Write(context.Context, []byte, string) (int, error) { return 0, nil }
func (d *fakeDriver) Health(context.Context) database.Health             { return database.Health{} }
func (d *fakeDriver) Capabilities() *database.ServerCapability           { return nil }
func (d *fakeDriver) ListDatabases(context.Context) ([]string, error)    { return nil, nil }
func (d *fakeDriver) ListMeasurements(context.Context, string) ([]string, error) {
	return nil, nil
}
func (d *fakeDriver) DescribeSchema(context.Context, string) (*database.Schema, error) {
	return nil, nil
}
func (d *fakeDriver) Broken() bool { return d.broken.Load() }

type dialer struct {
	mu      sync.Mutex
	drivers []*fakeDriver
	fail    []error
	calls   int
}

func (f *dialer) dial(ctx context.Context) (database.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return nil, err
	}
	d := &fakeDriver{n: len(f.drivers)}
	_ = d.Connect(ctx)
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *dialer) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPool(cfg Config) (*Pool, *dialer, *clock) {
	d := &dialer{}
	p := New("c1", cfg, d.dial, Options{})
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.now = c.Now
	return p, d, c
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxConnections: 3}.WithDefaults()
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)
	assert.Zero(t, cfg.AcquireTimeout)
	assert.Equal(t, time.Second, Config{AcquireTimeout: time.Second}.WithDefaults().AcquireTimeout)

	assert.True(t, errs.IsConfiguration(Config{MaxConnections: -1}.Validate()))
	assert.True(t, errs.IsConfiguration(Config{IdleTimeout: -time.Second}.Validate()))
	assert.NoError(t, DefaultConfig().Validate())
}

func TestPool_Bound(t *testing.T) {
	p, d, _ := newPool(Config{MaxConnections: 2})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Handle)
	go func() {
		h, err := p.Acquire(ctx)
		assert.NoError(t, err)
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("third acquire should wait for a release")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, d.created())

	h1.Release()
	h3 := <-got
	assert.Same(t, h1.Driver(), h3.Driver())
	assert.Equal(t, 2, d.created())

	h2.Release()
	h3.Release()
	st := p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, uint64(2), st.Created)
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 1, AcquireTimeout: 20 * time.Millisecond})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.True(t, errs.IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 1})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := h.Driver()

	got := make(chan *Handle, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		if err == nil {
			got <- w
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("acquired while the only slot was held")
	case <-time.After(100 * time.Millisecond):
	}
	h.Release()

	select {
	case w, ok := <-got:
		require.True(t, ok, "waiter failed")
		assert.Same(t, first, w.Driver())
		w.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not admitted after release")
	}
}

func TestPool_AcquireUnboundedHonoursContext(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 1})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_IdleExpiry(t *testing.T) {
	p, d, clk := newPool(Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := h.Driver().(*fakeDriver)
	h.Release()

	clk.Advance(30 * time.Second)
	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, h.Driver(), "still inside the idle timeout")
	h.Release()

	clk.Advance(2 * time.Minute)
	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, h.Driver())
	assert.True(t, first.closed.Load())
	assert.Equal(t, 2, d.created())
	assert.Equal(t, uint64(1), p.Stats().Expired)
	h.Release()
}

func TestPool_MaxLifetime(t *testing.T) {
	p, _, clk := newPool(Config{MaxConnections: 1, IdleTimeout: time.Hour, MaxLifetime: time.Minute})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	drv := h.Driver().(*fakeDriver)

	clk.Advance(2 * time.Minute)
	h.Release()
	assert.True(t, drv.closed.Load())
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 1})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
	h.Release()
	h.Discard()

	st := p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Idle)
	assert.Zero(t, st.Discarded)
}

func TestPool_Discard(t *testing.T) {
	p, d, _ := newPool(Config{MaxConnections: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	drv := h.Driver().(*fakeDriver)
	h.Done(errs.New(errs.ErrKindTimeout, "query timed out"))
	assert.True(t, drv.closed.Load())

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	h.Done(errs.New(errs.ErrKindQuery, "syntax error"))
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 2, d.created())
	assert.Equal(t, uint64(1), p.Stats().Discarded)
}

func TestPool_BrokenIdleSkipped(t *testing.T) {
	p, d, _ := newPool(Config{MaxConnections: 2})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	drv := h.Driver().(*fakeDriver)
	h.Release()
	drv.broken.Store(true)

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, drv, h.Driver())
	assert.True(t, drv.closed.Load())
	assert.Equal(t, 2, d.created())
	h.Release()
}

func TestPool_With(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 1})
	ctx := context.Background()

	err := p.With(ctx, func(d database.Driver) error {
		_, err := d.Query(ctx, "SELECT 1", database.QueryOptions{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Idle)

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.With(ctx, func(database.Driver) error { panic("boom") })
	})
	st := p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, uint64(1), st.Discarded)

	sentinel := errs.New(errs.ErrKindConnection, "reset")
	err = p.With(ctx, func(database.Driver) error { return sentinel })
	assert.Same(t, sentinel, err)
	assert.Equal(t, uint64(2), p.Stats().Discarded)

	// the single slot must still be free
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	h.Release()
}

func TestPool_RetryOnce(t *testing.T) {
	p, d, _ := newPool(Config{MaxConnections: 1})
	d.fail = []error{errs.New(errs.ErrKindConnection, "refused")}
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls)
	h.Release()

	p, d, _ = newPool(Config{MaxConnections: 1})
	d.fail = []error{errs.New(errs.ErrKindConnection, "refused"), errs.New(errs.ErrKindConnection, "refused")}
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsConnection(err))
	assert.Equal(t, 0, p.Stats().InUse)

	p, d, _ = newPool(Config{MaxConnections: 1})
	d.fail = []error{errs.New(errs.ErrKindAuthentication, "bad password")}
	_, err = p.Acquire(context.Background())
	assert.True(t, errs.IsAuthentication(err))
	assert.Equal(t, 1, d.calls)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "c1", e.ConnectionID)
}

func TestPool_Close(t *testing.T) {
	p, _, _ := newPool(Config{MaxConnections: 2})
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	idleDrv, busyDrv := idle.Driver().(*fakeDriver), busy.Driver().(*fakeDriver)
	idle.Release()

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	assert.True(t, idleDrv.closed.Load())
	assert.False(t, busyDrv.closed.Load())

	_, err = p.Acquire(ctx)
	assert.True(t, errs.IsConnection(err))

	busy.Release()
	assert.True(t, busyDrv.closed.Load())
	assert.True(t, p.Stats().Closed)
}

func TestPool_Concurrent(t *testing.T) {
	p, d, _ := newPool(Config{MaxConnections: 3})
	var (
		wg   sync.WaitGroup
		live atomic.Int32
		peak atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.With(context.Background(), func(database.Driver) error {
				n := live.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				live.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, d.created(), 3)
}
