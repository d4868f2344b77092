package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingService struct {
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
	onStop  func()
}

func newBlockingService(onStop func()) *blockingService {
	return &blockingService{stopCh: make(chan struct{}), onStop: onStop}
}

func (b *blockingService) Start() error {
	b.started.Store(true)
	<-b.stopCh
	return nil
}

func (b *blockingService) Stop() {
	b.once.Do(func() {
		if b.onStop != nil {
			b.onStop()
		}
		b.stopped.Store(true)
		close(b.stopCh)
	})
}

func runLifecycle(t *testing.T, lc *Lifecycle, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()
	return done
}

func TestLifecycle_StopsInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	journal := newBlockingService(record("journal"))
	sessions := newBlockingService(record("sessions"))
	httpSvc := newBlockingService(record("http"))
	lc.Add("journal", journal)
	lc.Add("sessions", sessions)
	lc.Add("http", httpSvc)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLifecycle(t, lc, ctx)

	require.Eventually(t, func() bool {
		return journal.started.Load() && sessions.started.Load() && httpSvc.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http", "sessions", "journal"}, order)
}

func TestLifecycle_ServiceFailureStopsAll(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	healthy := newBlockingService(nil)
	boom := errors.New("address already in use")
	lc.Add("journal", healthy)
	lc.Add("http", &FuncService{
		StartFn: func() error { return boom },
		StopFn:  func() {},
	})

	done := runLifecycle(t, lc, context.Background())

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "service http")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down after failure")
	}
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycle_StopTimeoutDoesNotBlockShutdown(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	lc.SetStopTimeout(50 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	stuck := &FuncService{
		StartFn: func() error { <-release; return nil },
		StopFn:  func() { <-release },
	}
	lc.Add("stuck", stuck)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLifecycle(t, lc, ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited on a stuck service")
	}
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	require.NoError(t, svc.Start())
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}

func TestContextService_StopCancelsAndWaits(t *testing.T) {
	var exited atomic.Bool
	running := make(chan struct{})
	svc := &ContextService{RunFn: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		exited.Store(true)
		return ctx.Err()
	}}

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	<-running

	svc.Stop()
	assert.True(t, exited.Load(), "Stop returns only after RunFn")
	assert.NoError(t, <-errCh, "cancellation is a clean stop")
}

func TestContextService_ReportsFailure(t *testing.T) {
	boom := errors.New("flush failed")
	svc := &ContextService{RunFn: func(context.Context) error { return boom }}

	assert.ErrorIs(t, svc.Start(), boom)
	svc.Stop()
}

func TestContextService_StopBeforeStart(t *testing.T) {
	var ran atomic.Bool
	svc := &ContextService{RunFn: func(context.Context) error {
		ran.Store(true)
		return nil
	}}

	svc.Stop()
	require.NoError(t, svc.Start())
	assert.False(t, ran.Load())
}
