package workers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SimpleTask for testing
type SimpleTask struct {
	id         string
	duration   time.Duration
	shouldFail bool
	panics     bool
}

func (st *SimpleTask) ID() string {
	return st.id
}

func (st *SimpleTask) Execute(ctx context.Context) error {
	if st.duration > 0 {
		select {
		case <-time.After(st.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if st.panics {
		panic("boom")
	}
	if st.shouldFail {
		return fmt.Errorf("task %s failed", st.id)
	}
	return nil
}

func TestWorkerPool_BasicFunctionality(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2)
	require.NotNil(t, pool)

	require.NoError(t, pool.Start())
	assert.True(t, pool.running.Load())
	assert.Error(t, pool.Start())

	require.NoError(t, pool.Stop())
	assert.False(t, pool.running.Load())
	assert.Error(t, pool.Stop())
	assert.Error(t, pool.Start(), "stopped pool cannot restart")
}

func TestWorkerPool_TaskExecution(t *testing.T) {
	tests := []struct {
		name      string
		task      *SimpleTask
		completed int64
		failed    int64
	}{
		{name: "success", task: &SimpleTask{id: "ok", duration: 10 * time.Millisecond}, completed: 1},
		{name: "failure", task: &SimpleTask{id: "bad", shouldFail: true}, failed: 1},
		{name: "panic", task: &SimpleTask{id: "panic", panics: true}, failed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(context.Background(), 1)
			require.NoError(t, pool.Start())
			defer pool.Stop()

			require.NoError(t, pool.Submit(context.Background(), tt.task))
			pool.Wait()

			assert.Equal(t, int64(1), pool.tasksTotal.Load())
			assert.Equal(t, tt.completed, pool.tasksComplete.Load())
			assert.Equal(t, tt.failed, pool.tasksFailed.Load())
		})
	}
}

func TestWorkerPool_ConcurrentSubmission(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var wg sync.WaitGroup
	taskCount := 20
	goroutines := 4

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < taskCount/goroutines; i++ {
				task := &SimpleTask{id: fmt.Sprintf("concurrent-task-%d-%d", gid, i), duration: time.Millisecond}
				assert.NoError(t, pool.Submit(context.Background(), task))
			}
		}(g)
	}

	wg.Wait()
	pool.Wait()

	assert.Equal(t, int64(taskCount), pool.tasksTotal.Load())
	assert.Equal(t, int64(taskCount), pool.tasksComplete.Load())
}

func TestWorkerPool_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, 1)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), &SimpleTask{id: "long", duration: 5 * time.Second}))

	start := time.Now()
	cancel()
	pool.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), pool.tasksFailed.Load())

	err := pool.Submit(context.Background(), &SimpleTask{id: "late"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerPool_SubmitBlocksUntilContextDone(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	release := make(chan struct{})
	blocker := NewFuncTask("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Submit(context.Background(), blocker))
	// Give the worker time to take the blocker so the queued tasks fill the buffer.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), &SimpleTask{id: "queued-1"}))
	require.NoError(t, pool.Submit(context.Background(), &SimpleTask{id: "queued-2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, &SimpleTask{id: "overflow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
	assert.Equal(t, int64(3), pool.tasksComplete.Load())
}

func TestWorkerPool_SharedMetrics(t *testing.T) {
	metrics := NewMetrics(2)
	metrics.Start()
	pool := NewWorkerPool(context.Background(), 2, WithMetrics(metrics))
	require.NoError(t, pool.Start())

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), &SimpleTask{id: fmt.Sprintf("metrics-task-%d", i), duration: 10 * time.Millisecond}))
	}
	pool.Wait()
	require.NoError(t, pool.Stop())
	metrics.Stop()

	snapshot := metrics.Snapshot()
	assert.GreaterOrEqual(t, snapshot.PeakWorkers, int32(1))
	assert.LessOrEqual(t, snapshot.PeakWorkers, int32(2))
	assert.Equal(t, int32(0), snapshot.ActiveWorkers)
	assert.Equal(t, int32(2), snapshot.TotalWorkers)
	assert.Equal(t, int64(0), snapshot.TotalTasks, "task counts belong to the caller")
	assert.False(t, snapshot.IsRunning)
}

func TestWorkerPool_SubmitWhenStopped(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1)
	task := &SimpleTask{id: "test"}

	err := pool.Submit(context.Background(), task)
	assert.ErrorContains(t, err, "not running")

	require.NoError(t, pool.Start())
	require.NoError(t, pool.Stop())

	err = pool.Submit(context.Background(), task)
	assert.ErrorContains(t, err, "not running")
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, RetryableErrors: []string{"SlowDown"}}

	tests := []struct {
		name     string
		errs     []error
		wantCall int
		wantErr  bool
		retryErr bool
	}{
		{name: "first attempt succeeds", errs: []error{nil}, wantCall: 1},
		{name: "succeeds after retry", errs: []error{errors.New("SlowDown"), nil}, wantCall: 2},
		{name: "non-retryable stops", errs: []error{errors.New("NoSuchKey")}, wantCall: 1, wantErr: true},
		{name: "exhausted", errs: []error{errors.New("SlowDown"), errors.New("SlowDown"), errors.New("SlowDown")}, wantCall: 3, wantErr: true, retryErr: true},
		{name: "network timeout", errs: []error{&net.DNSError{IsTimeout: true}, nil}, wantCall: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			retries := 0
			err := Retry(context.Background(), policy, func(ctx context.Context) error {
				e := tt.errs[calls]
				calls++
				return e
			}, func(int, error) { retries++ })

			assert.Equal(t, tt.wantCall, calls)
			assert.Equal(t, tt.wantCall-1, retries)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var rerr *RetryError
			assert.Equal(t, tt.retryErr, errors.As(err, &rerr))
		})
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, RetryableErrors: []string{"again"}}
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("again")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))

	p.JitterPercent = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryPolicy_IsRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.IsRetryable(errors.New("read: connection reset by peer")))
	assert.False(t, p.IsRetryable(errors.New("AccessDenied")))
	assert.False(t, p.IsRetryable(context.Canceled))
	assert.False(t, p.IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, p.IsRetryable(nil))
}

func TestRetryableTask(t *testing.T) {
	metrics := NewMetrics(1)
	attempts := 0
	task := NewRetryableTask(NewFuncTask("flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("ServiceUnavailable")
		}
		return nil
	}), RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, RetryableErrors: []string{"ServiceUnavailable"}}, metrics)

	assert.Equal(t, "flaky", task.ID())
	require.NoError(t, task.Execute(context.Background()))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), metrics.Snapshot().Retries)
}

func TestFuncTask_NilFunction(t *testing.T) {
	assert.Error(t, NewFuncTask("nil", nil).Execute(context.Background()))
}

func TestMetrics_Bytes(t *testing.T) {
	m := NewMetrics(1)
	m.Start()
	m.RecordBytes(100)
	m.RecordBytes(24)
	m.Stop()

	snapshot := m.Snapshot()
	assert.Equal(t, int64(124), snapshot.BytesProcessed)
	assert.False(t, snapshot.IsRunning)
}

func TestMetrics_Tasks(t *testing.T) {
	m := NewMetrics(1)
	m.Start()
	for i := 0; i < 4; i++ {
		m.RecordTaskStart()
	}
	for i := 0; i < 3; i++ {
		m.RecordTaskComplete(10 * time.Millisecond)
	}
	m.RecordTaskFailed(5*time.Millisecond, errors.New("boom"))
	m.Stop()

	snapshot := m.Snapshot()
	assert.Equal(t, int64(4), snapshot.TotalTasks)
	assert.Equal(t, int64(3), snapshot.CompletedTasks)
	assert.Equal(t, int64(1), snapshot.FailedTasks)
	assert.Equal(t, 5*time.Millisecond, snapshot.MinDuration)
	assert.Equal(t, 10*time.Millisecond, snapshot.MaxDuration)
	assert.InDelta(t, 75.0, snapshot.SuccessRate, 0.001)
	require.Len(t, snapshot.TopErrors, 1)
	assert.Equal(t, int64(1), snapshot.TopErrors[0].Count)
}
