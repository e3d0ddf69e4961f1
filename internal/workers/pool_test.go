package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/scan"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	jobType  string
	duration time.Duration
	err      error
	executed int32
}

func NewMockJob(id, jobType string, duration time.Duration, err error) *MockJob {
	return &MockJob{
		id:       id,
		jobType:  jobType,
		duration: duration,
		err:      err,
	}
}

func (m *MockJob) Execute(ctx context.Context) error {
	atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *MockJob) ID() string {
	return m.id
}

func (m *MockJob) Type() string {
	return m.jobType
}

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

func newTestPool(config Config, opts ...Option) *Pool {
	return New(config, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestNewPool(t *testing.T) {
	t.Run("creates pool with valid configuration", func(t *testing.T) {
		config := Config{Size: 5, QueueSize: 100, ShutdownTimeout: 10 * time.Second}
		pool := newTestPool(config)

		assert.NotNil(t, pool)
		assert.Equal(t, config, pool.config)
		assert.Equal(t, 100, cap(pool.jobs))
		assert.Equal(t, 105, cap(pool.results))
	})

	t.Run("fills in defaults", func(t *testing.T) {
		pool := newTestPool(Config{QueueSize: -1})

		assert.Equal(t, DefaultConfig().Size, pool.config.Size)
		assert.Equal(t, 0, pool.config.QueueSize)
		assert.Equal(t, DefaultConfig().ShutdownTimeout, pool.config.ShutdownTimeout)
		assert.NotNil(t, pool.ctx)
	})
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("start and shutdown pool successfully", func(t *testing.T) {
		pool := newTestPool(Config{Size: 2, QueueSize: 10, ShutdownTimeout: 2 * time.Second})
		pool.Start()

		job := NewMockJob("test-1", "test", 10*time.Millisecond, nil)
		require.NoError(t, pool.Submit(job))

		require.NoError(t, pool.Shutdown())
		assert.Equal(t, int32(1), job.ExecutedCount(), "queued jobs finish before shutdown returns")
	})

	t.Run("handles multiple start and shutdown calls", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: time.Second})
		pool.Start()
		pool.Start()

		assert.NoError(t, pool.Shutdown())
		assert.NoError(t, pool.Shutdown())
	})

	t.Run("rejects jobs after shutdown", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: time.Second})
		pool.Start()
		require.NoError(t, pool.Shutdown())

		err := pool.Submit(NewMockJob("late", "test", 0, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shut down")
	})

	t.Run("rejects jobs when the queue is full", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: time.Second})
		// not started, nothing drains the queue
		require.NoError(t, pool.Submit(NewMockJob("a", "test", 0, nil)))

		err := pool.Submit(NewMockJob("b", "test", 0, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is full")
	})
}

func TestPoolResults(t *testing.T) {
	pool := newTestPool(Config{Size: 3, QueueSize: 10, ShutdownTimeout: time.Second})
	pool.Start()

	failure := errors.New("boom")
	for i := range 6 {
		var err error
		if i%2 == 1 {
			err = failure
		}
		require.NoError(t, pool.Submit(NewMockJob(fmt.Sprintf("job-%d", i), "test", time.Millisecond, err)))
	}
	require.NoError(t, pool.Shutdown())

	var ok, failed int
	for r := range pool.Results() {
		assert.Equal(t, "test", r.JobType)
		if r.Error != nil {
			assert.ErrorIs(t, r.Error, failure)
			failed++
		} else {
			ok++
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, failed)
}

type panicJob struct{}

func (panicJob) Execute(context.Context) error { panic("nil map") }
func (panicJob) ID() string                    { return "panic" }
func (panicJob) Type() string                  { return "test" }

func TestPoolRecoversPanics(t *testing.T) {
	pool := newTestPool(Config{Size: 1, QueueSize: 2, ShutdownTimeout: time.Second})
	pool.Start()

	after := NewMockJob("after", "test", 0, nil)
	require.NoError(t, pool.Submit(panicJob{}))
	require.NoError(t, pool.Submit(after))
	require.NoError(t, pool.Shutdown())

	first := <-pool.Results()
	require.Error(t, first.Error)
	assert.Contains(t, first.Error.Error(), "nil map")
	assert.Equal(t, int32(1), after.ExecutedCount(), "worker survives a panicking job")
}

func TestPoolShutdownTimeoutCancelsJobs(t *testing.T) {
	pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: 50 * time.Millisecond})
	pool.Start()

	job := NewMockJob("slow", "test", 10*time.Second, nil)
	require.NoError(t, pool.Submit(job))
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, pool.Shutdown())
	assert.Less(t, time.Since(start), 5*time.Second)

	r := <-pool.Results()
	assert.ErrorIs(t, r.Error, context.Canceled)
}

func TestPoolReportsSkippedJobs(t *testing.T) {
	rec := &jobRecorder{}
	pool := newTestPool(Config{Size: 1, QueueSize: 2, ShutdownTimeout: 50 * time.Millisecond}, WithRecorder(rec))
	pool.Start()

	slow := NewMockJob("slow", "test", 10*time.Second, nil)
	queued := NewMockJob("queued", "test", 0, nil)
	require.NoError(t, pool.Submit(slow))
	require.Eventually(t, func() bool { return slow.ExecutedCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(queued))

	require.NoError(t, pool.Shutdown())

	results := map[string]Result{}
	for r := range pool.Results() {
		results[r.JobID] = r
	}
	require.Contains(t, results, "queued")
	assert.ErrorIs(t, results["queued"].Error, context.Canceled)
	assert.Contains(t, results["queued"].Error.Error(), "skipped")
	assert.Zero(t, queued.ExecutedCount())
	assert.Contains(t, rec.statuses, "test/skipped")
}

type jobRecorder struct {
	metrics.Nop
	mu       sync.Mutex
	statuses []string
}

func (r *jobRecorder) ObserveJob(jobType, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, jobType+"/"+status)
}

func TestScanJob(t *testing.T) {
	rec := &jobRecorder{}
	pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: time.Second}, WithRecorder(rec))
	pool.Start()

	req := scan.Request{Ranges: []string{"192.0.2.0/30"}, Port: 443}
	var got scan.Request
	job := NewScanJob("nightly-1", req, func(_ context.Context, r scan.Request) error {
		got = r
		return nil
	})

	assert.Equal(t, "nightly-1", job.ID())
	assert.Equal(t, "scan", job.Type())
	assert.Equal(t, req, job.Request())

	require.NoError(t, pool.Submit(job))
	require.NoError(t, pool.Shutdown())

	assert.Equal(t, req, got)
	assert.Equal(t, []string{"scan/success"}, rec.statuses)
}
