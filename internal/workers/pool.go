// Package workers provides a bounded worker pool for background sweeps.
// It supports job queuing, graceful shutdown, and reports job outcomes to the
// structured logging and metrics systems.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/scan"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// ShutdownTimeout is the maximum time to wait for running jobs before
	// they are canceled.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            2,
		QueueSize:       16,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config   Config
	jobs     chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	recorder metrics.Recorder
	logger   *logging.Logger

	startOnce sync.Once
	mu        sync.RWMutex // guards closed and sends on jobs
	closed    bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a new worker pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	defaults := DefaultConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:   config,
		jobs:     make(chan Job, config.QueueSize),
		results:  make(chan Result, config.QueueSize+config.Size),
		ctx:      ctx,
		cancel:   cancel,
		recorder: metrics.Nop{},
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("workers")
	return p
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for id := range p.config.Size {
			p.wg.Add(1)
			go p.run(id)
		}
	})
}

// Submit adds a job to the worker pool queue. It never blocks.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool",
			"job_id", job.ID(),
			"job_type", job.Type())
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Results returns a channel for receiving job results, including jobs skipped
// because the pool was canceled. Results are dropped when nobody reads them
// and the buffer is full. The channel is closed by Shutdown.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops accepting jobs, lets queued and running jobs finish, and
// cancels whatever is still running after ShutdownTimeout.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool shutdown completed")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout, canceling running jobs")
		p.cancel()
		<-done
	}

	p.cancel()
	close(p.results)
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for job := range p.jobs {
		if err := p.ctx.Err(); err != nil {
			p.skip(job, err)
			continue
		}
		p.execute(id, job)
	}
}

// skip reports a queued job that never ran because the pool was canceled.
func (p *Pool) skip(job Job, cause error) {
	p.logger.Warn("Job skipped, worker pool canceled",
		"job_id", job.ID(),
		"job_type", job.Type())
	p.recorder.ObserveJob(job.Type(), "skipped", 0)
	p.publish(Result{JobID: job.ID(), JobType: job.Type(), Error: fmt.Errorf("job skipped: %w", cause)})
}

func (p *Pool) publish(r Result) {
	select {
	case p.results <- r:
	default:
		p.logger.Warn("Job result dropped, results channel full", "job_id", r.JobID)
	}
}

func (p *Pool) execute(id int, job Job) {
	start := time.Now()
	err := p.safeExecute(job)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		p.logger.Error("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", id,
			"error", err)
	} else {
		p.logger.Debug("Job completed successfully",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", id)
	}
	p.recorder.ObserveJob(job.Type(), status, duration)

	p.publish(Result{JobID: job.ID(), JobType: job.Type(), Error: err, Duration: duration})
}

// safeExecute runs job and converts a panic into an error so one broken job
// cannot take a worker down.
func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(p.ctx)
}

// ScanJob runs one sweep request through an executor.
type ScanJob struct {
	id       string
	request  scan.Request
	executor func(ctx context.Context, req scan.Request) error
}

// NewScanJob creates a new scan job.
func NewScanJob(id string, req scan.Request, executor func(ctx context.Context, req scan.Request) error) *ScanJob {
	return &ScanJob{
		id:       id,
		request:  req,
		executor: executor,
	}
}

// Execute implements the Job interface.
func (j *ScanJob) Execute(ctx context.Context) error {
	return j.executor(ctx, j.request)
}

// ID implements the Job interface.
func (j *ScanJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *ScanJob) Type() string {
	return "scan"
}

// Request returns the sweep the job runs.
func (j *ScanJob) Request() scan.Request {
	return j.request
}
