// Package scan orchestrates sweeps over several CIDR ranges on one port.
//
// Ranges are processed one after another. Each range is expanded, probed in
// batches by the engine, and reported through a stream of events: started,
// one event per batch, then completed or failed. A range that fails to parse,
// or fails unexpectedly while probing, is reported and skipped; it never
// aborts the rest of the sweep.
package scan

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/cidrsweep/internal/engine"
	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/ranges"
)

const (
	// DefaultProgressEvery marks a batch as a milestone whenever the running
	// total crosses a multiple of this value.
	DefaultProgressEvery = 50
	// DefaultMaxRangeBits admits every IPv4 range and IPv6 ranges up to /96.
	DefaultMaxRangeBits = 32

	eventBuffer = 16
)

// Scanner runs sweeps.
type Scanner struct {
	engine        *engine.Engine
	recorder      metrics.Recorder
	logger        *logging.Logger
	validate      *validator.Validate
	progressEvery int
	maxRangeBits  int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scanner) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProgressEvery sets the milestone interval. Zero disables milestones.
func WithProgressEvery(n int) Option {
	return func(s *Scanner) {
		if n >= 0 {
			s.progressEvery = n
		}
	}
}

// WithMaxRangeBits limits how many host bits a range may have. Zero disables
// the limit.
func WithMaxRangeBits(bits int) Option {
	return func(s *Scanner) {
		if bits >= 0 {
			s.maxRangeBits = bits
		}
	}
}

// NewScanner creates a scanner driving eng.
func NewScanner(eng *engine.Engine, opts ...Option) *Scanner {
	s := &Scanner{
		engine:        eng,
		recorder:      metrics.Nop{},
		logger:        logging.Default(),
		validate:      validator.New(),
		progressEvery: DefaultProgressEvery,
		maxRangeBits:  DefaultMaxRangeBits,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scan")
	return s
}

// Validate checks a request before any probing starts.
func (s *Scanner) Validate(req Request) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "Port" {
		return errors.NewScanError(errors.CodePortInvalid, "port must be between 1 and 65535")
	}
	return &errors.ScanError{
		Code:    errors.CodeValidation,
		Message: "at least one range is required",
		Cause:   err,
	}
}

// Run starts a sweep in the background and returns its event stream. The
// channel is closed after the scan_completed event. If ctx is canceled the
// stream may end without one.
func (s *Scanner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		_, _ = s.Scan(ctx, req, func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return events, nil
}

// Scan runs a sweep synchronously, calling emit for every event, and returns
// the final summary.
func (s *Scanner) Scan(ctx context.Context, req Request, emit func(Event)) (*Summary, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(Event) {}
	}

	sw := &sweep{
		Scanner: s,
		req:     req,
		scanID:  uuid.NewString(),
		results: &ResultSet{},
		emit:    emit,
	}
	sw.logger = s.logger.WithScanID(sw.scanID)

	s.recorder.ScanStarted()
	start := time.Now()
	sw.logger.Info("Scan started", "ranges", len(req.Ranges), "port", req.Port, "batch_size", s.engine.BatchSize())

	summary := &Summary{
		ScanID: sw.scanID,
		Port:   req.Port,
		Ranges: len(req.Ranges),
	}

	for i, descriptor := range req.Ranges {
		if ctx.Err() != nil {
			summary.Canceled = true
			break
		}
		err := sw.scanRange(ctx, i, descriptor)
		switch {
		case err == nil:
		case errors.IsCode(err, errors.CodeCanceled):
			summary.Canceled = true
		default:
			summary.Failed++
			s.recorder.ObserveRange("failed", 0)
			sw.logger.ErrorRange("Range failed", descriptor, err)
			sw.emit(sw.event(EventRangeFailed, i, descriptor, func(ev *Event) {
				ev.Error = err.Error()
			}))
		}
		if summary.Canceled {
			break
		}
	}

	summary.Total = sw.results.Len()
	summary.Reachable = sw.results.Strings()
	summary.Duration = time.Since(start)
	s.recorder.ScanFinished(summary.Total)

	sw.logger.Info("Scan finished",
		"total", summary.Total,
		"failed_ranges", summary.Failed,
		"canceled", summary.Canceled,
		"duration", summary.Duration)

	sw.emit(sw.event(EventScanCompleted, len(req.Ranges), "", func(ev *Event) {
		ev.Summary = summary
	}))
	return summary, nil
}

// sweep is the state of one Scan call.
type sweep struct {
	*Scanner
	req     Request
	scanID  string
	results *ResultSet
	emit    func(Event)
	logger  *logging.Logger
}

func (sw *sweep) event(t EventType, index int, descriptor string, fill func(*Event)) Event {
	ev := Event{
		Type:       t,
		ScanID:     sw.scanID,
		Time:       time.Now().UTC(),
		Range:      descriptor,
		RangeIndex: index,
		RangeCount: len(sw.req.Ranges),
		Total:      sw.results.Len(),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

// scanRange expands and probes one range. Panics are converted to an error
// for this range only.
func (sw *sweep) scanRange(ctx context.Context, index int, descriptor string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapScanError(errors.CodeScanFailed, "unexpected failure", descriptor, fmt.Errorf("%v", r))
		}
	}()

	r, err := ranges.Parse(descriptor)
	if err != nil {
		return err
	}
	if sw.maxRangeBits > 0 && r.HostBits() > sw.maxRangeBits {
		return errors.ErrRangeTooLarge(r.String(), r.HostBits(), sw.maxRangeBits)
	}

	session := NewSession(r)
	batches := sw.engine.BatchCount(session.Addresses())
	sw.logger.InfoRange("Range started", r.String(), "addresses", session.Size, "batches", batches)
	sw.emit(sw.event(EventRangeStarted, index, r.String(), func(ev *Event) {
		ev.Addresses = session.Addresses()
		ev.Batches = batches
	}))

	for batch := range sw.engine.Stream(ctx, r.All(), sw.req.Port) {
		before := sw.results.Len()
		sw.results.Add(batch.Reachable...)
		session.Advance(batch.Probed, len(batch.Reachable))
		total := sw.results.Len()

		milestone := sw.progressEvery > 0 && len(batch.Reachable) > 0 &&
			total/sw.progressEvery > before/sw.progressEvery
		if milestone {
			sw.logger.Info("Found so far", "total", total)
		}

		sw.emit(sw.event(EventBatchCompleted, index, r.String(), func(ev *Event) {
			ev.Batch = batch.Index
			ev.Batches = batches
			ev.Reachable = addrStrings(batch.Reachable)
			ev.Milestone = milestone
			ev.Found = session.Found
		}))
	}

	if !session.Done() {
		if ctx.Err() != nil {
			return errors.WrapScanError(errors.CodeCanceled, "scan canceled", r.String(), ctx.Err())
		}
		return errors.WrapScanError(errors.CodeScanFailed, "range ended early", r.String(), nil)
	}

	sw.recorder.ObserveRange("completed", session.Found)
	sw.logger.InfoRange("Range completed", r.String(), "found", session.Found, "total", sw.results.Len())
	sw.emit(sw.event(EventRangeCompleted, index, r.String(), func(ev *Event) {
		ev.Found = session.Found
	}))
	return nil
}
