package scan

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/cidrsweep/internal/engine"
	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/probe"
	"github.com/anstrom/cidrsweep/internal/probe/mocks"
	"github.com/anstrom/cidrsweep/internal/ranges"
)

// fakeProber answers from a fixed table. Addresses under panicPrefix panic.
type fakeProber struct {
	reachable   map[netip.Addr]bool
	panicPrefix netip.Prefix
}

func newFakeProber(reachable ...string) *fakeProber {
	p := &fakeProber{reachable: make(map[netip.Addr]bool)}
	for _, a := range reachable {
		p.reachable[netip.MustParseAddr(a)] = true
	}
	return p
}

func (p *fakeProber) Probe(_ context.Context, target probe.Target) probe.Outcome {
	if p.panicPrefix.IsValid() && p.panicPrefix.Contains(target.Addr) {
		panic("descriptor table full")
	}
	if p.reachable[target.Addr] {
		return probe.Reached(target, time.Millisecond)
	}
	return probe.Unreachable(target, probe.ReasonRefused, time.Millisecond)
}

func newTestScanner(p probe.Prober, batchSize int, opts ...Option) *Scanner {
	eng := engine.New(p, engine.WithBatchSize(batchSize), engine.WithLogger(logging.Discard()))
	return NewScanner(eng, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestScanNoResults(t *testing.T) {
	s := newTestScanner(newFakeProber(), engine.DefaultBatchSize)
	log := &eventLog{}

	summary, err := s.Scan(context.Background(), Request{Ranges: []string{"192.0.2.0/30"}, Port: 9999}, log.emit)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventRangeStarted,
		EventBatchCompleted,
		EventRangeCompleted,
		EventScanCompleted,
	}, log.types())

	started := log.ofType(EventRangeStarted)[0]
	assert.Equal(t, 4, started.Addresses)
	assert.Equal(t, 1, started.Batches)

	assert.False(t, summary.HasResults())
	assert.Zero(t, summary.Total)
	assert.Nil(t, summary.Artifact())
	assert.Equal(t, "Scan finished with no results.", summary.Message())
	assert.Equal(t, uint16(9999), summary.Port)
	assert.NotEmpty(t, summary.ScanID)
	assert.Same(t, summary, log.ofType(EventScanCompleted)[0].Summary)
}

func TestScanFailedRangeDoesNotAbort(t *testing.T) {
	s := newTestScanner(newFakeProber("198.51.100.1"), engine.DefaultBatchSize)
	log := &eventLog{}

	summary, err := s.Scan(context.Background(),
		Request{Ranges: []string{"198.51.100.0/30", "bad-range"}, Port: 443}, log.emit)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventRangeStarted,
		EventBatchCompleted,
		EventRangeCompleted,
		EventRangeFailed,
		EventScanCompleted,
	}, log.types())

	failed := log.ofType(EventRangeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad-range", failed[0].Range)
	assert.Equal(t, 1, failed[0].RangeIndex)
	assert.Contains(t, failed[0].Error, "bad-range")

	completed := log.ofType(EventRangeCompleted)[0]
	assert.Equal(t, 1, completed.Found)
	assert.Equal(t, 1, completed.Total)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Ranges)
	assert.Equal(t, []string{"198.51.100.1"}, summary.Reachable)
	assert.Equal(t, []byte("198.51.100.1"), summary.Artifact())
	assert.Equal(t, "Found 1 reachable addresses in total.", summary.Message())
}

func TestScanNonStrictDescriptor(t *testing.T) {
	s := newTestScanner(newFakeProber("10.0.0.2"), 2)
	log := &eventLog{}

	summary, err := s.Scan(context.Background(), Request{Ranges: []string{"10.0.0.3/30"}, Port: 80}, log.emit)
	require.NoError(t, err)

	started := log.ofType(EventRangeStarted)[0]
	assert.Equal(t, "10.0.0.0/30", started.Range)
	assert.Equal(t, 2, started.Batches)
	assert.Len(t, log.ofType(EventBatchCompleted), 2)
	assert.Equal(t, []string{"10.0.0.2"}, summary.Reachable)
}

func TestScanAccumulatesAcrossRanges(t *testing.T) {
	s := newTestScanner(newFakeProber("10.0.0.1", "10.0.1.1", "10.0.1.2"), 3)

	summary, err := s.Scan(context.Background(),
		Request{Ranges: []string{"10.0.0.0/30", "10.0.1.0/30"}, Port: 8080}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.1.1", "10.0.1.2"}, summary.Reachable)
	// ranges are processed in order
	assert.Equal(t, "10.0.0.1", summary.Reachable[0])

	artifact := string(summary.Artifact())
	assert.Len(t, strings.Split(artifact, "\n"), 3)
	assert.False(t, strings.HasSuffix(artifact, "\n"))
}

func TestScanMilestones(t *testing.T) {
	s := newTestScanner(newFakeProber("10.9.0.0", "10.9.0.1", "10.9.0.2", "10.9.0.3"), 1,
		WithProgressEvery(2))
	log := &eventLog{}

	_, err := s.Scan(context.Background(), Request{Ranges: []string{"10.9.0.0/30"}, Port: 80}, log.emit)
	require.NoError(t, err)

	var milestones []bool
	for _, ev := range log.ofType(EventBatchCompleted) {
		milestones = append(milestones, ev.Milestone)
	}
	assert.Equal(t, []bool{false, true, false, true}, milestones)
}

func TestScanMilestonesDisabled(t *testing.T) {
	s := newTestScanner(newFakeProber("10.9.0.0", "10.9.0.1"), 1, WithProgressEvery(0))
	log := &eventLog{}

	_, err := s.Scan(context.Background(), Request{Ranges: []string{"10.9.0.0/31"}, Port: 80}, log.emit)
	require.NoError(t, err)

	for _, ev := range log.ofType(EventBatchCompleted) {
		assert.False(t, ev.Milestone)
	}
}

func TestScanPanicIsContainedToRange(t *testing.T) {
	p := newFakeProber("10.2.0.1")
	p.panicPrefix = netip.MustParsePrefix("10.1.0.0/30")
	s := newTestScanner(p, 4)
	log := &eventLog{}

	summary, err := s.Scan(context.Background(),
		Request{Ranges: []string{"10.1.0.0/30", "10.2.0.0/30"}, Port: 22}, log.emit)
	require.NoError(t, err)

	failed := log.ofType(EventRangeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "10.1.0.0/30", failed[0].Range)
	assert.Contains(t, failed[0].Error, "descriptor table full")

	assert.Len(t, log.ofType(EventRangeCompleted), 1)
	assert.Equal(t, []string{"10.2.0.1"}, summary.Reachable)
	assert.Equal(t, 1, summary.Failed)
}

func TestScanRangeTooLarge(t *testing.T) {
	p := newFakeProber()
	s := newTestScanner(p, 16, WithMaxRangeBits(4))
	log := &eventLog{}

	summary, err := s.Scan(context.Background(),
		Request{Ranges: []string{"10.0.0.0/24", "10.0.1.0/28"}, Port: 80}, log.emit)
	require.NoError(t, err)

	failed := log.ofType(EventRangeFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, string(errors.CodeRangeTooLarge))
	assert.Len(t, log.ofType(EventRangeCompleted), 1)
	assert.Equal(t, 1, summary.Failed)
}

func TestScanCanceledBeforeStart(t *testing.T) {
	s := newTestScanner(newFakeProber("10.0.0.1"), 2)
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := s.Scan(ctx, Request{Ranges: []string{"10.0.0.0/30"}, Port: 80}, log.emit)
	require.NoError(t, err)

	assert.True(t, summary.Canceled)
	assert.Equal(t, []EventType{EventScanCompleted}, log.types())
	assert.Contains(t, summary.Message(), "canceled")
}

// cancelingProber cancels the sweep as soon as it is first called.
type cancelingProber struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (p *cancelingProber) Probe(ctx context.Context, target probe.Target) probe.Outcome {
	p.once.Do(p.cancel)
	<-ctx.Done()
	return probe.Unreachable(target, probe.ReasonCanceled, 0)
}

func TestScanCanceledMidRange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestScanner(&cancelingProber{cancel: cancel}, 2)
	log := &eventLog{}

	summary, err := s.Scan(ctx, Request{Ranges: []string{"10.0.0.0/29", "10.0.1.0/29"}, Port: 80}, log.emit)
	require.NoError(t, err)

	assert.True(t, summary.Canceled)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, []EventType{EventRangeStarted, EventScanCompleted}, log.types())
}

func TestScanValidation(t *testing.T) {
	s := newTestScanner(newFakeProber(), 2)

	tests := []struct {
		name string
		req  Request
		code errors.ErrorCode
	}{
		{"no ranges", Request{Port: 80}, errors.CodeValidation},
		{"empty range list", Request{Ranges: []string{}, Port: 80}, errors.CodeValidation},
		{"port zero", Request{Ranges: []string{"10.0.0.0/30"}}, errors.CodePortInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Scan(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
			assert.True(t, errors.IsFatal(err))

			_, err = s.Run(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestScanEmptyDescriptorFailsThatRangeOnly(t *testing.T) {
	s := newTestScanner(newFakeProber("10.0.0.1"), 4)
	log := &eventLog{}

	summary, err := s.Scan(context.Background(), Request{Ranges: []string{"", "10.0.0.0/30"}, Port: 80}, log.emit)
	require.NoError(t, err)

	failed := log.ofType(EventRangeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 0, failed[0].RangeIndex)
	assert.Contains(t, failed[0].Error, "invalid range")
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"10.0.0.1"}, summary.Reachable)
}

func TestRunStreamsEvents(t *testing.T) {
	s := newTestScanner(newFakeProber("198.51.100.1"), 2)

	events, err := s.Run(context.Background(), Request{Ranges: []string{"198.51.100.0/30", "bad-range"}, Port: 443})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)

	last := got[len(got)-1]
	assert.Equal(t, EventScanCompleted, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, []string{"198.51.100.1"}, last.Summary.Reachable)

	scanID := got[0].ScanID
	for _, ev := range got {
		assert.Equal(t, scanID, ev.ScanID)
	}
}

func TestScanWithMockProber(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := mocks.NewMockProber(ctrl)

	prober.EXPECT().
		Probe(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, target probe.Target) probe.Outcome {
			assert.Equal(t, uint16(9999), target.Port)
			return probe.Unreachable(target, probe.ReasonTimeout, time.Second)
		}).
		Times(4)

	pm := metrics.NewPrometheusMetrics()
	s := newTestScanner(prober, 150, WithRecorder(pm))

	summary, err := s.Scan(context.Background(), Request{Ranges: []string{"192.0.2.0/30"}, Port: 9999}, nil)
	require.NoError(t, err)
	assert.False(t, summary.HasResults())
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "results_port_443.txt", ArtifactName(443))
}

func TestSessionAdvance(t *testing.T) {
	r, err := ranges.Parse("10.0.0.0/30")
	require.NoError(t, err)
	s := NewSession(r)
	assert.Equal(t, 4, s.Addresses())

	s.Advance(3, 1)
	assert.Equal(t, int64(1), s.Remaining().Int64())
	assert.Equal(t, 1, s.Found)
	assert.False(t, s.Done())

	s.Advance(5, 0)
	assert.True(t, s.Done())
	assert.Zero(t, s.Remaining().Sign())
}

func TestSessionAddressesSaturates(t *testing.T) {
	r, err := ranges.Parse("2001:db8::/32")
	require.NoError(t, err)
	s := NewSession(r)

	assert.Equal(t, maxCount, s.Addresses())
	assert.False(t, s.Done())
}

// countingProber counts probes and reports one fixed address as reachable.
type countingProber struct {
	mu     sync.Mutex
	probes int
	hit    netip.Addr
}

func (p *countingProber) Probe(_ context.Context, target probe.Target) probe.Outcome {
	p.mu.Lock()
	p.probes++
	p.mu.Unlock()
	if target.Addr == p.hit {
		return probe.Reached(target, 0)
	}
	return probe.Unreachable(target, probe.ReasonRefused, 0)
}

func TestScanLargeIPv4RangeWithDefaults(t *testing.T) {
	p := &countingProber{hit: netip.MustParseAddr("10.1.255.254")}
	eng := engine.New(p, engine.WithBatchSize(4096), engine.WithLogger(logging.Discard()))
	s := NewScanner(eng, WithLogger(logging.Discard()))
	log := &eventLog{}

	summary, err := s.Scan(context.Background(), Request{Ranges: []string{"10.0.0.0/15"}, Port: 80}, log.emit)
	require.NoError(t, err)

	assert.Empty(t, log.ofType(EventRangeFailed))
	completed := log.ofType(EventRangeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Found)

	started := log.ofType(EventRangeStarted)[0]
	assert.Equal(t, 1<<17, started.Addresses)
	assert.Equal(t, 32, started.Batches)
	assert.Equal(t, 1<<17, p.probes)
	assert.Equal(t, []string{"10.1.255.254"}, summary.Reachable)
}
