package scan

import (
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strings"
	"time"

	"github.com/anstrom/cidrsweep/internal/ranges"
)

// Request is one sweep: a list of range descriptors probed on one port.
type Request struct {
	Ranges []string `json:"ranges" validate:"required,min=1"`
	Port   uint16   `json:"port" validate:"required"`
}

// EventType identifies what an Event reports.
type EventType string

const (
	EventRangeStarted   EventType = "range_started"
	EventBatchCompleted EventType = "batch_completed"
	EventRangeCompleted EventType = "range_completed"
	EventRangeFailed    EventType = "range_failed"
	EventScanCompleted  EventType = "scan_completed"
)

// Event is a progress notification emitted while a sweep runs.
type Event struct {
	Type       EventType `json:"type"`
	ScanID     string    `json:"scan_id"`
	Time       time.Time `json:"time"`
	Range      string    `json:"range,omitempty"`
	RangeIndex int       `json:"range_index"`
	RangeCount int       `json:"range_count"`

	// Set on range_started.
	Addresses int `json:"addresses,omitempty"`
	Batches   int `json:"batches,omitempty"`

	// Set on batch_completed.
	Batch     int      `json:"batch,omitempty"`
	Reachable []string `json:"reachable,omitempty"`
	Milestone bool     `json:"milestone,omitempty"`

	// Found is the range's running reachable count, Total the sweep's.
	Found int `json:"found"`
	Total int `json:"total"`

	// Set on range_failed.
	Error string `json:"error,omitempty"`

	// Set on scan_completed.
	Summary *Summary `json:"summary,omitempty"`
}

// Summary is the final result of a sweep.
type Summary struct {
	ScanID    string        `json:"scan_id"`
	Port      uint16        `json:"port"`
	Ranges    int           `json:"ranges"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Reachable []string      `json:"reachable"`
	Canceled  bool          `json:"canceled,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HasResults reports whether any address was reachable.
func (s *Summary) HasResults() bool {
	return s.Total > 0
}

// Artifact returns the newline-delimited address list, or nil when empty.
func (s *Summary) Artifact() []byte {
	if !s.HasResults() {
		return nil
	}
	return []byte(strings.Join(s.Reachable, "\n"))
}

// Message is the one-line human summary of the sweep.
func (s *Summary) Message() string {
	switch {
	case s.Canceled:
		return fmt.Sprintf("Scan canceled after finding %d addresses.", s.Total)
	case s.HasResults():
		return fmt.Sprintf("Found %d reachable addresses in total.", s.Total)
	default:
		return "Scan finished with no results."
	}
}

// ArtifactName is the conventional file name for a sweep's results.
func ArtifactName(port uint16) string {
	return fmt.Sprintf("results_port_%d.txt", port)
}

// ResultSet accumulates reachable addresses across ranges in insertion order.
type ResultSet struct {
	addrs []netip.Addr
}

// Add appends addresses.
func (r *ResultSet) Add(addrs ...netip.Addr) {
	r.addrs = append(r.addrs, addrs...)
}

// Len returns the number of addresses.
func (r *ResultSet) Len() int {
	return len(r.addrs)
}

// Strings renders the addresses.
func (r *ResultSet) Strings() []string {
	return addrStrings(r.addrs)
}

// Session is the per-range accumulator. Addresses are never materialized;
// the session only counts how far the sweep through the range has come.
type Session struct {
	Range  ranges.AddressRange
	Size   *big.Int
	Probed uint64
	Found  int
}

// NewSession starts a session over r.
func NewSession(r ranges.AddressRange) *Session {
	return &Session{Range: r, Size: r.Size()}
}

// Advance records n probed addresses, found of which were reachable.
func (s *Session) Advance(n, found int) {
	s.Probed += uint64(n) //nolint:gosec // n is a batch length
	s.Found += found
}

// Remaining returns how many addresses are still to be probed.
func (s *Session) Remaining() *big.Int {
	remaining := new(big.Int).Sub(s.Size, new(big.Int).SetUint64(s.Probed))
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// Done reports whether every address has been probed.
func (s *Session) Done() bool {
	return s.Remaining().Sign() == 0
}

// Addresses returns the range size as an int, saturating for IPv6 ranges too
// large to count.
func (s *Session) Addresses() int {
	if s.Size.IsInt64() && s.Size.Int64() <= maxCount {
		return int(s.Size.Int64())
	}
	return maxCount
}

// maxCount leaves headroom so batch arithmetic on it cannot overflow.
const maxCount = math.MaxInt / 2

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
