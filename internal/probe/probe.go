// Package probe performs single TCP reachability checks.
//
// A probe succeeds when the TCP handshake completes within the timeout; the
// connection is closed immediately and no data is exchanged. Every other
// result is reported as unreachable, with a best-effort reason attached.
package probe

//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks github.com/anstrom/cidrsweep/internal/probe Prober

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"
)

// DefaultTimeout is the per-probe handshake timeout.
const DefaultTimeout = time.Second

// Target is one (address, port) pair to probe.
type Target struct {
	Addr netip.Addr
	Port uint16
}

// String renders the target as host:port.
func (t Target) String() string {
	return netip.AddrPortFrom(t.Addr, t.Port).String()
}

// FailureReason classifies why a probe did not reach its target.
type FailureReason string

const (
	ReasonNone        FailureReason = ""
	ReasonRefused     FailureReason = "refused"
	ReasonTimeout     FailureReason = "timeout"
	ReasonUnreachable FailureReason = "unreachable"
	ReasonCanceled    FailureReason = "canceled"
	ReasonOther       FailureReason = "other"
)

// Outcome is the result of probing one target.
type Outcome struct {
	Target    Target
	Reachable bool
	Reason    FailureReason
	Latency   time.Duration
}

// Reached builds a successful outcome.
func Reached(t Target, latency time.Duration) Outcome {
	return Outcome{Target: t, Reachable: true, Latency: latency}
}

// Unreachable builds a failed outcome.
func Unreachable(t Target, reason FailureReason, latency time.Duration) Outcome {
	if reason == ReasonNone {
		reason = ReasonOther
	}
	return Outcome{Target: t, Reason: reason, Latency: latency}
}

// Prober checks whether a target accepts a connection. Implementations must
// never block past ctx and must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, target Target) Outcome
}

// TCPProber dials targets with a plain TCP connect.
type TCPProber struct {
	Timeout time.Duration
	dialer  net.Dialer
}

// NewTCPProber creates a TCP prober. A non-positive timeout selects
// DefaultTimeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{Timeout: timeout}
}

// Probe attempts a TCP handshake with target.
func (p *TCPProber) Probe(ctx context.Context, target Target) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", target.String())
	latency := time.Since(start)
	if err != nil {
		return Unreachable(target, Classify(ctx, err), latency)
	}
	_ = conn.Close()
	return Reached(target, latency)
}

// Classify maps a dial error to a FailureReason.
func Classify(ctx context.Context, err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if ctx != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ReasonCanceled
		}
		return ReasonTimeout
	}
	return ReasonOther
}
