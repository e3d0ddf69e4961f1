// Package ranges expands CIDR descriptors into the concrete addresses they
// denote. Parsing is non-strict: host bits set in a descriptor are masked off
// rather than rejected, so "10.0.0.5/24" and "10.0.0.0/24" are the same range.
package ranges

import (
	"fmt"
	"iter"
	"math/big"
	"net/netip"
	"strings"

	"github.com/anstrom/cidrsweep/internal/errors"
)

// InvalidRangeError reports a descriptor that cannot be parsed as a network.
type InvalidRangeError struct {
	Descriptor string
	Cause      error
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %q: %v", e.Descriptor, e.Cause)
}

func (e *InvalidRangeError) Unwrap() error {
	return e.Cause
}

// ErrorCode lets the errors package classify range failures.
func (e *InvalidRangeError) ErrorCode() errors.ErrorCode {
	return errors.CodeRangeInvalid
}

// AddressRange is a parsed, masked CIDR block.
type AddressRange struct {
	descriptor string
	prefix     netip.Prefix
}

// Parse parses descriptor as an IPv4 or IPv6 CIDR block.
func Parse(descriptor string) (AddressRange, error) {
	text := strings.TrimSpace(descriptor)
	prefix, err := netip.ParsePrefix(text)
	if err != nil {
		return AddressRange{}, &InvalidRangeError{Descriptor: descriptor, Cause: err}
	}
	return AddressRange{descriptor: text, prefix: prefix.Masked()}, nil
}

// String returns the descriptor as the user supplied it, trimmed.
func (r AddressRange) String() string {
	return r.descriptor
}

// Prefix returns the canonical, masked network.
func (r AddressRange) Prefix() netip.Prefix {
	return r.prefix
}

// HostBits returns the number of host bits: address bits minus prefix length.
func (r AddressRange) HostBits() int {
	return r.prefix.Addr().BitLen() - r.prefix.Bits()
}

// Size returns the number of addresses in the range, 2^HostBits.
func (r AddressRange) Size() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(r.HostBits()))
}

// All lazily yields every address in the range, in ascending order.
func (r AddressRange) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		addr := r.prefix.Addr()
		for addr.IsValid() && r.prefix.Contains(addr) {
			if !yield(addr) {
				return
			}
			addr = addr.Next()
		}
	}
}

// Addresses materializes the range. Callers should check HostBits first for
// large blocks.
func (r AddressRange) Addresses() []netip.Addr {
	capacity := 0
	if bits := r.HostBits(); bits < 31 {
		capacity = 1 << bits
	}
	addrs := make([]netip.Addr, 0, capacity)
	for addr := range r.All() {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Expand parses descriptor and returns every address it denotes.
func Expand(descriptor string) ([]netip.Addr, error) {
	r, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}
	return r.Addresses(), nil
}

// ParseLines splits user input into one descriptor per non-blank line.
func ParseLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
