// Package handlers provides HTTP request handlers for the cidrsweep API.
// This file bounds how many sweeps the API runs at once.
package handlers

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/scan"
)

// LimitScans wraps scanner so that at most n sweeps run at the same time. A
// sweep over the limit is rejected with CodeBusy instead of queued. A slot is
// held until the wrapped sweep has fully wound down. n <= 0 disables the limit.
func LimitScans(scanner Scanner, n int) Scanner {
	if n <= 0 {
		return scanner
	}
	return &limitedScanner{next: scanner, slots: semaphore.NewWeighted(int64(n)), limit: n}
}

type limitedScanner struct {
	next  Scanner
	slots *semaphore.Weighted
	limit int
}

func (l *limitedScanner) Run(ctx context.Context, req scan.Request) (<-chan scan.Event, error) {
	if !l.slots.TryAcquire(1) {
		return nil, errors.ErrTooManyScans(l.limit)
	}

	inner, err := l.next.Run(ctx, req)
	if err != nil {
		l.slots.Release(1)
		return nil, err
	}

	out := make(chan scan.Event)
	go func() {
		defer close(out)
		defer l.slots.Release(1)
		for ev := range inner {
			select {
			case out <- ev:
			case <-ctx.Done():
				for range inner {
				}
				return
			}
		}
	}()
	return out, nil
}
