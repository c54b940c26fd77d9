// Package chain provides the monotonic height reference delegate expiry is
// measured against.
package chain

import (
	"context"
	"sync/atomic"

	xerrors "vaultd/internal/errors"
)

// CodeUnavailable marks transient failures reaching the height source.
// They are retryable: the node usually comes back.
const CodeUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "chain height source unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// HeightSource reports the current value of an external monotonic counter
// (a block height). The engine reads it at check time and never caches the
// result across instructions.
type HeightSource interface {
	Height(ctx context.Context) (uint64, error)
}

// ManualSource is a height counter advanced by the host. It backs tests
// and deployments where the ordering layer feeds heights in-band.
type ManualSource struct {
	height atomic.Uint64
}

// NewManualSource creates a ManualSource starting at the given height.
func NewManualSource(start uint64) *ManualSource {
	s := &ManualSource{}
	s.height.Store(start)
	return s
}

// Height implements HeightSource.
func (s *ManualSource) Height(_ context.Context) (uint64, error) {
	return s.height.Load(), nil
}

// Advance moves the counter forward by delta and returns the new height.
func (s *ManualSource) Advance(delta uint64) uint64 {
	return s.height.Add(delta)
}

// Set moves the counter to the given height. Moving backwards is the
// caller's bug; the source does not police it.
func (s *ManualSource) Set(height uint64) {
	s.height.Store(height)
}

var _ HeightSource = (*ManualSource)(nil)
