package quota

import (
	"context"
	"errors"
	"fmt"

	"jackdisk/internal/domain/objectstore"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrInvalidSize   = errors.New("invalid size")
)

// Snapshot is a point-in-time view of storage usage. It is derived from a listing
// and never persisted.
type Snapshot struct {
	UsedBytes      int64   `json:"used_bytes"`
	CapacityBytes  int64   `json:"capacity_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
	ObjectCount    int     `json:"object_count"`
}

// ExceededError carries the numbers behind a denial.
type ExceededError struct {
	Requested int64
	Snapshot  Snapshot
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: requested=%d used=%d capacity=%d",
		e.Requested, e.Snapshot.UsedBytes, e.Snapshot.CapacityBytes)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Gate admits uploads while used+requested stays within capacity.
//
// The check is advisory: nothing is reserved between Admit and the eventual commit,
// so concurrent admissions can jointly overshoot capacity.
type Gate struct {
	store    objectstore.Store
	capacity int64
}

func NewGate(store objectstore.Store, capacityBytes int64) *Gate {
	return &Gate{store: store, capacity: capacityBytes}
}

func (g *Gate) Capacity() int64 { return g.capacity }

func (g *Gate) Usage(ctx context.Context) (Snapshot, error) {
	objects, err := objectstore.ListLive(ctx, g.store)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to compute usage: %w", err)
	}
	var used int64
	for _, o := range objects {
		used += o.Size
	}
	return newSnapshot(used, g.capacity, len(objects)), nil
}

func (g *Gate) Admit(ctx context.Context, estimatedBytes int64) error {
	if estimatedBytes < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, estimatedBytes)
	}
	snap, err := g.Usage(ctx)
	if err != nil {
		return err
	}
	if snap.UsedBytes+estimatedBytes > snap.CapacityBytes {
		return &ExceededError{Requested: estimatedBytes, Snapshot: snap}
	}
	return nil
}

func newSnapshot(used, capacity int64, count int) Snapshot {
	available := capacity - used
	if available < 0 {
		available = 0
	}
	var percent float64
	if capacity > 0 {
		percent = float64(used) / float64(capacity) * 100
	}
	return Snapshot{
		UsedBytes:      used,
		CapacityBytes:  capacity,
		AvailableBytes: available,
		UsagePercent:   percent,
		ObjectCount:    count,
	}
}
