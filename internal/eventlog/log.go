// Package eventlog is a durable append-only log split into a fixed number of
// partitions. Records with the same key always land in the same partition,
// so their relative order is preserved. Consumers track their position per
// partition with committed offsets and may see a record more than once.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/kubilitics/kubilitics-orchestrator/internal/db"
)

// ErrNoPartition is returned for partition numbers outside the log.
var ErrNoPartition = errors.New("partition out of range")

// Record is one entry read back from a partition.
type Record = db.IntakeRecord

// Log appends to and reads from the partitions of one durable log.
type Log struct {
	store      db.IntakeLogStore
	partitions int
}

// New creates a log with the given partition count. Changing the count
// later moves keys to different partitions.
func New(store db.IntakeLogStore, partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	return &Log{store: store, partitions: partitions}
}

// Partitions returns the partition count.
func (l *Log) Partitions() int { return l.partitions }

// PartitionFor maps a key to its partition.
func (l *Log) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(l.partitions))
}

// Append writes payload under key and returns where it was stored.
func (l *Log) Append(ctx context.Context, key string, payload []byte) (partition int, offset int64, err error) {
	partition = l.PartitionFor(key)
	offset, err = l.store.AppendIntake(ctx, partition, key, payload)
	if err != nil {
		return 0, 0, err
	}
	return partition, offset, nil
}

// Read returns up to limit records of partition with offsets after the given one.
func (l *Log) Read(ctx context.Context, partition int, after int64, limit int) ([]Record, error) {
	if err := l.check(partition); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return l.store.ReadIntake(ctx, partition, after, limit)
}

// Commit records that group has handled every record of partition up to
// and including offset.
func (l *Log) Commit(ctx context.Context, group string, partition int, offset int64) error {
	if err := l.check(partition); err != nil {
		return err
	}
	return l.store.CommitIntakeOffset(ctx, group, partition, offset)
}

// Committed returns the last offset group committed for partition, or 0.
func (l *Log) Committed(ctx context.Context, group string, partition int) (int64, error) {
	if err := l.check(partition); err != nil {
		return 0, err
	}
	return l.store.IntakeOffset(ctx, group, partition)
}

// DeadLetter parks a record that can never be processed.
func (l *Log) DeadLetter(ctx context.Context, rec Record, reason string) error {
	return l.store.AppendDeadLetter(ctx, rec, reason)
}

// DeadLetters lists parked records, newest first.
func (l *Log) DeadLetters(ctx context.Context, limit int) ([]*db.DeadLetter, error) {
	return l.store.ListDeadLetters(ctx, limit)
}

func (l *Log) check(partition int) error {
	if partition < 0 || partition >= l.partitions {
		return fmt.Errorf("%w: %d of %d", ErrNoPartition, partition, l.partitions)
	}
	return nil
}
