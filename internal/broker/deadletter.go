package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
)

// AddDead inserts a job into the dead set scored by now, then trims
// the set to the smaller of sizeCap and entries newer than retention
// (spec §4.G). sizeCap <= 0 disables the size trim; retention <= 0
// disables the age trim.
func (b *Broker) AddDead(ctx context.Context, j *job.Job, sizeCap int, retention time.Duration) error {
	data, err := j.Encode()
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}

	now := job.EpochNow()
	pipe := b.client.Pipeline()
	pipe.ZAdd(ctx, b.deadKey(), redis.Z{Score: now, Member: data})
	if retention > 0 {
		cutoff := now - retention.Seconds()
		pipe.ZRemRangeByScore(ctx, b.deadKey(), "-inf", fmt.Sprintf("%f", cutoff))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}

	if sizeCap > 0 {
		if err := b.trimDeadToSize(ctx, sizeCap); err != nil {
			return err
		}
	}
	return nil
}

// trimDeadToSize removes the oldest entries so the dead set never
// exceeds sizeCap members (spec §8 property 6: dead set never exceeds
// size_cap + batch_size).
func (b *Broker) trimDeadToSize(ctx context.Context, sizeCap int) error {
	count, err := b.client.ZCard(ctx, b.deadKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	if count <= int64(sizeCap) {
		return nil
	}
	// Remove the lowest-scored (oldest) excess entries by rank.
	excess := count - int64(sizeCap)
	if err := b.client.ZRemRangeByRank(ctx, b.deadKey(), 0, excess-1).Err(); err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// DeadCount reports the current size of the dead set.
func (b *Broker) DeadCount(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, b.deadKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return n, nil
}

// DeadEntries returns up to limit dead-set members (most recently
// dead-lettered first), decoded as jobs. Malformed entries are skipped.
func (b *Broker) DeadEntries(ctx context.Context, limit int64) ([]*job.Job, error) {
	raw, err := b.client.ZRevRangeWithScores(ctx, b.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}

	jobs := make([]*job.Job, 0, len(raw))
	for _, z := range raw {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		j, err := job.Decode([]byte(member))
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
