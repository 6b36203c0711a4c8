package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
)

// promoteScript performs the conditional remove-then-push atomically
// (spec §4.D): a member is promoted at most once even if two sweepers
// race on the same ZRANGEBYSCORE snapshot, because only the ZREM that
// actually removes the member goes on to push it.
var promoteScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return removed
`)

// SweepSet names which delayed sorted set a Sweep call drains.
type SweepSet string

const (
	// SweepSchedule drains the schedule set (spec's enqueue_in/at).
	SweepSchedule SweepSet = "schedule"
	// SweepRetry drains the retry set (spec's retry engine re-insertions).
	SweepRetry SweepSet = "retry"
)

func (b *Broker) setKey(set SweepSet) string {
	switch set {
	case SweepRetry:
		return b.retryKey()
	default:
		return b.scheduleKey()
	}
}

// Sweep promotes due entries (score <= now) from the named sorted set
// into their target queue lists, up to batchSize entries. It returns
// the count of members successfully promoted. A decode failure on a
// member moves it to the corrupt set instead of a queue, and still
// counts toward removal from the source set but not toward the
// returned promotion count.
func (b *Broker) Sweep(ctx context.Context, set SweepSet, batchSize int64) (int, error) {
	setKey := b.setKey(set)
	now := job.EpochNow()

	members, err := b.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, member := range members {
		j, decodeErr := job.Decode([]byte(member))
		if decodeErr != nil {
			if err := b.demoteCorrupt(ctx, setKey, member, now); err != nil {
				return promoted, err
			}
			continue
		}

		removed, err := promoteScript.Run(ctx, b.client, []string{setKey, b.queueKey(j.Queue)}, member).Int()
		if err != nil {
			return promoted, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
		}
		if removed == 1 {
			promoted++
		}
	}

	return promoted, nil
}

// demoteCorrupt atomically moves a member that failed to decode from
// its source sorted set to the corrupt set, scored now, using the same
// conditional-ZREM guard so concurrent sweepers don't double-count it.
func (b *Broker) demoteCorrupt(ctx context.Context, sourceKey, member string, now float64) error {
	script := redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return removed
`)
	_, err := script.Run(ctx, b.client, []string{sourceKey, b.corruptKey()}, member, now).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// SweepInterval jitters a base interval by +/-50%, matching the
// sweeper's default tick jitter (spec §4.D).
func SweepInterval(base time.Duration, rnd func() float64) time.Duration {
	jitter := 1.0 + (rnd()*2-1)*0.5 // rnd() in [0,1) -> factor in [0.5, 1.5)
	return time.Duration(float64(base) * jitter)
}

// CorruptCount reports the size of the corrupt set, for tests and
// operational visibility.
func (b *Broker) CorruptCount(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, b.corruptKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", emerrors.ErrBrokerUnavailable, err)
	}
	return n, nil
}
