package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger shares one ledger across pipeline replicas. The reserve path
// is a single Lua script so check and increment cannot interleave with a
// concurrent caller.
type RedisLedger struct {
	client *redis.Client
	caps   Caps
	prefix string
	now    func() time.Time
}

func NewRedisLedger(client *redis.Client, caps Caps, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "cost"
	}
	return &RedisLedger{client: client, caps: caps, prefix: prefix, now: time.Now}
}

// Keys: {prefix}:day:{2006-01-02}, {prefix}:month:{2006-01}.
// TTLs comfortably outlive the period so counters expire on their own.
const (
	dayTTLSeconds   = 2 * 24 * 60 * 60
	monthTTLSeconds = 40 * 24 * 60 * 60
)

var reserveScript = redis.NewScript(`
	local units = tonumber(ARGV[1])
	local dcap = tonumber(ARGV[2])
	local mcap = tonumber(ARGV[3])
	local day = tonumber(redis.call("GET", KEYS[1]) or "0")
	local month = tonumber(redis.call("GET", KEYS[2]) or "0")
	if dcap > 0 and day + units > dcap then
		return {0, "day", day, month}
	end
	if mcap > 0 and month + units > mcap then
		return {0, "month", day, month}
	end
	day = redis.call("INCRBY", KEYS[1], units)
	if day == units then
		redis.call("EXPIRE", KEYS[1], ARGV[4])
	end
	month = redis.call("INCRBY", KEYS[2], units)
	if month == units then
		redis.call("EXPIRE", KEYS[2], ARGV[5])
	end
	return {1, "ok", day, month}
`)

var refundScript = redis.NewScript(`
	local units = tonumber(ARGV[1])
	local day = tonumber(redis.call("GET", KEYS[1]) or "0")
	local month = tonumber(redis.call("GET", KEYS[2]) or "0")
	if day > 0 then
		redis.call("DECRBY", KEYS[1], math.min(units, day))
	end
	if month > 0 then
		redis.call("DECRBY", KEYS[2], math.min(units, month))
	end
	return 1
`)

func (l *RedisLedger) keys() []string {
	t := l.now()
	return []string{
		fmt.Sprintf("%s:day:%s", l.prefix, dayKey(t)),
		fmt.Sprintf("%s:month:%s", l.prefix, monthKey(t)),
	}
}

func (l *RedisLedger) Reserve(ctx context.Context, units int64) (Decision, error) {
	res, err := reserveScript.Run(ctx, l.client, l.keys(),
		units, l.caps.Daily, l.caps.Monthly, dayTTLSeconds, monthTTLSeconds).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrLedgerUnavailable)
	}

	allowed := res[0].(int64) == 1
	daySpend := res[2].(int64)
	monthSpend := res[3].(int64)

	dec := Decision{
		Allowed:        allowed,
		DaySpend:       daySpend,
		MonthSpend:     monthSpend,
		DayRemaining:   -1,
		MonthRemaining: -1,
	}
	if !allowed {
		dec.Period, _ = res[1].(string)
	}
	if l.caps.Daily > 0 {
		dec.DayRemaining = l.caps.Daily - daySpend
	}
	if l.caps.Monthly > 0 {
		dec.MonthRemaining = l.caps.Monthly - monthSpend
	}
	return dec, nil
}

func (l *RedisLedger) Refund(ctx context.Context, units int64) error {
	if err := refundScript.Run(ctx, l.client, l.keys(), units).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

func (l *RedisLedger) Snapshot(ctx context.Context) (Snapshot, error) {
	keys := l.keys()
	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	t := l.now()
	snap := Snapshot{Day: dayKey(t), Month: monthKey(t), Caps: l.caps}
	snap.DaySpend = parseCounter(vals[0])
	snap.MonthSpend = parseCounter(vals[1])
	return snap, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
