package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wesm/annoreports/internal/timeutil"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	ResultTTL time.Duration
	// LeaseTTL is how long a started request stays claimed
	// without a heartbeat.
	LeaseTTL time.Duration
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const (
	connectionTimeout = 5 * time.Second
	defaultPrefix     = "annoreports:"
	defaultResultTTL  = 24 * time.Hour
	defaultLeaseTTL   = time.Minute
)

// enqueueScript creates the record and pushes its id unless an
// active record exists. A started record without a lease, or a
// queued one whose id is no longer in the list, was abandoned by
// a dead worker and is replaced. Returns 1 when enqueued.
var enqueueScript = redis.NewScript(`
local st = redis.call("HGET", KEYS[1], "status")
if st == "started" and redis.call("EXISTS", KEYS[3]) == 1 then
	return 0
end
if st == "queued" and redis.call("LPOS", KEYS[2], ARGV[1]) then
	return 0
end
redis.call("DEL", KEYS[1], KEYS[3])
redis.call("HSET", KEYS[1],
	"id", ARGV[1], "attempt", ARGV[2], "payload", ARGV[3],
	"status", "queued", "enqueued_at", ARGV[4])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// startScript marks a popped record started if it is still
// queued and takes the lease for its attempt. Returns 1 on
// success.
var startScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "queued" then
	return 0
end
redis.call("HSET", KEYS[1], "status", "started", "started_at", ARGV[1])
local attempt = redis.call("HGET", KEYS[1], "attempt")
redis.call("SET", KEYS[2], attempt, "PX", ARGV[2])
return 1
`)

// heartbeatScript renews the lease while the record is still
// the started attempt ARGV[1]. Returns 0 once it was replaced.
var heartbeatScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "started" or
	redis.call("HGET", KEYS[1], "attempt") ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
return 1
`)

// Redis is a Queue shared by processes through Redis. Records
// are hashes under <prefix>job:<id>; queued ids wait in the
// list <prefix>queue. A started record is claimed by the
// expiring key <prefix>lease:<id>, which its worker renews.
type Redis struct {
	client    *redis.Client
	prefix    string
	resultTTL time.Duration
	leaseTTL  time.Duration
	now       func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Redis{
		client:    client,
		prefix:    cfg.Prefix,
		resultTTL: cfg.ResultTTL,
		leaseTTL:  cfg.LeaseTTL,
		now:       time.Now,
	}
}

func (r *Redis) jobKey(id string) string   { return r.prefix + "job:" + id }
func (r *Redis) leaseKey(id string) string { return r.prefix + "lease:" + id }
func (r *Redis) listKey() string           { return r.prefix + "queue" }

func (r *Redis) Enqueue(
	ctx context.Context, id string, payload []byte,
) (Job, bool, error) {
	created, err := enqueueScript.Run(ctx, r.client,
		[]string{r.jobKey(id), r.listKey(), r.leaseKey(id)},
		id, uuid.NewString(), string(payload), timeutil.Format(r.now()),
	).Int()
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueueing %s: %w", id, err)
	}
	j, err := r.Fetch(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	return j, created == 1, nil
}

func (r *Redis) Fetch(ctx context.Context, id string) (Job, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("fetching %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNoSuchJob)
	}
	return decodeJob(fields)
}

func decodeJob(f map[string]string) (Job, error) {
	j := Job{
		ID:        f["id"],
		AttemptID: f["attempt"],
		Payload:   []byte(f["payload"]),
		Status:    Status(f["status"]),
		Error:     f["error"],
	}
	for _, ts := range []struct {
		field string
		dst   *time.Time
	}{
		{"enqueued_at", &j.EnqueuedAt},
		{"started_at", &j.StartedAt},
		{"ended_at", &j.EndedAt},
	} {
		if f[ts.field] == "" {
			continue
		}
		t, err := timeutil.Parse(f[ts.field])
		if err != nil {
			return Job{}, fmt.Errorf("parsing %s of %s: %w", ts.field, j.ID, err)
		}
		*ts.dst = t
	}
	return j, nil
}

func (r *Redis) Dequeue(ctx context.Context, wait time.Duration) (Job, error) {
	deadline := r.now().Add(wait)
	for {
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return Job{}, ErrEmpty
		}
		// BRPOP blocks in whole seconds.
		remaining = max(remaining.Round(time.Second), time.Second)
		res, err := r.client.BRPop(ctx, remaining, r.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrEmpty
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeueing: %w", err)
		}
		id := res[1]
		ok, err := startScript.Run(ctx, r.client,
			[]string{r.jobKey(id), r.leaseKey(id)},
			timeutil.Format(r.now()), r.leaseTTL.Milliseconds(),
		).Int()
		if err != nil {
			return Job{}, fmt.Errorf("starting %s: %w", id, err)
		}
		if ok == 0 {
			continue
		}
		return r.Fetch(ctx, id)
	}
}

func (r *Redis) Finish(ctx context.Context, id string, failure error) error {
	status, msg := StatusFinished, ""
	if failure != nil {
		status, msg = StatusFailed, failure.Error()
	}
	key := r.jobKey(id)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("finishing %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNoSuchJob)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"status", string(status),
			"error", msg,
			"ended_at", timeutil.Format(r.now()),
		)
		p.Expire(ctx, key, r.resultTTL)
		p.Del(ctx, r.leaseKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("finishing %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Heartbeat(ctx context.Context, j Job) error {
	ok, err := heartbeatScript.Run(ctx, r.client,
		[]string{r.jobKey(j.ID), r.leaseKey(j.ID)},
		j.AttemptID, r.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("renewing lease of %s: %w", j.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%s: %w", j.ID, ErrLeaseLost)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
