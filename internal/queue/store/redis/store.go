// Package redis provides the Redis-backed job store. Jobs are JSON blobs
// keyed by id; per-priority lists, a delayed zset, an active set, and
// per-terminal-state zsets index them so claiming, promotion, and purging
// never scan the keyspace. Index moves run as Lua scripts so two workers
// can never claim the same job.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"healthex/internal/queue"
	"healthex/pkg/platform/sentinel"
)

const (
	jobKeyPrefix = "healthex:queue:job:"
	waitingKey   = "healthex:queue:waiting:" // + priority
	delayedKey   = "healthex:queue:delayed"
	activeKey    = "healthex:queue:active"
	completedKey = "healthex:queue:completed"
	failedKey    = "healthex:queue:failed"
	seqKey       = "healthex:queue:seq"
)

// enqueueScript inserts the job unless an in-flight one already exists
// under the same id. Returns the stored JSON and whether it was inserted.
var enqueueScript = goredis.NewScript(`
local jobKey = KEYS[1]
local existing = redis.call('GET', jobKey)
if existing then
	local job = cjson.decode(existing)
	local st = job['state']
	if st == 'WAITING' or st == 'ACTIVE' or st == 'DELAYED' then
		return {existing, 0}
	end
	-- terminal leftover under the same id is replaced
	redis.call('ZREM', KEYS[4], job['id'])
	redis.call('ZREM', KEYS[5], job['id'])
end
redis.call('SET', jobKey, ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
return {ARGV[1], 1}
`)

// claimScript pops the oldest id from the first non-empty priority list and
// marks it active. The job JSON is rewritten by the caller; holding the id
// in the active set is what makes a crash recoverable.
var claimScript = goredis.NewScript(`
for i = 2, #KEYS do
	local id = redis.call('LPOP', KEYS[i])
	if id then
		redis.call('SADD', KEYS[1], id)
		return id
	end
end
return false
`)

// updateScript rewrites the job JSON and moves its id to the index matching
// the new state.
var updateScript = goredis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
local state = ARGV[3]
if state == 'DELAYED' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
elseif state == 'WAITING' then
	redis.call('RPUSH', KEYS[4], ARGV[2])
elseif state == 'COMPLETED' then
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[2])
elseif state == 'FAILED' then
	redis.call('ZADD', KEYS[6], ARGV[4], ARGV[2])
end
return 1
`)

// Store is the Redis implementation of queue.Store.
type Store struct {
	client *goredis.Client
}

func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, bool, error) {
	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("allocating sequence: %w", err)
	}
	j := *job
	j.Seq = uint64(seq)

	raw, err := json.Marshal(&j)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling job: %w", err)
	}
	keys := []string{
		jobKeyPrefix + j.ID,
		waitingKey + j.Priority.String(),
		activeKey,
		completedKey,
		failedKey,
	}
	res, err := enqueueScript.Run(ctx, s.client, keys, raw, j.ID).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("enqueueing job: %w", err)
	}
	stored, err := decodeJob(res[0])
	if err != nil {
		return nil, false, err
	}
	inserted, _ := res[1].(int64)
	return stored, inserted == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	raw, err := s.client.Get(ctx, jobKeyPrefix+id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	return decodeJob(raw)
}

func (s *Store) Claim(ctx context.Context, now time.Time) (*queue.Job, error) {
	keys := []string{activeKey}
	for _, p := range queue.Priorities {
		keys = append(keys, waitingKey+p.String())
	}
	id, err := claimScript.Run(ctx, s.client, keys).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = queue.StateActive
	job.UpdatedAt = now
	if err := s.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) Update(ctx context.Context, job *queue.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	var score int64
	switch job.State {
	case queue.StateDelayed:
		score = job.RunAt.UnixMilli()
	case queue.StateCompleted, queue.StateFailed:
		// indexed by purge deadline so PurgeTerminal is a range query
		score = job.FinishedAt.Add(queue.RetentionFor(job.Type)).UnixMilli()
	}
	keys := []string{
		jobKeyPrefix + job.ID,
		activeKey,
		delayedKey,
		waitingKey + job.Priority.String(),
		completedKey,
		failedKey,
	}
	_, err = updateScript.Run(ctx, s.client, keys,
		raw, job.ID, job.State.String(), score).Result()
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	keys := make([]string, 0, 5)
	keys = append(keys, jobKeyPrefix+id)
	keys = append(keys, waitingListKeys()...)
	keys = append(keys, delayedKey)

	res, err := removeScript.Run(ctx, s.client, keys).Text()
	if err != nil {
		return fmt.Errorf("removing job %s: %w", id, err)
	}
	switch res {
	case "removed":
		return nil
	case "active":
		return sentinel.ErrInvalidState
	default:
		return sentinel.ErrNotFound
	}
}

// removeScript deletes a WAITING or DELAYED job. It resolves the priority
// from the job record itself, so every tier's list key is passed in and the
// delayed zset comes last.
var removeScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 'missing'
end
local job = cjson.decode(raw)
local state = job['state']
if state == 'ACTIVE' then
	return 'active'
end
if state == 'WAITING' then
	for i = 2, #KEYS - 1 do
		redis.call('LREM', KEYS[i], 1, job['id'])
	end
	redis.call('DEL', KEYS[1])
	return 'removed'
end
if state == 'DELAYED' then
	redis.call('ZREM', KEYS[#KEYS], job['id'])
	redis.call('DEL', KEYS[1])
	return 'removed'
end
return 'missing'
`)

func (s *Store) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	due, err := s.client.ZRangeByScore(ctx, delayedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}
	promoted := 0
	for _, id := range due {
		job, err := s.Get(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.client.ZRem(ctx, delayedKey, id)
			continue
		}
		if err != nil {
			return promoted, err
		}
		if job.State != queue.StateDelayed {
			s.client.ZRem(ctx, delayedKey, id)
			continue
		}
		if removed, err := s.client.ZRem(ctx, delayedKey, id).Result(); err != nil {
			return promoted, fmt.Errorf("promoting job %s: %w", id, err)
		} else if removed == 0 {
			// lost the race to another scheduler
			continue
		}
		seq, err := s.client.Incr(ctx, seqKey).Result()
		if err != nil {
			return promoted, fmt.Errorf("allocating sequence: %w", err)
		}
		job.Seq = uint64(seq)
		job.State = queue.StateWaiting
		job.RunAt = time.Time{}
		job.UpdatedAt = now
		if err := s.Update(ctx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (s *Store) RecoverActive(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing active jobs: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.client.SRem(ctx, activeKey, id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		job.State = queue.StateWaiting
		if err := s.Update(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (s *Store) PurgeTerminal(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	for _, key := range []string{completedKey, failedKey} {
		ids, err := s.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixMilli()),
		}).Result()
		if err != nil {
			return purged, fmt.Errorf("listing purgeable jobs: %w", err)
		}
		for _, id := range ids {
			if err := s.client.Del(ctx, jobKeyPrefix+id).Err(); err != nil {
				return purged, fmt.Errorf("purging job %s: %w", id, err)
			}
			s.client.ZRem(ctx, key, id)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) CountByState(ctx context.Context) (map[queue.State]int, error) {
	counts := make(map[queue.State]int)
	for _, p := range queue.Priorities {
		n, err := s.client.LLen(ctx, waitingKey+p.String()).Result()
		if err != nil {
			return nil, fmt.Errorf("counting waiting jobs: %w", err)
		}
		counts[queue.StateWaiting] += int(n)
	}
	for key, state := range map[string]queue.State{
		activeKey:    queue.StateActive,
		completedKey: queue.StateCompleted,
		failedKey:    queue.StateFailed,
	} {
		var n int64
		var err error
		if key == activeKey {
			n, err = s.client.SCard(ctx, key).Result()
		} else {
			n, err = s.client.ZCard(ctx, key).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("counting %s jobs: %w", state, err)
		}
		counts[state] = int(n)
	}
	n, err := s.client.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("counting delayed jobs: %w", err)
	}
	counts[queue.StateDelayed] = int(n)
	return counts, nil
}

func waitingListKeys() []string {
	keys := make([]string, 0, len(queue.Priorities))
	for _, p := range queue.Priorities {
		keys = append(keys, waitingKey+p.String())
	}
	return keys
}

func decodeJob(v any) (*queue.Job, error) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return nil, fmt.Errorf("unexpected job payload type %T", v)
	}
	var job queue.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}
