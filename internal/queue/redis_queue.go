package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/models"
)

// RedisQueue coordinates the ready, in-flight, and scheduled queues for one
// agent type. Each agent type owns an independent queue family; within a
// family jobs pop in priority order, FIFO within a priority.
type RedisQueue struct {
	client         *redis.Client
	agentType      models.AgentType
	priorityQueues []string
	visibilityTTL  time.Duration
}

// NewRedisQueue builds a queue client for one agent type from config.
func NewRedisQueue(client *redis.Client, agentType models.AgentType, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &RedisQueue{
		client:         client,
		agentType:      agentType,
		priorityQueues: priorities,
		visibilityTTL:  visibility,
	}
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// AgentType returns the agent type this queue family serves.
func (q *RedisQueue) AgentType() models.AgentType { return q.agentType }

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:%s:ready:%s", q.agentType, priority)
}

func (q *RedisQueue) scheduledKey() string {
	return fmt.Sprintf("queue:%s:scheduled", q.agentType)
}

func (q *RedisQueue) inflightKey() string {
	return fmt.Sprintf("queue:%s:inflight", q.agentType)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return fmt.Sprintf("queue:%s:jobmeta:%s", q.agentType, jobID)
}

func (q *RedisQueue) normalizePriority(priority string) string {
	for _, p := range q.priorityQueues {
		if p == priority {
			return priority
		}
	}
	return "default"
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.normalizePriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution (delayed
// submission or retry backoff).
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.normalizePriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places it
// into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets. It reports
// whether the job was found anywhere in the queue family, i.e. it had not
// already been claimed and acked.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	pipe := q.client.TxPipeline()
	readyRems := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		readyRems = append(readyRems, pipe.LRem(ctx, q.readyKey(p), 0, jobID))
	}
	inflightRem := pipe.ZRem(ctx, q.inflightKey(), jobID)
	scheduledRem := pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	var removed int64
	for _, c := range readyRems {
		removed += c.Val()
	}
	removed += inflightRem.Val() + scheduledRem.Val()
	return removed > 0, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
