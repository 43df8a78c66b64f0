package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"homework-grader/internal/config"
	"homework-grader/internal/grading"
)

// RedisQueue hands grading tasks from the API to worker processes. A task
// moves ready -> inflight on dequeue and is returned to ready if its lease
// expires before Ack; after maxDeliveries leases it is parked on the dead list.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	deliveriesKey string
	deadKey       string
	visibilityTTL time.Duration
	maxDeliveries int
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "grading"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 3 * time.Minute
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 3
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		deliveriesKey: fmt.Sprintf("queue:%s:deliveries", name),
		deadKey:       fmt.Sprintf("queue:%s:dead", name),
		visibilityTTL: visibility,
		maxDeliveries: maxDeliveries,
	}
}

func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Dispatch implements grading.Dispatcher.
func (q *RedisQueue) Dispatch(ctx context.Context, task grading.Task) error {
	return q.Enqueue(ctx, task)
}

// Enqueue appends a task to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, task grading.Task) error {
	member, err := encode(task)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.readyKey, member).Err()
}

// DequeueWithLease pops the oldest ready task and leases it for the visibility
// timeout. ok is false when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (task grading.Task, ok bool, err error) {
	keys := []string{q.readyKey, q.inflightKey, q.deliveriesKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return grading.Task{}, false, nil
	}
	if err != nil {
		return grading.Task{}, false, err
	}
	member, isString := res.(string)
	if !isString {
		return grading.Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err = decode(member)
	if err != nil {
		return grading.Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
// It does nothing if the lease was already reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, task grading.Task, extension time.Duration) error {
	member, err := encode(task)
	if err != nil {
		return err
	}
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: member,
	}).Err()
}

// Ack removes a task from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, task grading.Task) error {
	member, err := encode(task)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.HDel(ctx, q.deliveriesKey, member)
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out. Tasks that used up their
// deliveries are moved to the dead list and returned so the caller can record
// the failure.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued int, dead []grading.Task, err error) {
	keys := []string{q.inflightKey, q.readyKey, q.deliveriesKey, q.deadKey}
	res, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), limit, q.maxDeliveries).Result()
	if err != nil {
		return 0, nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, fmt.Errorf("unexpected reply from requeue script: %v", res)
	}
	n, _ := arr[0].(int64)
	for _, v := range arr[1:] {
		member, _ := v.(string)
		task, err := decode(member)
		if err != nil {
			return int(n), dead, err
		}
		dead = append(dead, task)
	}
	return int(n), dead, nil
}

// DeadLetters reads up to count parked tasks, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]grading.Task, error) {
	members, err := q.client.LRange(ctx, q.deadKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]grading.Task, 0, len(members))
	for _, m := range members {
		task, err := decode(m)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ReadyDepth returns the number of tasks waiting to be leased.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

func encode(task grading.Task) (string, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(b), nil
}

func decode(member string) (grading.Task, error) {
	var task grading.Task
	if err := json.Unmarshal([]byte(member), &task); err != nil {
		return grading.Task{}, fmt.Errorf("decode task %q: %w", member, err)
	}
	return task, nil
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if not task then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], task)
redis.call('HINCRBY', KEYS[3], task, 1)
return task
`)

var requeueScript = redis.NewScript(`
local inflight, ready, deliveries, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local max = tonumber(ARGV[3])
local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {0}
for _, task in ipairs(expired) do
  redis.call('ZREM', inflight, task)
  local n = tonumber(redis.call('HGET', deliveries, task) or '0')
  if n >= max then
    redis.call('HDEL', deliveries, task)
    redis.call('RPUSH', dead, task)
    table.insert(out, task)
  else
    redis.call('RPUSH', ready, task)
    out[1] = out[1] + 1
  end
end
return out
`)
