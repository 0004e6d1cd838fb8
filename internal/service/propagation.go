package service

import (
	"classroom_sync_backend/pkg/logger"
	"classroom_sync_backend/pkg/monitoring"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("propagation queue is full")

// PropagationQueue 本地写入提交后，把单元交给后台推送到远端。
// 投递失败不影响本地写入，写日志会在下一次同步时补推。
type PropagationQueue interface {
	Enqueue(ctx context.Context, unit UnitKey) error
	// Run 阻塞直到 ctx 结束
	Run(ctx context.Context, workers int, handle func(ctx context.Context, unit UnitKey) error) error
}

// ChannelQueue 进程内队列
type ChannelQueue struct {
	ch chan UnitKey
}

func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 256
	}
	return &ChannelQueue{ch: make(chan UnitKey, size)}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, unit UnitKey) error {
	select {
	case q.ch <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *ChannelQueue) Run(ctx context.Context, workers int, handle func(ctx context.Context, unit UnitKey) error) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case unit := <-q.ch:
					runHandle(ctx, unit, handle)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// RedisStreamQueue 基于 Redis Stream 与消费组，多实例共享同一队列
type RedisStreamQueue struct {
	Redis  *redis.Client
	Stream string
	Group  string
	Batch  int64
	Block  time.Duration
}

func NewRedisStreamQueue(rdb *redis.Client, stream, group string) *RedisStreamQueue {
	return &RedisStreamQueue{
		Redis:  rdb,
		Stream: stream,
		Group:  group,
		Batch:  16,
		Block:  2 * time.Second,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, unit UnitKey) error {
	return q.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"unit": string(unit)},
	}).Err()
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context) error {
	err := q.Redis.XGroupCreateMkStream(ctx, q.Stream, q.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisStreamQueue) Run(ctx context.Context, workers int, handle func(ctx context.Context, unit UnitKey) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("consumer-%d-%d", time.Now().UnixNano(), i)
		go func() {
			defer wg.Done()
			q.consume(ctx, consumer, handle)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisStreamQueue) consume(ctx context.Context, consumer string, handle func(ctx context.Context, unit UnitKey) error) {
	for ctx.Err() == nil {
		// 批量读取
		streams, err := q.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.Group,
			Consumer: consumer,
			Streams:  []string{q.Stream, ">"},
			Count:    q.Batch,
			Block:    q.Block,
		}).Result()
		if err != nil || len(streams) == 0 {
			if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Log.Warn("Read propagation stream failed", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}

		var ids []string
		for _, xmsg := range streams[0].Messages {
			if unit, ok := xmsg.Values["unit"].(string); ok {
				runHandle(ctx, UnitKey(unit), handle)
			}
			ids = append(ids, xmsg.ID)
		}
		// 失败的单元由写日志兜底，这里统一确认
		if len(ids) > 0 {
			q.Redis.XAck(context.WithoutCancel(ctx), q.Stream, q.Group, ids...)
		}
	}
}

func runHandle(ctx context.Context, unit UnitKey, handle func(ctx context.Context, unit UnitKey) error) {
	if err := handle(ctx, unit); err != nil {
		monitoring.Propagations.WithLabelValues("failed").Inc()
		logger.Log.Warn("Propagation failed, will retry on next sync",
			zap.String("unit", string(unit)), zap.Error(err))
		return
	}
	monitoring.Propagations.WithLabelValues("pushed").Inc()
}

// Propagator 消费队列，把单元的写日志推送到远端
type Propagator struct {
	Queue      PropagationQueue
	Reconciler *Reconciler
	Workers    int
}

func NewPropagator(queue PropagationQueue, reconciler *Reconciler, workers int) *Propagator {
	return &Propagator{Queue: queue, Reconciler: reconciler, Workers: workers}
}

// Notify 投递失败只记录日志
func (p *Propagator) Notify(ctx context.Context, units ...UnitKey) {
	if p == nil || p.Queue == nil {
		return
	}
	for _, unit := range units {
		if err := p.Queue.Enqueue(ctx, unit); err != nil {
			monitoring.Propagations.WithLabelValues("dropped").Inc()
			logger.Log.Warn("Enqueue propagation failed", zap.String("unit", string(unit)), zap.Error(err))
		}
	}
}

func (p *Propagator) Start(ctx context.Context) {
	go func() {
		err := p.Queue.Run(ctx, p.Workers, p.Reconciler.Push)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error("Propagation workers stopped", zap.Error(err))
		}
	}()
}
