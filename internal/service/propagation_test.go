package service

import (
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestChannelQueue_FullQueueRejects(t *testing.T) {
	q := NewChannelQueue(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, ProgressUnit("s1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, ProgressUnit("s2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestChannelQueue_RunDeliversUnits(t *testing.T) {
	q := NewChannelQueue(8)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	seen := make(map[UnitKey]int)
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, 2, func(ctx context.Context, unit UnitKey) error {
			mu.Lock()
			seen[unit]++
			mu.Unlock()
			return nil
		})
	}()

	units := []UnitKey{ProgressUnit("s1"), ConversationUnit("c1"), ProgressUnit("s1")}
	for _, u := range units {
		if err := q.Enqueue(ctx, u); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[ProgressUnit("s1")] == 2 && seen[ConversationUnit("c1")] == 1
	}) {
		t.Fatalf("units not delivered: %v", seen)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPropagator_PushesJournal(t *testing.T) {
	env := newTestEnv(t)
	seedMiniGame(t, env.db, "g1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	propagator := NewPropagator(NewChannelQueue(0), env.reconciler, 1)
	propagator.Start(ctx)
	svc := env.submissions()
	svc.Propagator = propagator

	sub, err := svc.Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	syncRepo := repository.NewSyncRepository(env.db)
	if !waitFor(t, 2*time.Second, func() bool {
		n, _ := syncRepo.CountPending()
		return n == 0
	}) {
		t.Fatal("journal was not pushed in the background")
	}
	if doc, _ := env.store.Store.Get(ctx, "results", sub.Result.ID); doc == nil {
		t.Fatal("result missing from the remote store")
	}
}

func TestPropagator_NilIsNoop(t *testing.T) {
	var p *Propagator
	p.Notify(context.Background(), ProgressUnit("s1"))
}

func newStreamQueue(t *testing.T) (*RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewRedisStreamQueue(rdb, "test:stream", "test:group")
	q.Block = 20 * time.Millisecond
	return q, rdb
}

func TestRedisStreamQueue_DeliversAndAcks(t *testing.T) {
	q, rdb := newStreamQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	seen := make(map[UnitKey]int)
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, 2, func(ctx context.Context, unit UnitKey) error {
			mu.Lock()
			seen[unit]++
			mu.Unlock()
			if unit == ConversationUnit("bad") {
				return errors.New("push failed")
			}
			return nil
		})
	}()

	// 消费组在 Run 中创建，之前写入的消息从 0 开始读，不会丢
	units := []UnitKey{ProgressUnit("s1"), ConversationUnit("bad"), ProgressUnit("s1")}
	for _, u := range units {
		if err := q.Enqueue(ctx, u); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if !waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[ProgressUnit("s1")] == 2 && seen[ConversationUnit("bad")] == 1
	}) {
		t.Fatalf("units not delivered: %v", seen)
	}

	// 失败的单元也被确认，重试由写日志负责
	if !waitFor(t, 2*time.Second, func() bool {
		p, err := rdb.XPending(context.Background(), q.Stream, q.Group).Result()
		return err == nil && p.Count == 0
	}) {
		t.Fatal("messages left pending after handling")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisStreamQueue_RunTwiceKeepsGroup(t *testing.T) {
	q, _ := newStreamQueue(t)
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("existing group must be accepted, got %v", err)
	}
}

func TestPropagator_PushesOverRedis(t *testing.T) {
	q, rdb := newStreamQueue(t)
	env := newDeviceEnv(t, remote.NewRedisStore(rdb, "test"))
	seedMiniGame(t, env.db, "g1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	propagator := NewPropagator(q, env.reconciler, 1)
	propagator.Start(ctx)
	svc := env.submissions()
	svc.Propagator = propagator

	sub, err := svc.Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	syncRepo := repository.NewSyncRepository(env.db)
	if !waitFor(t, 3*time.Second, func() bool {
		n, _ := syncRepo.CountPending()
		return n == 0
	}) {
		t.Fatal("journal was not pushed through the stream")
	}
	doc, err := env.store.Store.Get(ctx, "results", sub.Result.ID)
	if err != nil || doc == nil {
		t.Fatalf("result missing from redis: %v", err)
	}
}
