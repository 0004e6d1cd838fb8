package readmodel

import (
	"context"
	"sync"
	"time"
)

// Shared 将一个上游流多播给多个订阅者。
// 第一个订阅者到来时启动上游，最后一个订阅者离开时取消上游。
// 慢订阅者只会看到最新值。
type Shared[T any] struct {
	start func(ctx context.Context) <-chan Resource[T]

	mu     sync.Mutex
	subs   map[int]chan Resource[T]
	nextID int
	gen    int
	cancel context.CancelFunc
	latest *Resource[T]
}

func Share[T any](start func(ctx context.Context) <-chan Resource[T]) *Shared[T] {
	return &Shared[T]{
		start: start,
		subs:  make(map[int]chan Resource[T]),
	}
}

// Subscribe 返回订阅通道与释放函数；ctx 结束时自动释放
func (s *Shared[T]) Subscribe(ctx context.Context) (<-chan Resource[T], func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Resource[T], 1)
	s.subs[id] = ch
	if s.latest != nil {
		ch <- *s.latest
	}
	if s.cancel == nil {
		upCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.gen++
		go s.pump(s.gen, s.start(upCtx))
	}
	s.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	release := func() {
		once.Do(func() {
			close(done)
			s.unsubscribe(id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-done:
		}
	}()
	return ch, release
}

func (s *Shared[T]) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(ch)

	if len(s.subs) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.latest = nil
	}
}

func (s *Shared[T]) pump(gen int, upstream <-chan Resource[T]) {
	for r := range upstream {
		s.mu.Lock()
		if s.gen != gen || s.cancel == nil {
			s.mu.Unlock()
			continue
		}
		v := r
		s.latest = &v
		for _, ch := range s.subs {
			offerLatest(ch, r)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.cancel == nil {
		return
	}
	// 上游自行结束：关闭所有订阅
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.cancel()
	s.cancel = nil
	s.latest = nil
}

func offerLatest[T any](ch chan Resource[T], r Resource[T]) {
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
	}
}

// Subscribers 当前订阅者数量
func (s *Shared[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Active 上游是否正在运行
func (s *Shared[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Settle 等待第一个非 Loading 的值，超时返回最后看到的状态（通常为 Loading）
func Settle[T any](ctx context.Context, in <-chan Resource[T], wait time.Duration) Resource[T] {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	last := Loading[T]()
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return last
			}
			if !r.IsLoading() {
				return r
			}
			last = r
		case <-timer.C:
			return last
		case <-ctx.Done():
			return last
		}
	}
}
