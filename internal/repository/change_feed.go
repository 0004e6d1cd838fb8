package repository

import (
	"context"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// ChangeFeed 进程内的表变更通知。通知只说明"哪些表变了"，
// 同一订阅者未及时消费的多次通知会合并为一次。
type ChangeFeed struct {
	mu     sync.Mutex
	subs   map[int]*feedSub
	nextID int
}

type feedSub struct {
	tables map[string]struct{}
	ch     chan struct{}
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[int]*feedSub)}
}

// Subscribe 订阅指定表的变更，返回通知通道与取消函数
func (f *ChangeFeed) Subscribe(tables ...string) (<-chan struct{}, func()) {
	sub := &feedSub{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish 必须在事务提交之后调用
func (f *ChangeFeed) Publish(tables ...string) {
	if f == nil || len(tables) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		for _, t := range tables {
			if _, ok := sub.tables[t]; ok {
				select {
				case sub.ch <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

// Touched 收集一次事务中被修改的表
type Touched map[string]struct{}

func (t Touched) Add(tables ...string) {
	for _, name := range tables {
		t[name] = struct{}{}
	}
}

func (t Touched) Tables() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WriteTx 在一个事务中执行写入，提交成功后再发布变更，观察者不会看到未提交的数据
func WriteTx(ctx context.Context, db *gorm.DB, feed *ChangeFeed, fn func(tx *gorm.DB, touched Touched) error) error {
	touched := Touched{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, touched)
	})
	if err != nil {
		return err
	}
	feed.Publish(touched.Tables()...)
	return nil
}

// ReadTx 在只读事务中执行多次查询，保证读到同一时刻的快照
func ReadTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
