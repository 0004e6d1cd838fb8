package remote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 进程内实现，语义与 RedisStore 一致；用于单设备离线部署与测试
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]map[string]Document
	versions  map[string]int64 // 删除后仍保留，保证版本单调
	listeners map[string]map[int]func(Change)
	nextID    int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]map[string]Document),
		versions:  make(map[string]int64),
		listeners: make(map[string]map[int]func(Change)),
		now:       time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *MemoryStore) Put(ctx context.Context, doc Document) (*Document, error) {
	return s.Update(ctx, doc.Collection, doc.ID, func(*Document) (Document, error) {
		return doc, nil
	})
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]Document)
		s.docs[collection] = coll
	}
	var prev *Document
	if cur, ok := coll[id]; ok {
		cur.Data = append([]byte(nil), cur.Data...)
		prev = &cur
	}
	doc, err := fn(prev)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	vkey := collection + "/" + id
	s.versions[vkey]++
	doc.Collection = collection
	doc.ID = id
	doc.Version = s.versions[vkey]
	doc.UpdatedAt = s.now()
	doc.Data = append([]byte(nil), doc.Data...)
	coll[id] = doc
	fns := s.listenersFor(collection)
	s.mu.Unlock()

	notify(fns, Change{Type: ChangePut, Collection: collection, ID: id, Version: doc.Version})
	return &doc, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.docs[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs[collection], id)
	vkey := collection + "/" + id
	s.versions[vkey]++
	version := s.versions[vkey]
	fns := s.listenersFor(collection)
	s.mu.Unlock()

	notify(fns, Change{Type: ChangeDelete, Collection: collection, ID: id, Version: version})
	return nil
}

func (s *MemoryStore) QueryByField(ctx context.Context, collection, field, value string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Document
	for _, doc := range s.docs[collection] {
		if v, ok := fieldValues(doc.Data, []string{field})[field]; ok && v == value {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Listen(ctx context.Context, collection string, fn func(Change)) (func(), error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[collection] == nil {
		s.listeners[collection] = make(map[int]func(Change))
	}
	s.listeners[collection][id] = fn
	s.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.listeners[collection], id)
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return cancel, nil
}

// Len 集合中的文档数
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[collection])
}

func (s *MemoryStore) listenersFor(collection string) []func(Change) {
	fns := make([]func(Change), 0, len(s.listeners[collection]))
	for _, fn := range s.listeners[collection] {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}
