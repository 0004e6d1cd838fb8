package remote

import (
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const maxTxRetries = 8

// RedisStore 键布局：
//   <ns>:doc:<collection>:<id>                 文档 JSON
//   <ns>:ver:<collection>:<id>                 版本计数，删除后保留
//   <ns>:idx:<collection>:<field>:<value>      字段索引集合
//   <ns>:changes:<collection>                  变更频道
type RedisStore struct {
	rdb     *redis.Client
	ns      string
	indexes map[string][]string
	now     func() time.Time
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "classroom"
	}
	return &RedisStore{
		rdb:     rdb,
		ns:      namespace,
		indexes: Indexes,
		now:     time.Now,
	}
}

func (s *RedisStore) docKey(collection, id string) string {
	return fmt.Sprintf("%s:doc:%s:%s", s.ns, collection, id)
}

func (s *RedisStore) versionKey(collection, id string) string {
	return fmt.Sprintf("%s:ver:%s:%s", s.ns, collection, id)
}

func (s *RedisStore) indexKey(collection, field, value string) string {
	return fmt.Sprintf("%s:idx:%s:%s:%s", s.ns, collection, field, value)
}

func (s *RedisStore) channel(collection string) string {
	return fmt.Sprintf("%s:changes:%s", s.ns, collection)
}

// normalizeErr 将 redis 错误映射为可恢复的远端错误
func normalizeErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.HasPrefix(err.Error(), "NOPERM") || strings.HasPrefix(err.Error(), "NOAUTH") {
		return fmt.Errorf("%w: %v", util.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", util.ErrRemoteUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	raw, err := s.rdb.Get(ctx, s.docKey(collection, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, normalizeErr(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &doc, nil
}

func (s *RedisStore) Put(ctx context.Context, doc Document) (*Document, error) {
	return s.Update(ctx, doc.Collection, doc.ID, func(*Document) (Document, error) {
		return doc, nil
	})
}

// Update 在 WATCH 事务中读取当前文档与版本，写入 fn 的结果；被并发修改时整体重试
func (s *RedisStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (*Document, error) {
	key := s.docKey(collection, id)
	vkey := s.versionKey(collection, id)
	fields := s.indexes[collection]

	var stored Document
	txf := func(tx *redis.Tx) error {
		prev, err := s.readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		version, err := tx.Get(ctx, vkey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}

		next, err := fn(prev)
		if err != nil {
			return errUpdateAborted{err}
		}
		stored = next
		stored.Collection = collection
		stored.ID = id
		stored.Version = version + 1
		stored.UpdatedAt = s.now()
		encoded, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		oldVals := map[string]string{}
		if prev != nil {
			oldVals = fieldValues(prev.Data, fields)
		}
		newVals := fieldValues(stored.Data, fields)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, vkey, stored.Version, 0)
			pipe.Set(ctx, key, encoded, 0)
			for _, f := range fields {
				if old, ok := oldVals[f]; ok && old != newVals[f] {
					pipe.SRem(ctx, s.indexKey(collection, f, old), id)
				}
				if v, ok := newVals[f]; ok {
					pipe.SAdd(ctx, s.indexKey(collection, f, v), id)
				}
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key, vkey); err != nil {
		return nil, err
	}
	s.publish(ctx, Change{Type: ChangePut, Collection: collection, ID: id, Version: stored.Version})
	return &stored, nil
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	key := s.docKey(collection, id)
	vkey := s.versionKey(collection, id)
	fields := s.indexes[collection]

	var version int64
	existed := false
	txf := func(tx *redis.Tx) error {
		prev, err := s.readDoc(ctx, tx, key)
		if err != nil || prev == nil {
			return err
		}
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current < prev.Version {
			current = prev.Version
		}
		existed = true
		version = current + 1
		oldVals := fieldValues(prev.Data, fields)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, vkey, version, 0)
			pipe.Del(ctx, key)
			for f, v := range oldVals {
				pipe.SRem(ctx, s.indexKey(collection, f, v), id)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key, vkey); err != nil {
		return err
	}
	if existed {
		s.publish(ctx, Change{Type: ChangeDelete, Collection: collection, ID: id, Version: version})
	}
	return nil
}

func (s *RedisStore) QueryByField(ctx context.Context, collection, field, value string) ([]Document, error) {
	if !s.indexed(collection, field) {
		return nil, fmt.Errorf("%w: %s.%s is not indexed", util.ErrValidation, collection, field)
	}

	ids, err := s.rdb.SMembers(ctx, s.indexKey(collection, field, value)).Result()
	if err != nil {
		return nil, normalizeErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(collection, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, normalizeErr(err)
	}

	out := make([]Document, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// 索引残留，文档已被删除
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			logger.Log.Warn("Skip undecodable remote document",
				zap.String("collection", collection), zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *RedisStore) Listen(ctx context.Context, collection string, fn func(Change)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, s.channel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, normalizeErr(err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-listenCtx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					logger.Log.Warn("Bad remote change payload", zap.String("collection", collection), zap.Error(err))
					continue
				}
				// 取消后到达的消息不再回调
				if listenCtx.Err() != nil {
					return
				}
				fn(c)
			}
		}
	}()
	return cancel, nil
}

func (s *RedisStore) indexed(collection, field string) bool {
	for _, f := range s.indexes[collection] {
		if f == field {
			return true
		}
	}
	return false
}

func (s *RedisStore) readDoc(ctx context.Context, tx *redis.Tx, key string) (*Document, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// errUpdateAborted 包装 UpdateFunc 返回的错误，原样交还调用方
type errUpdateAborted struct{ err error }

func (e errUpdateAborted) Error() string { return e.err.Error() }
func (e errUpdateAborted) Unwrap() error { return e.err }

// watch 乐观事务：被并发修改时重试
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		var aborted errUpdateAborted
		if errors.As(err, &aborted) {
			return aborted.err
		}
		return normalizeErr(err)
	}
	return fmt.Errorf("%w: too much contention on %s", util.ErrRemoteUnavailable, keys[0])
}

// publish 通知失败不影响写入结果，其它设备会在下次同步时拉到
func (s *RedisStore) publish(ctx context.Context, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(c.Collection), payload).Err(); err != nil {
		logger.Log.Warn("Publish remote change failed",
			zap.String("collection", c.Collection), zap.String("id", c.ID), zap.Error(err))
	}
}
