// Package remote 是权威远端文档存储的边界：按集合与 ID 读写单个文档，
// 按字段查询关系表，并按集合监听变更。
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Document 远端文档。Version 由存储在每次写入时单调递增分配，
// 是冲突解决的唯一依据；UpdatedAt 取客户端时钟，仅供参考。
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type ChangeType string

const (
	ChangePut    ChangeType = "put"
	ChangeDelete ChangeType = "delete"
)

type Change struct {
	Type       ChangeType `json:"type"`
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Version    int64      `json:"version"`
}

type UpdateFunc func(prev *Document) (Document, error)

type Store interface {
	// Get 文档不存在时返回 (nil, nil)
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Put 写入并返回带新版本号的规范文档
	Put(ctx context.Context, doc Document) (*Document, error)
	// Update 原子的读改写：fn 收到当前文档（不存在时为 nil）并返回要写入的文档。
	// 与其它写入冲突时 fn 会被重新调用，fn 不能有副作用
	Update(ctx context.Context, collection, id string, fn UpdateFunc) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	QueryByField(ctx context.Context, collection, field, value string) ([]Document, error)
	// Listen 订阅集合变更，返回取消函数
	Listen(ctx context.Context, collection string, fn func(Change)) (func(), error)
}

// Indexes 需要按字段查询的集合及字段，RedisStore 为它们维护索引集合
var Indexes = map[string][]string{
	"conversations": {"pairKey"},
	"participants":  {"conversationId", "userId"},
	"messages":      {"conversationId"},
	"enrollments":   {"studentId", "classId"},
	"parent_links":  {"parentId", "studentId"},
	"lessons":       {"classId"},
	"assessments":   {"classId"},
	"questions":     {"assessmentId"},
	"options":       {"questionId"},
	"results":       {"studentId", "assessmentId"},
	"answers":       {"resultId"},
	"progress":      {"studentId"},
	"study_time":    {"studentId"},
}

// Encode 将实体序列化为待写入的文档
func Encode(collection, id string, v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: raw}, nil
}

func Decode(doc Document, v any) error {
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// fieldValues 取出文档中被索引字段的字符串值，缺失或为 null 的字段不出现
func fieldValues(data json.RawMessage, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	if len(fields) == 0 || len(data) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return out
	}
	for _, f := range fields {
		switch v := m[f].(type) {
		case nil:
		case string:
			out[f] = v
		default:
			out[f] = fmt.Sprint(v)
		}
	}
	return out
}
