package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncBase 所有与远端文档对应的缓存行都嵌入它
type SyncBase struct {
	ID            string    `gorm:"primaryKey;type:varchar(80)" json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	RemoteVersion int64     `gorm:"default:0" json:"-"` // 最近一次与远端对齐的文档版本，0 表示尚未确认
}

func (b *SyncBase) BeforeCreate(tx *gorm.DB) (err error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return
}

func (b *SyncBase) GetID() string { return b.ID }
func (b *SyncBase) SetID(id string) { b.ID = id }
func (b *SyncBase) GetRemoteVersion() int64 { return b.RemoteVersion }
func (b *SyncBase) SetRemoteVersion(v int64) { b.RemoteVersion = v }

func (b *SyncBase) Touch(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Syncable 是 Reconciler 能够按身份替换的缓存行
type Syncable interface {
	TableName() string
	Collection() string
	GetID() string
	GetRemoteVersion() int64
	SetRemoteVersion(v int64)
}

// Mergeable 拉取时与本地行合并而不是按身份替换的缓存行
type Mergeable interface {
	Syncable
	// MergeLocal 把本地行中远端尚未包含的部分并入接收者，返回是否并入了内容
	MergeLocal(local Syncable) bool
}

func GenerateUUID() string {
	return uuid.New().String()
}

// CompositeID 为自然键行生成稳定 ID，保证各设备对同一行生成相同身份
func CompositeID(parts ...string) string {
	id := ""
	for i, p := range parts {
		if i > 0 {
			id += ":"
		}
		id += p
	}
	return id
}
