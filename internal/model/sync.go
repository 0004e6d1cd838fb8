package model

import "time"

// SyncState 记录每个同步单元的新鲜度，仅存在于本地
type SyncState struct {
	UnitKey       string     `gorm:"primaryKey;size:200" json:"unitKey"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	LastError     string     `gorm:"type:text" json:"lastError,omitempty"`
}

func (SyncState) TableName() string {
	return "sync_states"
}

type WriteOp string

const (
	OpUpsert WriteOp = "upsert"
	OpDelete WriteOp = "delete"
)

// PendingWrite 本地写日志：未被远端确认的写入，Reconciler 拉取时不会覆盖这些行
type PendingWrite struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UnitKey    string    `gorm:"size:200;index" json:"unitKey"`
	Collection string    `gorm:"size:50;uniqueIndex:ux_pending_entity,priority:1" json:"collection"`
	EntityID   string    `gorm:"size:80;uniqueIndex:ux_pending_entity,priority:2" json:"entityId"`
	Op         WriteOp   `gorm:"size:10" json:"op"`
	Revision   int       `gorm:"default:1" json:"revision"` // 每次重新入队递增，推送确认时据此判断是否被覆盖
	Attempts   int       `json:"attempts"`
	LastError  string    `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (PendingWrite) TableName() string {
	return "pending_writes"
}
