package model

import (
	"sort"
	"strings"
	"time"
)

type ConversationType string

const (
	OneToOne ConversationType = "ONE_TO_ONE"
	Group    ConversationType = "GROUP"
)

// Conversation 存储会话（私聊、群聊信息）
type Conversation struct {
	SyncBase
	Type          ConversationType `gorm:"size:20;default:'GROUP'" json:"type"`
	Title         *string          `gorm:"size:100" json:"title"`
	PairKey       *string          `gorm:"size:170;uniqueIndex" json:"pairKey,omitempty"` // 仅私聊：排序后的双方 ID
	CreatorID     string           `gorm:"size:80" json:"creatorId"`
	LastMessageAt time.Time        `gorm:"index" json:"lastMessageAt"`
}

func (Conversation) TableName() string { return "conversations" }
func (Conversation) Collection() string { return "conversations" }

// PairKeyFor 对无序的两个用户生成唯一键
func PairKeyFor(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// ConversationParticipant 维护成员的最后查看时间与免打扰状态
type ConversationParticipant struct {
	SyncBase
	ConversationID string    `gorm:"size:80;uniqueIndex:ux_participant,priority:1" json:"conversationId"`
	UserID         string    `gorm:"size:80;uniqueIndex:ux_participant,priority:2;index" json:"userId"`
	LastViewedAt   time.Time `json:"lastViewedAt"`
	IsMuted        bool      `json:"isMuted"`
}

func (ConversationParticipant) TableName() string { return "conversation_participants" }
func (ConversationParticipant) Collection() string { return "participants" }

func ParticipantID(conversationID, userID string) string {
	return CompositeID(conversationID, userID)
}

// Message 消息记录，随会话级联删除
type Message struct {
	SyncBase
	ConversationID string    `gorm:"size:80;index:idx_conv_sent,priority:1;not null" json:"conversationId"`
	SenderID       string    `gorm:"size:80;index" json:"senderId"`
	RecipientID    *string   `gorm:"size:80" json:"recipientId"`
	Content        string    `gorm:"type:text" json:"content"`
	SentAt         time.Time `gorm:"index:idx_conv_sent,priority:2" json:"sentAt"`
	IsRead         bool      `json:"isRead"`
}

func (Message) TableName() string { return "messages" }
func (Message) Collection() string { return "messages" }
