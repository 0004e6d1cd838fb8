package repository

import (
	"classroom_sync_backend/internal/model"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ConversationRepository 会话、成员与消息
type ConversationRepository struct {
	DB *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{DB: db}
}

func (r *ConversationRepository) WithTx(tx *gorm.DB) *ConversationRepository {
	return &ConversationRepository{DB: tx}
}

// UnreadCount 某会话对某成员的未读数
type UnreadCount struct {
	ConversationID string
	Count          int
}

func (r *ConversationRepository) GetConversation(id string) (*model.Conversation, error) {
	return first[model.Conversation](r.DB, id)
}

func (r *ConversationRepository) FindByPairKey(pairKey string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.DB.Where("pair_key = ?", pairKey).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation 会话与成员一起写入；须在事务中调用
func (r *ConversationRepository) CreateConversation(conv *model.Conversation, participants []model.ConversationParticipant) error {
	if err := r.DB.Create(conv).Error; err != nil {
		return err
	}
	if len(participants) == 0 {
		return nil
	}
	return r.DB.Create(&participants).Error
}

// ConversationsForUser 用户参与的会话，按最后消息时间倒序
func (r *ConversationRepository) ConversationsForUser(userID string) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.DB.Model(&model.Conversation{}).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID).
		Order("conversations.last_message_at DESC").
		Order("conversations.id ASC").
		Find(&convs).Error
	return convs, err
}

func (r *ConversationRepository) ParticipantsOf(conversationIDs []string) ([]model.ConversationParticipant, error) {
	var parts []model.ConversationParticipant
	if len(conversationIDs) == 0 {
		return parts, nil
	}
	err := r.DB.Where("conversation_id IN ?", conversationIDs).Find(&parts).Error
	return parts, err
}

func (r *ConversationRepository) GetParticipant(conversationID, userID string) (*model.ConversationParticipant, error) {
	var p model.ConversationParticipant
	err := r.DB.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UnreadCounts 统计用户每个会话中晚于最后查看时间的消息数
func (r *ConversationRepository) UnreadCounts(userID string) (map[string]int, error) {
	var rows []UnreadCount
	err := r.DB.Table("conversation_participants AS p").
		Select("p.conversation_id AS conversation_id, COUNT(m.id) AS count").
		Joins("JOIN messages AS m ON m.conversation_id = p.conversation_id AND m.sent_at > p.last_viewed_at").
		Where("p.user_id = ?", userID).
		Group("p.conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.ConversationID] = row.Count
	}
	return out, nil
}

// InsertMessage 写入消息并推进会话的最后消息时间；须在事务中调用
func (r *ConversationRepository) InsertMessage(msg *model.Message) error {
	if err := r.DB.Create(msg).Error; err != nil {
		return err
	}
	return r.DB.Model(&model.Conversation{}).
		Where("id = ? AND last_message_at < ?", msg.ConversationID, msg.SentAt).
		Updates(map[string]interface{}{
			"last_message_at": msg.SentAt,
			"updated_at":      msg.SentAt,
		}).Error
}

// Messages 按发送时间正序；before 非零时只取更早的消息，取最近的 limit 条
func (r *ConversationRepository) Messages(conversationID string, before time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	db := r.DB.Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		db = db.Where("sent_at < ?", before)
	}
	if limit <= 0 {
		limit = 50
	}
	if err := db.Order("sent_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkViewed 最后查看时间只前进不后退，同时将他人发来的消息标为已读
func (r *ConversationRepository) MarkViewed(conversationID, userID string, at time.Time) (bool, error) {
	res := r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND last_viewed_at < ?", conversationID, userID, at).
		Updates(map[string]interface{}{
			"last_viewed_at": at,
			"updated_at":     at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if err := r.DB.Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND sent_at <= ? AND is_read = ?", conversationID, userID, at, false).
		Update("is_read", true).Error; err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

func (r *ConversationRepository) UnreadMessageIDs(conversationID, userID string, at time.Time) ([]string, error) {
	var ids []string
	err := r.DB.Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND sent_at <= ? AND is_read = ?", conversationID, userID, at, false).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *ConversationRepository) SetMuted(conversationID, userID string, muted bool, at time.Time) error {
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]interface{}{
			"is_muted":   muted,
			"updated_at": at,
		}).Error
}

func (r *ConversationRepository) MessageIDs(conversationID string) ([]string, error) {
	var ids []string
	err := r.DB.Model(&model.Message{}).Where("conversation_id = ?", conversationID).Pluck("id", &ids).Error
	return ids, err
}

// DeleteConversation 级联删除消息与成员；须在事务中调用
func (r *ConversationRepository) DeleteConversation(conversationID string) error {
	if err := r.DB.Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
		return err
	}
	if err := r.DB.Where("conversation_id = ?", conversationID).Delete(&model.ConversationParticipant{}).Error; err != nil {
		return err
	}
	return r.DB.Where("id = ?", conversationID).Delete(&model.Conversation{}).Error
}
