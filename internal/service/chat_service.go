package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// neverViewed 新成员的最后查看时间，早于任何消息
var neverViewed = time.Unix(0, 0).UTC()

type ChatService struct {
	DB         *gorm.DB
	Feed       *repository.ChangeFeed
	Locks      *util.KeyedLocker
	Remote     remote.Store
	Reconciler *Reconciler
	Propagator *Propagator
	now        func() time.Time
}

func NewChatService(db *gorm.DB, feed *repository.ChangeFeed, locks *util.KeyedLocker, store remote.Store,
	reconciler *Reconciler, propagator *Propagator) *ChatService {
	return &ChatService{
		DB:         db,
		Feed:       feed,
		Locks:      locks,
		Remote:     store,
		Reconciler: reconciler,
		Propagator: propagator,
		now:        utcNow,
	}
}

func (s *ChatService) repo(ctx context.Context) *repository.ConversationRepository {
	return repository.NewConversationRepository(s.DB.WithContext(ctx))
}

// requireParticipant 非成员视为无权访问
func (s *ChatService) requireParticipant(ctx context.Context, convID, userID string) (*model.ConversationParticipant, error) {
	p, err := s.repo(ctx).GetParticipant(convID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("conversation %s: %w", convID, util.ErrNotFound)
	}
	return p, nil
}

// GetOrCreateDirect 两个用户之间只有一个私聊会话，创建前先在远端按 pairKey 查找
func (s *ChatService) GetOrCreateDirect(ctx context.Context, userID, otherID string) (*model.Conversation, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return nil, fmt.Errorf("%w: both users are required", util.ErrValidation)
	}
	if userID == otherID {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", util.ErrValidation)
	}

	pairKey := model.PairKeyFor(userID, otherID)
	if conv, err := s.repo(ctx).FindByPairKey(pairKey); err != nil || conv != nil {
		return conv, err
	}

	if conv, err := s.pullDirect(ctx, pairKey); err != nil || conv != nil {
		return conv, err
	}

	now := s.now()
	conv := &model.Conversation{
		SyncBase:      model.SyncBase{ID: model.GenerateUUID()},
		Type:          model.OneToOne,
		PairKey:       &pairKey,
		CreatorID:     userID,
		LastMessageAt: now,
	}
	conv.Touch(now)
	participants := []model.ConversationParticipant{
		newParticipant(conv.ID, userID, now, now),
		newParticipant(conv.ID, otherID, neverViewed, now),
	}

	err := s.create(ctx, conv, participants)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发创建，以已存在的会话为准
		return s.repo(ctx).FindByPairKey(pairKey)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// pullDirect 远端已有该私聊时拉取到本地；远端不可达时返回 (nil, nil)，在本地创建
func (s *ChatService) pullDirect(ctx context.Context, pairKey string) (*model.Conversation, error) {
	if s.Remote == nil || s.Reconciler == nil {
		return nil, nil
	}
	docs, err := s.Remote.QueryByField(ctx, model.Conversation{}.Collection(), "pairKey", pairKey)
	if err != nil {
		logger.Log.Warn("Remote lookup of direct conversation failed, creating locally",
			zap.String("pair_key", pairKey), zap.Error(err))
		return nil, nil
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if err := s.Reconciler.Sync(ctx, ConversationUnit(docs[0].ID), true); err != nil {
		logger.Log.Warn("Pull direct conversation failed", zap.String("conversation_id", docs[0].ID), zap.Error(err))
		return nil, nil
	}
	return s.repo(ctx).FindByPairKey(pairKey)
}

func newParticipant(convID, userID string, viewedAt, now time.Time) model.ConversationParticipant {
	p := model.ConversationParticipant{
		SyncBase:       model.SyncBase{ID: model.ParticipantID(convID, userID)},
		ConversationID: convID,
		UserID:         userID,
		LastViewedAt:   viewedAt,
	}
	p.Touch(now)
	return p
}

func (s *ChatService) create(ctx context.Context, conv *model.Conversation, participants []model.ConversationParticipant) error {
	unit := ConversationUnit(conv.ID)
	unlock := s.Locks.Lock(string(unit))
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		if err := repository.NewConversationRepository(tx).CreateConversation(conv, participants); err != nil {
			return err
		}
		rows := []model.Syncable{conv}
		for i := range participants {
			rows = append(rows, &participants[i])
		}
		return journal(tx, touched, unit, model.OpUpsert, rows...)
	})
	unlock()
	if err != nil {
		return err
	}
	s.Propagator.Notify(ctx, unit)
	return nil
}

func (s *ChatService) CreateGroup(ctx context.Context, creatorID, title string, memberIDs []string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(creatorID) == "" || title == "" {
		return nil, fmt.Errorf("%w: group title is required", util.ErrValidation)
	}

	seen := map[string]struct{}{creatorID: {}}
	members := []string{creatorID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a group needs at least one other member", util.ErrValidation)
	}

	now := s.now()
	conv := &model.Conversation{
		SyncBase:      model.SyncBase{ID: model.GenerateUUID()},
		Type:          model.Group,
		Title:         &title,
		CreatorID:     creatorID,
		LastMessageAt: now,
	}
	conv.Touch(now)
	participants := make([]model.ConversationParticipant, 0, len(members))
	for _, id := range members {
		viewed := neverViewed
		if id == creatorID {
			viewed = now
		}
		participants = append(participants, newParticipant(conv.ID, id, viewed, now))
	}

	if err := s.create(ctx, conv, participants); err != nil {
		return nil, err
	}
	return conv, nil
}

// SendMessage 写入消息、推进会话时间，并把发送者的最后查看时间前移
func (s *ChatService) SendMessage(ctx context.Context, senderID, convID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", util.ErrValidation)
	}
	if _, err := s.requireParticipant(ctx, convID, senderID); err != nil {
		return nil, err
	}

	now := s.now()
	msg := &model.Message{
		SyncBase:       model.SyncBase{ID: model.GenerateUUID()},
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         now,
	}
	msg.Touch(now)

	unit := ConversationUnit(convID)
	unlock := s.Locks.Lock(string(unit))
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := repository.NewConversationRepository(tx)
		conv, err := repo.GetConversation(convID)
		if err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("conversation %s: %w", convID, util.ErrNotFound)
		}
		if conv.Type == model.OneToOne {
			parts, err := repo.ParticipantsOf([]string{convID})
			if err != nil {
				return err
			}
			for _, p := range parts {
				if p.UserID != senderID {
					recipient := p.UserID
					msg.RecipientID = &recipient
				}
			}
		}

		if err := repo.InsertMessage(msg); err != nil {
			return err
		}
		if _, err := repo.MarkViewed(convID, senderID, now); err != nil {
			return err
		}
		return journal(tx, touched, unit, model.OpUpsert,
			msg,
			&model.Conversation{SyncBase: model.SyncBase{ID: convID}},
			&model.ConversationParticipant{SyncBase: model.SyncBase{ID: model.ParticipantID(convID, senderID)}},
		)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.Propagator.Notify(ctx, unit)
	return msg, nil
}

// MarkViewed 更新最后查看时间，并将收到的消息标为已读
func (s *ChatService) MarkViewed(ctx context.Context, userID, convID string) error {
	if _, err := s.requireParticipant(ctx, convID, userID); err != nil {
		return err
	}

	now := s.now()
	unit := ConversationUnit(convID)
	unlock := s.Locks.Lock(string(unit))
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := repository.NewConversationRepository(tx)
		unread, err := repo.UnreadMessageIDs(convID, userID, now)
		if err != nil {
			return err
		}
		moved, err := repo.MarkViewed(convID, userID, now)
		if err != nil {
			return err
		}

		var rows []model.Syncable
		if moved {
			rows = append(rows, &model.ConversationParticipant{SyncBase: model.SyncBase{ID: model.ParticipantID(convID, userID)}})
		}
		for _, id := range unread {
			rows = append(rows, &model.Message{SyncBase: model.SyncBase{ID: id}})
		}
		return journal(tx, touched, unit, model.OpUpsert, rows...)
	})
	unlock()
	if err != nil {
		return err
	}
	s.Propagator.Notify(ctx, unit)
	return nil
}

func (s *ChatService) SetMuted(ctx context.Context, userID, convID string, muted bool) error {
	if _, err := s.requireParticipant(ctx, convID, userID); err != nil {
		return err
	}

	now := s.now()
	unit := ConversationUnit(convID)
	unlock := s.Locks.Lock(string(unit))
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		if err := repository.NewConversationRepository(tx).SetMuted(convID, userID, muted, now); err != nil {
			return err
		}
		return journal(tx, touched, unit, model.OpUpsert,
			&model.ConversationParticipant{SyncBase: model.SyncBase{ID: model.ParticipantID(convID, userID)}})
	})
	unlock()
	if err != nil {
		return err
	}
	s.Propagator.Notify(ctx, unit)
	return nil
}

// DeleteConversation 删除会话及其全部成员与消息
func (s *ChatService) DeleteConversation(ctx context.Context, userID, convID string) error {
	if _, err := s.requireParticipant(ctx, convID, userID); err != nil {
		return err
	}

	unit := ConversationUnit(convID)
	unlock := s.Locks.Lock(string(unit))
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := repository.NewConversationRepository(tx)
		msgIDs, err := repo.MessageIDs(convID)
		if err != nil {
			return err
		}
		parts, err := repo.ParticipantsOf([]string{convID})
		if err != nil {
			return err
		}
		if err := repo.DeleteConversation(convID); err != nil {
			return err
		}

		rows := make([]model.Syncable, 0, len(msgIDs)+len(parts)+1)
		for _, id := range msgIDs {
			rows = append(rows, &model.Message{SyncBase: model.SyncBase{ID: id}})
		}
		for i := range parts {
			rows = append(rows, &parts[i])
		}
		rows = append(rows, &model.Conversation{SyncBase: model.SyncBase{ID: convID}})
		return journal(tx, touched, unit, model.OpDelete, rows...)
	})
	unlock()
	if err != nil {
		return err
	}

	logger.Log.Info("Conversation deleted", zap.String("conversation_id", convID), zap.String("user_id", userID))
	s.Propagator.Notify(ctx, unit)
	return nil
}

// Messages 返回缓存中的消息，同时在后台刷新该会话
func (s *ChatService) Messages(ctx context.Context, userID, convID string, before time.Time, limit int) ([]model.Message, error) {
	if _, err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	if s.Reconciler != nil {
		s.Reconciler.SyncInBackground(ConversationUnit(convID))
	}
	return s.repo(ctx).Messages(convID, before, limit)
}
