package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/monitoring"
	"context"
	"fmt"
)

type snapshotItem struct {
	row     model.Syncable
	version int64
}

// snapshot 一次拉取得到的远端文档集合，按首次出现的顺序落库
type snapshot struct {
	ctx   context.Context
	store remote.Store
	items []snapshotItem
	seen  map[string]model.Syncable
}

func newSnapshot(ctx context.Context, store remote.Store) *snapshot {
	return &snapshot{ctx: ctx, store: store, seen: make(map[string]model.Syncable)}
}

func (r *Reconciler) fetch(ctx context.Context, unit UnitKey) (*snapshot, error) {
	snap := newSnapshot(ctx, r.Remote)
	var err error
	switch unit.Kind() {
	case KindConversation:
		err = snap.conversation(unit.arg(0))
	case KindInbox:
		err = snap.inbox(unit.arg(0))
	case KindClass:
		err = snap.class(unit.arg(0))
	case KindStudent:
		err = snap.student(unit.arg(0))
	case KindProgress:
		err = snap.progress(unit.arg(0))
	case KindMiniGame:
		err = snap.miniGame(unit.arg(0), unit.arg(1))
	case KindLeaderboard:
		err = snap.leaderboard(unit.arg(0))
	case KindParent:
		err = snap.parent(unit.arg(0))
	default:
		err = fmt.Errorf("%w: unknown sync unit %q", util.ErrValidation, unit)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *snapshot) add(doc remote.Document) (model.Syncable, error) {
	key := doc.Collection + "/" + doc.ID
	if row, ok := s.seen[key]; ok {
		return row, nil
	}

	row, ok := model.NewSyncable(doc.Collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", doc.Collection)
	}
	if err := remote.Decode(doc, row); err != nil {
		return nil, err
	}
	// 以文档 ID 为准
	if setter, ok := row.(interface{ SetID(string) }); ok {
		setter.SetID(doc.ID)
	}

	s.seen[key] = row
	s.items = append(s.items, snapshotItem{row: row, version: doc.Version})
	return row, nil
}

func (s *snapshot) get(collection, id string) (model.Syncable, error) {
	if id == "" {
		return nil, nil
	}
	if row, ok := s.seen[collection+"/"+id]; ok {
		return row, nil
	}
	monitoring.RemoteFetches.WithLabelValues(collection).Inc()
	doc, err := s.store.Get(s.ctx, collection, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return s.add(*doc)
}

func (s *snapshot) query(collection, field, value string) ([]model.Syncable, error) {
	monitoring.RemoteFetches.WithLabelValues(collection).Inc()
	docs, err := s.store.QueryByField(s.ctx, collection, field, value)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Syncable, 0, len(docs))
	for _, doc := range docs {
		row, err := s.add(doc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *snapshot) users(ids []string) error {
	for _, id := range ids {
		if _, err := s.get(model.User{}.Collection(), id); err != nil {
			return err
		}
	}
	return nil
}

// conversation 会话文档、成员、消息以及成员的用户信息。远端不存在时不删除本地数据
func (s *snapshot) conversation(id string) error {
	conv, err := s.get(model.Conversation{}.Collection(), id)
	if err != nil || conv == nil {
		return err
	}

	parts, err := s.query(model.ConversationParticipant{}.Collection(), "conversationId", id)
	if err != nil {
		return err
	}
	userIDs := make([]string, 0, len(parts))
	for _, row := range parts {
		userIDs = append(userIDs, row.(*model.ConversationParticipant).UserID)
	}

	if _, err := s.query(model.Message{}.Collection(), "conversationId", id); err != nil {
		return err
	}
	return s.users(userIDs)
}

func (s *snapshot) inbox(userID string) error {
	parts, err := s.query(model.ConversationParticipant{}.Collection(), "userId", userID)
	if err != nil {
		return err
	}
	for _, row := range parts {
		if err := s.conversation(row.(*model.ConversationParticipant).ConversationID); err != nil {
			return err
		}
	}
	return s.users([]string{userID})
}

func (s *snapshot) class(id string) error {
	class, err := s.get(model.Class{}.Collection(), id)
	if err != nil || class == nil {
		return err
	}
	if _, err := s.query(model.Lesson{}.Collection(), "classId", id); err != nil {
		return err
	}
	assessments, err := s.query(model.Assessment{}.Collection(), "classId", id)
	if err != nil {
		return err
	}
	for _, row := range assessments {
		if err := s.assessmentContent(row.GetID()); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) assessmentContent(assessmentID string) error {
	questions, err := s.query(model.Question{}.Collection(), "assessmentId", assessmentID)
	if err != nil {
		return err
	}
	for _, q := range questions {
		if _, err := s.query(model.Option{}.Collection(), "questionId", q.GetID()); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) student(id string) error {
	if _, err := s.get(model.User{}.Collection(), id); err != nil {
		return err
	}
	enrollments, err := s.query(model.ClassEnrollment{}.Collection(), "studentId", id)
	if err != nil {
		return err
	}
	for _, row := range enrollments {
		if _, err := s.get(model.Class{}.Collection(), row.(*model.ClassEnrollment).ClassID); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) progress(studentID string) error {
	if _, err := s.query(model.StudentLessonProgress{}.Collection(), "studentId", studentID); err != nil {
		return err
	}
	if _, err := s.query(model.DailyStudyTime{}.Collection(), "studentId", studentID); err != nil {
		return err
	}
	results, err := s.query(model.StudentResult{}.Collection(), "studentId", studentID)
	if err != nil {
		return err
	}
	return s.answers(results, "")
}

// answers 拉取结果的答题明细；assessmentID 非空时只处理该测评的结果
func (s *snapshot) answers(results []model.Syncable, assessmentID string) error {
	for _, row := range results {
		if assessmentID != "" && row.(*model.StudentResult).AssessmentID != assessmentID {
			continue
		}
		if _, err := s.query(model.StudentAnswer{}.Collection(), "resultId", row.GetID()); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) miniGame(gameID, studentID string) error {
	game, err := s.get(model.Assessment{}.Collection(), gameID)
	if err != nil || game == nil {
		return err
	}
	if err := s.assessmentContent(gameID); err != nil {
		return err
	}
	results, err := s.query(model.StudentResult{}.Collection(), "studentId", studentID)
	if err != nil {
		return err
	}
	return s.answers(results, gameID)
}

func (s *snapshot) leaderboard(gameID string) error {
	if _, err := s.get(model.Assessment{}.Collection(), gameID); err != nil {
		return err
	}
	results, err := s.query(model.StudentResult{}.Collection(), "assessmentId", gameID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	var userIDs []string
	for _, row := range results {
		id := row.(*model.StudentResult).StudentID
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			userIDs = append(userIDs, id)
		}
	}
	return s.users(userIDs)
}

func (s *snapshot) parent(parentID string) error {
	if _, err := s.get(model.User{}.Collection(), parentID); err != nil {
		return err
	}
	links, err := s.query(model.ParentStudentLink{}.Collection(), "parentId", parentID)
	if err != nil {
		return err
	}
	childIDs := make([]string, 0, len(links))
	for _, row := range links {
		childIDs = append(childIDs, row.(*model.ParentStudentLink).StudentID)
	}
	return s.users(childIDs)
}
