package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LessonProgressUpdate struct {
	StudentID          string `json:"studentId"`
	LessonID           string `json:"lessonId"`
	ProgressPercentage int    `json:"progressPercentage"`
	SecondsSpent       int    `json:"secondsSpent"`
	ContentID          string `json:"contentId"`
}

// ProgressService 课时进度：百分比取最大值，时长累加，完成状态不回退
type ProgressService struct {
	DB                   *gorm.DB
	Feed                 *repository.ChangeFeed
	Locks                *util.KeyedLocker
	Propagator           *Propagator
	StudyTime            *StudyTimeService
	MinCompletionSeconds int
	now                  func() time.Time
}

func NewProgressService(db *gorm.DB, feed *repository.ChangeFeed, locks *util.KeyedLocker, propagator *Propagator, studyTime *StudyTimeService, minCompletionSeconds int) *ProgressService {
	return &ProgressService{
		DB:                   db,
		Feed:                 feed,
		Locks:                locks,
		Propagator:           propagator,
		StudyTime:            studyTime,
		MinCompletionSeconds: minCompletionSeconds,
		now:                  utcNow,
	}
}

func clampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// applyProgress 将一次上报合并进已有进度
func applyProgress(p *model.StudentLessonProgress, u LessonProgressUpdate, minSeconds int, now time.Time) {
	if pct := clampPercentage(u.ProgressPercentage); pct > p.ProgressPercentage {
		p.ProgressPercentage = pct
	}
	p.TimeSpentSeconds += u.SecondsSpent
	if u.ContentID != "" {
		p.LastAccessedContentID = u.ContentID
	}
	p.LastAccessedAt = now
	if !p.IsCompleted && p.ProgressPercentage >= 100 && p.TimeSpentSeconds >= minSeconds {
		p.IsCompleted = true
	}
	p.Touch(now)
}

func (s *ProgressService) UpdateLessonProgress(ctx context.Context, u LessonProgressUpdate) (*model.StudentLessonProgress, error) {
	if strings.TrimSpace(u.StudentID) == "" || strings.TrimSpace(u.LessonID) == "" {
		return nil, fmt.Errorf("%w: studentId and lessonId are required", util.ErrValidation)
	}
	if u.SecondsSpent < 0 {
		return nil, fmt.Errorf("%w: secondsSpent must not be negative", util.ErrValidation)
	}

	now := s.now()
	unit := ProgressUnit(u.StudentID)
	unlock := s.Locks.Lock(string(unit))
	var stored *model.StudentLessonProgress
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := repository.NewProgressRepository(tx)
		p, err := repo.GetLessonProgress(u.StudentID, u.LessonID)
		if err != nil {
			return err
		}
		if p == nil {
			p = &model.StudentLessonProgress{
				SyncBase:  model.SyncBase{ID: model.ProgressID(u.StudentID, u.LessonID)},
				StudentID: u.StudentID,
				LessonID:  u.LessonID,
			}
		}
		applyProgress(p, u, s.MinCompletionSeconds, now)
		if err := repo.SaveLessonProgress(p); err != nil {
			return err
		}
		stored = p
		return journal(tx, touched, unit, model.OpUpsert, p)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.Propagator.Notify(ctx, unit)
	if u.SecondsSpent > 0 && s.StudyTime != nil {
		if _, err := s.StudyTime.Add(ctx, u.StudentID, "", u.SecondsSpent); err != nil {
			logger.Log.Warn("Accumulate study time failed", zap.String("student_id", u.StudentID), zap.Error(err))
		}
	}
	return stored, nil
}

func (s *ProgressService) LessonProgress(ctx context.Context, studentID, lessonID string) (*model.StudentLessonProgress, error) {
	return repository.NewProgressRepository(s.DB.WithContext(ctx)).GetLessonProgress(studentID, lessonID)
}
