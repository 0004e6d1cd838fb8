package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StudyTimeService 按天累加学习时长
type StudyTimeService struct {
	DB         *gorm.DB
	Feed       *repository.ChangeFeed
	Locks      *util.KeyedLocker
	Propagator *Propagator
	now        func() time.Time
}

func NewStudyTimeService(db *gorm.DB, feed *repository.ChangeFeed, locks *util.KeyedLocker, propagator *Propagator) *StudyTimeService {
	return &StudyTimeService{DB: db, Feed: feed, Locks: locks, Propagator: propagator, now: utcNow}
}

// Add 累加 seconds 到 (studentID, date)；date 为空时取当天。seconds 必须为正
func (s *StudyTimeService) Add(ctx context.Context, studentID, date string, seconds int) (*model.DailyStudyTime, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("%w: studentId is required", util.ErrValidation)
	}
	if seconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", util.ErrValidation)
	}
	now := s.now()
	if date == "" {
		date = now.Format(util.DateFormat)
	} else if _, err := time.Parse(util.DateFormat, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", util.ErrValidation)
	}

	unit := ProgressUnit(studentID)
	unlock := s.Locks.Lock(string(unit))
	var stored *model.DailyStudyTime
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		var err error
		stored, err = repository.NewProgressRepository(tx).AddStudyTime(studentID, date, seconds, now)
		if err != nil {
			return err
		}
		return journal(tx, touched, unit, model.OpUpsert, stored)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.Propagator.Notify(ctx, unit)
	return stored, nil
}

func (s *StudyTimeService) Total(ctx context.Context, studentID string) (int64, error) {
	return repository.NewProgressRepository(s.DB.WithContext(ctx)).TotalStudySeconds(studentID)
}
