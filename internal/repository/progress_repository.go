package repository

import (
	"classroom_sync_backend/internal/model"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProgressRepository struct {
	DB *gorm.DB
}

func NewProgressRepository(db *gorm.DB) *ProgressRepository {
	return &ProgressRepository{DB: db}
}

func (r *ProgressRepository) WithTx(tx *gorm.DB) *ProgressRepository {
	return &ProgressRepository{DB: tx}
}

func (r *ProgressRepository) GetLessonProgress(studentID, lessonID string) (*model.StudentLessonProgress, error) {
	var p model.StudentLessonProgress
	err := r.DB.Where("student_id = ? AND lesson_id = ?", studentID, lessonID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProgressRepository) SaveLessonProgress(p *model.StudentLessonProgress) error {
	return r.DB.Save(p).Error
}

func (r *ProgressRepository) ListByStudent(studentID string) ([]model.StudentLessonProgress, error) {
	var rows []model.StudentLessonProgress
	err := r.DB.Where("student_id = ?", studentID).Order("last_accessed_at DESC").Find(&rows).Error
	return rows, err
}

func (r *ProgressRepository) RecentByStudent(studentID string, limit int) ([]model.StudentLessonProgress, error) {
	var rows []model.StudentLessonProgress
	err := r.DB.Where("student_id = ?", studentID).
		Order("last_accessed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// AddStudyTime 原子累加当日学习时长，行不存在时创建；增量同时记入未推送部分
func (r *ProgressRepository) AddStudyTime(studentID, date string, seconds int, now time.Time) (*model.DailyStudyTime, error) {
	row := model.DailyStudyTime{
		SyncBase:        model.SyncBase{ID: model.StudyTimeID(studentID, date)},
		StudentID:       studentID,
		Date:            date,
		DurationSeconds: seconds,
		UnpushedSeconds: seconds,
	}
	row.Touch(now)

	err := r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"duration_seconds": gorm.Expr("duration_seconds + ?", seconds),
			"unpushed_seconds": gorm.Expr("unpushed_seconds + ?", seconds),
			"updated_at":       now,
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}

	var stored model.DailyStudyTime
	if err := r.DB.First(&stored, "id = ?", row.ID).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *ProgressRepository) TotalStudySeconds(studentID string) (int64, error) {
	var total int64
	err := r.DB.Model(&model.DailyStudyTime{}).
		Where("student_id = ?", studentID).
		Select("COALESCE(SUM(duration_seconds), 0)").
		Scan(&total).Error
	return total, err
}
