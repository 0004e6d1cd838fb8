package repository

import (
	"classroom_sync_backend/internal/model"

	"gorm.io/gorm"
)

// ResultRepository 测试与小游戏的提交结果及作答明细；结果写入后不再修改
type ResultRepository struct {
	DB *gorm.DB
}

func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{DB: db}
}

func (r *ResultRepository) WithTx(tx *gorm.DB) *ResultRepository {
	return &ResultRepository{DB: tx}
}

func (r *ResultRepository) FindByID(id string) (*model.StudentResult, error) {
	return first[model.StudentResult](r.DB, id)
}

// MaxAttempt 已有的最大尝试序号，没有记录时为 0
func (r *ResultRepository) MaxAttempt(studentID, assessmentID string) (int, error) {
	var max int
	err := r.DB.Model(&model.StudentResult{}).
		Where("student_id = ? AND assessment_id = ?", studentID, assessmentID).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&max).Error
	return max, err
}

// MaxSettledAttempt 只统计已在远端登记或已被远端确认的序号
func (r *ResultRepository) MaxSettledAttempt(studentID, assessmentID string) (int, error) {
	var max int
	err := r.DB.Model(&model.StudentResult{}).
		Where("student_id = ? AND assessment_id = ?", studentID, assessmentID).
		Where("attempt_reserved = ? OR remote_version > 0", true).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&max).Error
	return max, err
}

func (r *ResultRepository) FindAttempt(studentID, assessmentID string, attempt int) (*model.StudentResult, error) {
	var results []model.StudentResult
	err := r.DB.Where("student_id = ? AND assessment_id = ? AND attempt_number = ?", studentID, assessmentID, attempt).
		Limit(1).Find(&results).Error
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

// YieldAttempts 把序号 >= from 且尚未登记、未被确认的本地结果整体后移 shift。
// 先写成负数再取反，避免逐行更新时撞上唯一索引
func (r *ResultRepository) YieldAttempts(studentID, assessmentID string, from, shift int) (int64, error) {
	if shift <= 0 {
		return 0, nil
	}
	res := r.DB.Model(&model.StudentResult{}).
		Where("student_id = ? AND assessment_id = ?", studentID, assessmentID).
		Where("attempt_number >= ? AND attempt_reserved = ? AND remote_version = 0", from, false).
		UpdateColumn("attempt_number", gorm.Expr("-(attempt_number + ?)", shift))
	if res.Error != nil || res.RowsAffected == 0 {
		return 0, res.Error
	}
	err := r.DB.Model(&model.StudentResult{}).
		Where("student_id = ? AND assessment_id = ? AND attempt_number < 0", studentID, assessmentID).
		UpdateColumn("attempt_number", gorm.Expr("-attempt_number")).Error
	return res.RowsAffected, err
}

// ReserveAttempt 标记结果的序号已在远端登记
func (r *ResultRepository) ReserveAttempt(id string, attempt int) error {
	return r.DB.Model(&model.StudentResult{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"attempt_number":   attempt,
		"attempt_reserved": true,
	}).Error
}

// Create 写入结果与全部作答；须在事务中调用
func (r *ResultRepository) Create(result *model.StudentResult, answers []model.StudentAnswer) error {
	if err := r.DB.Create(result).Error; err != nil {
		return err
	}
	if len(answers) == 0 {
		return nil
	}
	return r.DB.Create(&answers).Error
}

func (r *ResultRepository) GetAnswers(resultID string) ([]model.StudentAnswer, error) {
	var answers []model.StudentAnswer
	err := r.DB.Where("result_id = ?", resultID).Order("id ASC").Find(&answers).Error
	return answers, err
}

// ListByStudent kind 为空时包含测试与小游戏；limit <= 0 不限制
func (r *ResultRepository) ListByStudent(studentID string, kind model.AssessmentKind, limit int) ([]model.StudentResult, error) {
	var results []model.StudentResult
	db := r.DB.Where("student_id = ?", studentID)
	if kind != "" {
		db = db.Where("kind = ?", kind)
	}
	db = db.Order("submission_time DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&results).Error
	return results, err
}

func (r *ResultRepository) ListByAssessment(assessmentID string) ([]model.StudentResult, error) {
	var results []model.StudentResult
	err := r.DB.Where("assessment_id = ?", assessmentID).
		Order("submission_time ASC").
		Find(&results).Error
	return results, err
}

func (r *ResultRepository) ListAttempts(studentID, assessmentID string) ([]model.StudentResult, error) {
	var results []model.StudentResult
	err := r.DB.Where("student_id = ? AND assessment_id = ?", studentID, assessmentID).
		Order("attempt_number ASC").
		Find(&results).Error
	return results, err
}
