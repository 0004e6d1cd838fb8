package repository

import (
	"classroom_sync_backend/internal/model"
	"errors"

	"gorm.io/gorm"
)

// CatalogRepository 班级、课程与测评等主要由教师端维护、本端只读的数据
type CatalogRepository struct {
	DB *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{DB: db}
}

func (r *CatalogRepository) WithTx(tx *gorm.DB) *CatalogRepository {
	return &CatalogRepository{DB: tx}
}

func first[T any](db *gorm.DB, id string) (*T, error) {
	var v T
	err := db.First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *CatalogRepository) GetClass(id string) (*model.Class, error) {
	return first[model.Class](r.DB, id)
}

// ClassesForStudent 学生已加入的班级
func (r *CatalogRepository) ClassesForStudent(studentID string) ([]model.Class, error) {
	var classes []model.Class
	err := r.DB.Model(&model.Class{}).
		Joins("JOIN class_enrollments ON class_enrollments.class_id = classes.id").
		Where("class_enrollments.student_id = ?", studentID).
		Order("classes.name ASC").
		Find(&classes).Error
	return classes, err
}

func (r *CatalogRepository) EnrollmentsForStudent(studentID string) ([]model.ClassEnrollment, error) {
	var enrollments []model.ClassEnrollment
	err := r.DB.Where("student_id = ?", studentID).Find(&enrollments).Error
	return enrollments, err
}

func (r *CatalogRepository) LessonsByClassIDs(classIDs []string) ([]model.Lesson, error) {
	var lessons []model.Lesson
	if len(classIDs) == 0 {
		return lessons, nil
	}
	err := r.DB.Where("class_id IN ?", classIDs).Order("class_id ASC, sort_order ASC").Find(&lessons).Error
	return lessons, err
}

func (r *CatalogRepository) LessonsByIDs(ids []string) ([]model.Lesson, error) {
	var lessons []model.Lesson
	if len(ids) == 0 {
		return lessons, nil
	}
	err := r.DB.Where("id IN ?", ids).Find(&lessons).Error
	return lessons, err
}

// AssessmentsByClassIDs kind 为空时返回全部类型
func (r *CatalogRepository) AssessmentsByClassIDs(classIDs []string, kind model.AssessmentKind) ([]model.Assessment, error) {
	var assessments []model.Assessment
	if len(classIDs) == 0 {
		return assessments, nil
	}
	db := r.DB.Where("class_id IN ?", classIDs)
	if kind != "" {
		db = db.Where("kind = ?", kind)
	}
	err := db.Order("title ASC").Find(&assessments).Error
	return assessments, err
}

func (r *CatalogRepository) AssessmentsByIDs(ids []string) ([]model.Assessment, error) {
	var assessments []model.Assessment
	if len(ids) == 0 {
		return assessments, nil
	}
	err := r.DB.Where("id IN ?", ids).Find(&assessments).Error
	return assessments, err
}

func (r *CatalogRepository) GetAssessment(id string) (*model.Assessment, error) {
	return first[model.Assessment](r.DB, id)
}

func (r *CatalogRepository) QuestionsForAssessment(assessmentID string) ([]model.Question, error) {
	var questions []model.Question
	err := r.DB.Where("assessment_id = ?", assessmentID).Order("sort_order ASC").Find(&questions).Error
	return questions, err
}

// OptionsForQuestions 按题目分组返回选项
func (r *CatalogRepository) OptionsForQuestions(questionIDs []string) (map[string][]model.Option, error) {
	out := make(map[string][]model.Option, len(questionIDs))
	if len(questionIDs) == 0 {
		return out, nil
	}
	var options []model.Option
	if err := r.DB.Where("question_id IN ?", questionIDs).Order("sort_order ASC").Find(&options).Error; err != nil {
		return nil, err
	}
	for _, o := range options {
		out[o.QuestionID] = append(out[o.QuestionID], o)
	}
	return out, nil
}
