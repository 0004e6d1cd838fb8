package repository

import (
	"classroom_sync_backend/internal/model"

	"gorm.io/gorm"
)

// UserRepository 用户与家长关联，数据来自远端同步，本端只读
type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) FindByID(id string) (*model.User, error) {
	return first[model.User](r.DB, id)
}

func (r *UserRepository) FindByIDs(ids []string) ([]model.User, error) {
	var users []model.User
	if len(ids) == 0 {
		return users, nil
	}
	err := r.DB.Where("id IN ?", ids).Find(&users).Error
	return users, err
}

// ChildrenOfParent 通过家长关联解析出的学生用户
func (r *UserRepository) ChildrenOfParent(parentID string) ([]model.User, error) {
	var users []model.User
	err := r.DB.Model(&model.User{}).
		Joins("JOIN parent_student_links ON parent_student_links.student_id = users.id").
		Where("parent_student_links.parent_id = ?", parentID).
		Order("users.name ASC").
		Find(&users).Error
	return users, err
}

func (r *UserRepository) IsParentOf(parentID, studentID string) (bool, error) {
	var count int64
	err := r.DB.Model(&model.ParentStudentLink{}).
		Where("parent_id = ? AND student_id = ?", parentID, studentID).
		Count(&count).Error
	return count > 0, err
}
