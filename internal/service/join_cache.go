package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"

	"gorm.io/gorm"
)

// joinCache 只在一次读模型计算内有效，避免同一次 join 中重复查询相同实体
type joinCache struct {
	catalog     *repository.CatalogRepository
	userRepo    *repository.UserRepository
	users       map[string]*model.User
	lessons     map[string]*model.Lesson
	assessments map[string]*model.Assessment
}

func newJoinCache(tx *gorm.DB) *joinCache {
	return &joinCache{
		catalog:     repository.NewCatalogRepository(tx),
		userRepo:    repository.NewUserRepository(tx),
		users:       make(map[string]*model.User),
		lessons:     make(map[string]*model.Lesson),
		assessments: make(map[string]*model.Assessment),
	}
}

func memo[T any](m map[string]*T, id string, load func(string) (*T, error)) (*T, error) {
	if id == "" {
		return nil, nil
	}
	if v, ok := m[id]; ok {
		return v, nil
	}
	v, err := load(id)
	if err != nil {
		return nil, err
	}
	m[id] = v
	return v, nil
}

func (c *joinCache) user(id string) (*model.User, error) {
	return memo(c.users, id, c.userRepo.FindByID)
}

func (c *joinCache) lesson(id string) (*model.Lesson, error) {
	return memo(c.lessons, id, func(id string) (*model.Lesson, error) {
		lessons, err := c.catalog.LessonsByIDs([]string{id})
		if err != nil || len(lessons) == 0 {
			return nil, err
		}
		return &lessons[0], nil
	})
}

func (c *joinCache) assessment(id string) (*model.Assessment, error) {
	return memo(c.assessments, id, c.catalog.GetAssessment)
}
