package model

type UserRole string

const (
	Student UserRole = "student"
	Teacher UserRole = "teacher"
	Parent  UserRole = "parent"
	Admin   UserRole = "admin"
)

// swagger:model User
type User struct {
	SyncBase
	Name      string   `gorm:"size:100;not null" json:"name"`
	Role      UserRole `gorm:"size:20;default:'student'" json:"role"`
	AvatarURL string   `gorm:"size:255" json:"avatarUrl"`
}

func (User) TableName() string { return "users" }
func (User) Collection() string { return "users" }

// ParentStudentLink 家长与学生的关联，在远端通过字段查询解析
type ParentStudentLink struct {
	SyncBase
	ParentID  string `gorm:"size:80;index" json:"parentId"`
	StudentID string `gorm:"size:80;index" json:"studentId"`
}

func (ParentStudentLink) TableName() string { return "parent_student_links" }
func (ParentStudentLink) Collection() string { return "parent_links" }
