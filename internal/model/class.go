package model

// Class 班级，Subject 为空时统计归入 "Unclassified"
type Class struct {
	SyncBase
	Name      string  `gorm:"size:100;not null" json:"name"`
	Subject   *string `gorm:"size:100" json:"subject"`
	TeacherID string  `gorm:"size:80;index" json:"teacherId"`
}

func (Class) TableName() string { return "classes" }
func (Class) Collection() string { return "classes" }

type ClassEnrollment struct {
	SyncBase
	ClassID   string `gorm:"size:80;index" json:"classId"`
	StudentID string `gorm:"size:80;index" json:"studentId"`
}

func (ClassEnrollment) TableName() string { return "class_enrollments" }
func (ClassEnrollment) Collection() string { return "enrollments" }

type Lesson struct {
	SyncBase
	ClassID string `gorm:"size:80;index" json:"classId"`
	Title   string `gorm:"size:200" json:"title"`
	Order   int    `gorm:"column:sort_order" json:"order"`
}

func (Lesson) TableName() string { return "lessons" }
func (Lesson) Collection() string { return "lessons" }
