package model

import "time"

// StudentLessonProgress 以 (studentId, lessonId) 为自然键；IsCompleted 一旦为 true 不再回退
type StudentLessonProgress struct {
	SyncBase
	StudentID             string    `gorm:"size:80;uniqueIndex:ux_progress,priority:1" json:"studentId"`
	LessonID              string    `gorm:"size:80;uniqueIndex:ux_progress,priority:2" json:"lessonId"`
	ProgressPercentage    int       `json:"progressPercentage"`
	IsCompleted           bool      `json:"isCompleted"`
	TimeSpentSeconds      int       `json:"timeSpentSeconds"`
	LastAccessedContentID string    `gorm:"size:80" json:"lastAccessedContentId"`
	LastAccessedAt        time.Time `gorm:"index" json:"lastAccessedAt"`
}

func (StudentLessonProgress) TableName() string { return "student_lesson_progress" }
func (StudentLessonProgress) Collection() string { return "progress" }

func ProgressID(studentID, lessonID string) string {
	return CompositeID(studentID, lessonID)
}

// Merge 并入另一端的同一进度：完成状态取或，百分比与时长取最大，最近访问取较晚的一端
func (p *StudentLessonProgress) Merge(other StudentLessonProgress) {
	if other.ProgressPercentage > p.ProgressPercentage {
		p.ProgressPercentage = other.ProgressPercentage
	}
	if other.TimeSpentSeconds > p.TimeSpentSeconds {
		p.TimeSpentSeconds = other.TimeSpentSeconds
	}
	p.IsCompleted = p.IsCompleted || other.IsCompleted
	if other.LastAccessedAt.After(p.LastAccessedAt) {
		p.LastAccessedAt = other.LastAccessedAt
		if other.LastAccessedContentID != "" {
			p.LastAccessedContentID = other.LastAccessedContentID
		}
	}
	if !other.CreatedAt.IsZero() && (p.CreatedAt.IsZero() || other.CreatedAt.Before(p.CreatedAt)) {
		p.CreatedAt = other.CreatedAt
	}
	if other.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = other.UpdatedAt
	}
}

func (p *StudentLessonProgress) sameProgress(o StudentLessonProgress) bool {
	return p.ProgressPercentage == o.ProgressPercentage &&
		p.TimeSpentSeconds == o.TimeSpentSeconds &&
		p.IsCompleted == o.IsCompleted &&
		p.LastAccessedAt.Equal(o.LastAccessedAt) &&
		p.LastAccessedContentID == o.LastAccessedContentID
}

// MergeLocal 远端行并入本地行，返回本地是否有远端没有的进展
func (p *StudentLessonProgress) MergeLocal(local Syncable) bool {
	l, ok := local.(*StudentLessonProgress)
	if !ok {
		return false
	}
	remote := *p
	p.Merge(*l)
	return !p.sameProgress(remote)
}

// DailyStudyTime 按天累加的学习时长，只增不覆盖。
// UnpushedSeconds 是本地尚未加到远端的增量，推送时以增量写入
type DailyStudyTime struct {
	SyncBase
	StudentID       string `gorm:"size:80;uniqueIndex:ux_study_day,priority:1" json:"studentId"`
	Date            string `gorm:"size:10;uniqueIndex:ux_study_day,priority:2" json:"date"`
	DurationSeconds int    `json:"durationSeconds"`
	UnpushedSeconds int    `gorm:"default:0" json:"-"`
}

func (DailyStudyTime) TableName() string { return "daily_study_times" }
func (DailyStudyTime) Collection() string { return "study_time" }

func StudyTimeID(studentID, date string) string {
	return CompositeID(studentID, date)
}

// MergeLocal 远端总量加上本地未推送的增量
func (d *DailyStudyTime) MergeLocal(local Syncable) bool {
	l, ok := local.(*DailyStudyTime)
	if !ok || l.UnpushedSeconds <= 0 {
		return false
	}
	d.UnpushedSeconds = l.UnpushedSeconds
	d.DurationSeconds += l.UnpushedSeconds
	return true
}
