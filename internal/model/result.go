package model

import "time"

const (
	StatusCompleted = "COMPLETED"
	StatusTimedOut  = "TIMED_OUT"
)

// StudentResult 一次完整提交；重复作答生成新的 AttemptNumber，旧记录保持不变
// swagger:model StudentResult
type StudentResult struct {
	SyncBase
	Kind             AssessmentKind `gorm:"size:20;index" json:"kind"`
	StudentID        string         `gorm:"size:80;index;uniqueIndex:ux_result_attempt,priority:1" json:"studentId"`
	AssessmentID     string         `gorm:"size:80;index;uniqueIndex:ux_result_attempt,priority:2" json:"assessmentId"`
	AttemptNumber    int            `gorm:"uniqueIndex:ux_result_attempt,priority:3" json:"attemptNumber"`
	Score            int            `json:"score"`
	MaxScore         int            `json:"maxScore"`
	CompletionStatus string         `gorm:"size:20" json:"completionStatus"`
	SubmissionTime   time.Time      `gorm:"index" json:"submissionTime"`
	DurationSeconds  int            `json:"durationSeconds"`
	// AttemptReserved 序号已在远端计数器登记；未登记的离线序号在首次推送前可能被顺延
	AttemptReserved bool `json:"-"`
}

func (StudentResult) TableName() string { return "student_results" }
func (StudentResult) Collection() string { return "results" }

// Percentage 返回 0-100 的得分率
func (r StudentResult) Percentage() float64 {
	if r.MaxScore <= 0 {
		return 0
	}
	return float64(r.Score) * 100 / float64(r.MaxScore)
}

type StudentAnswer struct {
	SyncBase
	ResultID    string `gorm:"size:80;index" json:"resultId"`
	QuestionID  string `gorm:"size:80" json:"questionId"`
	Payload     string `gorm:"type:text" json:"payload"`
	IsCorrect   bool   `json:"isCorrect"`
	EarnedScore int    `json:"earnedScore"`
	// Policy 判分时使用的问答题策略，复核按它重算
	Policy string `gorm:"size:20" json:"policy,omitempty"`
}

func (StudentAnswer) TableName() string { return "student_answers" }
func (StudentAnswer) Collection() string { return "answers" }
