package model

type AssessmentKind string

const (
	KindTest     AssessmentKind = "test"
	KindMiniGame AssessmentKind = "minigame"
)

// GameType 决定小游戏题目的判分方式
const (
	GameTypeQuiz     = "QUIZ"
	GameTypeMatching = "MATCHING"
)

type QuestionType string

const (
	SingleChoice   QuestionType = "SINGLE_CHOICE"
	MultipleChoice QuestionType = "MULTIPLE_CHOICE"
	FillBlank      QuestionType = "FILL_BLANK"
	Essay          QuestionType = "ESSAY"
	Matching       QuestionType = "MATCHING"
)

// Assessment 覆盖课堂测试与小游戏两种形态
// swagger:model Assessment
type Assessment struct {
	SyncBase
	Kind             AssessmentKind `gorm:"size:20;index" json:"kind"`
	ClassID          string         `gorm:"size:80;index" json:"classId"`
	Title            string         `gorm:"size:200" json:"title"`
	GameType         string         `gorm:"size:30" json:"gameType,omitempty"`
	TimeLimitSeconds int            `json:"timeLimitSeconds"`
}

func (Assessment) TableName() string { return "assessments" }
func (Assessment) Collection() string { return "assessments" }

type Question struct {
	SyncBase
	AssessmentID string       `gorm:"size:80;index" json:"assessmentId"`
	Type         QuestionType `gorm:"size:30" json:"type"`
	Content      string       `gorm:"type:text" json:"content"`
	Score        int          `json:"score"`
	Order        int          `gorm:"column:sort_order" json:"order"`
}

func (Question) TableName() string { return "questions" }
func (Question) Collection() string { return "questions" }

// Option 的 PairID 指向配对题中与之对应的另一个选项
type Option struct {
	SyncBase
	QuestionID string  `gorm:"size:80;index" json:"questionId"`
	Content    string  `gorm:"type:text" json:"content"`
	IsCorrect  bool    `json:"isCorrect"`
	PairID     *string `gorm:"size:80" json:"pairId,omitempty"`
	Order      int     `gorm:"column:sort_order" json:"order"`
}

func (Option) TableName() string { return "options" }
func (Option) Collection() string { return "options" }
