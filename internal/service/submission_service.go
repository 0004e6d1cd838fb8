package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/scoring"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"classroom_sync_backend/pkg/monitoring"
	"classroom_sync_backend/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AnswerInput struct {
	QuestionID string `json:"questionId" binding:"required"`
	Payload    string `json:"payload"`
}

// SubmissionRequest ID 为空时由服务端生成；客户端重试时带上同一个 ID 保证只写一次
type SubmissionRequest struct {
	ID               string        `json:"id"`
	StudentID        string        `json:"studentId"`
	AssessmentID     string        `json:"assessmentId" binding:"required"`
	CompletionStatus string        `json:"completionStatus"`
	DurationSeconds  int           `json:"durationSeconds"`
	SubmissionTime   time.Time     `json:"submissionTime"`
	Answers          []AnswerInput `json:"answers"`
}

type Submission struct {
	Result  model.StudentResult   `json:"result"`
	Answers []model.StudentAnswer `json:"answers"`
	// Duplicate 为 true 表示该 ID 已提交过，返回的是已存储的结果
	Duplicate bool `json:"duplicate"`
}

// AssessmentContent 判分所需的测评、题目与选项
type AssessmentContent struct {
	Assessment *model.Assessment         `json:"assessment"`
	Questions  []model.Question          `json:"questions"`
	Options    map[string][]model.Option `json:"options"`
}

func (c *AssessmentContent) question(id string) (model.Question, bool) {
	for _, q := range c.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return model.Question{}, false
}

func (c *AssessmentContent) MaxScore() int {
	total := 0
	for _, q := range c.Questions {
		total += q.Score
	}
	return total
}

const attemptReserveTimeout = 3 * time.Second

type SubmissionService struct {
	DB         *gorm.DB
	Feed       *repository.ChangeFeed
	Locks      *util.KeyedLocker
	Engine     *scoring.Engine
	Reconciler *Reconciler
	Propagator *Propagator
	StudyTime  *StudyTimeService
	now        func() time.Time
}

func NewSubmissionService(db *gorm.DB, feed *repository.ChangeFeed, locks *util.KeyedLocker, engine *scoring.Engine,
	reconciler *Reconciler, propagator *Propagator, studyTime *StudyTimeService) *SubmissionService {
	return &SubmissionService{
		DB:         db,
		Feed:       feed,
		Locks:      locks,
		Engine:     engine,
		Reconciler: reconciler,
		Propagator: propagator,
		StudyTime:  studyTime,
		now:        utcNow,
	}
}

// LoadContent 从本地缓存读取测评内容；缓存中没有时先同步一次
func (s *SubmissionService) LoadContent(ctx context.Context, assessmentID, studentID string) (*AssessmentContent, error) {
	content, err := s.readContent(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if content == nil && s.Reconciler != nil {
		if err := s.Reconciler.Sync(ctx, MiniGameUnit(assessmentID, studentID), true); err != nil {
			return nil, err
		}
		if content, err = s.readContent(ctx, assessmentID); err != nil {
			return nil, err
		}
	}
	if content == nil {
		return nil, fmt.Errorf("assessment %s: %w", assessmentID, util.ErrNotFound)
	}
	return content, nil
}

func (s *SubmissionService) readContent(ctx context.Context, assessmentID string) (*AssessmentContent, error) {
	var content *AssessmentContent
	err := repository.ReadTx(ctx, s.DB, func(tx *gorm.DB) error {
		catalog := repository.NewCatalogRepository(tx)
		a, err := catalog.GetAssessment(assessmentID)
		if err != nil || a == nil {
			return err
		}
		questions, err := catalog.QuestionsForAssessment(assessmentID)
		if err != nil {
			return err
		}
		ids := make([]string, len(questions))
		for i, q := range questions {
			ids[i] = q.ID
		}
		options, err := catalog.OptionsForQuestions(ids)
		if err != nil {
			return err
		}
		content = &AssessmentContent{Assessment: a, Questions: questions, Options: options}
		return nil
	})
	return content, err
}

func (s *SubmissionService) validate(req *SubmissionRequest) error {
	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.AssessmentID) == "" {
		return fmt.Errorf("%w: studentId and assessmentId are required", util.ErrValidation)
	}
	if req.DurationSeconds < 0 {
		return fmt.Errorf("%w: durationSeconds must not be negative", util.ErrValidation)
	}
	seen := make(map[string]struct{}, len(req.Answers))
	for _, a := range req.Answers {
		if strings.TrimSpace(a.QuestionID) == "" {
			return fmt.Errorf("%w: answer without questionId", util.ErrValidation)
		}
		if _, dup := seen[a.QuestionID]; dup {
			return fmt.Errorf("%w: question %s answered twice", util.ErrValidation, a.QuestionID)
		}
		seen[a.QuestionID] = struct{}{}
	}
	return nil
}

// grade 为每道作答判分并生成答题记录；整次提交使用同一个问答题策略并记录在作答上
func (s *SubmissionService) grade(content *AssessmentContent, resultID string, answers []AnswerInput, now time.Time) ([]model.StudentAnswer, int, error) {
	policy := s.Engine.EssayPolicy()
	out := make([]model.StudentAnswer, 0, len(answers))
	total := 0
	for _, in := range answers {
		q, ok := content.question(in.QuestionID)
		if !ok {
			return nil, 0, fmt.Errorf("%w: question %s does not belong to assessment %s",
				util.ErrValidation, in.QuestionID, content.Assessment.ID)
		}
		outcome := scoring.Score(scoring.EffectiveType(q, content.Assessment), q.Score, in.Payload, content.Options[q.ID], policy)
		answer := model.StudentAnswer{
			SyncBase:    model.SyncBase{ID: model.CompositeID(resultID, q.ID)},
			ResultID:    resultID,
			QuestionID:  q.ID,
			Payload:     in.Payload,
			IsCorrect:   outcome.IsCorrect,
			EarnedScore: outcome.EarnedScore,
			Policy:      string(policy),
		}
		answer.Touch(now)
		total += outcome.EarnedScore
		out = append(out, answer)
	}
	return out, total, nil
}

// Submit 判分并原子写入结果与作答，随后异步推送到远端。
// 推送失败不影响返回值，写日志会在下次同步时重试。
func (s *SubmissionService) Submit(ctx context.Context, req SubmissionRequest) (sub *Submission, err error) {
	ctx, span := tracing.StartSpan(ctx, "SubmissionService.Submit",
		attribute.String("student_id", req.StudentID), attribute.String("assessment_id", req.AssessmentID))
	defer func() { tracing.EndSpan(span, err) }()

	if err := s.validate(&req); err != nil {
		monitoring.Submissions.WithLabelValues("", "rejected").Inc()
		return nil, err
	}

	now := s.now()
	if req.ID == "" {
		req.ID = model.GenerateUUID()
	}
	if req.SubmissionTime.IsZero() {
		req.SubmissionTime = now
	}
	if req.CompletionStatus == "" {
		req.CompletionStatus = model.StatusCompleted
	}

	content, err := s.LoadContent(ctx, req.AssessmentID, req.StudentID)
	if err != nil {
		monitoring.Submissions.WithLabelValues("", "rejected").Inc()
		return nil, err
	}
	answers, score, err := s.grade(content, req.ID, req.Answers, now)
	if err != nil {
		monitoring.Submissions.WithLabelValues(string(content.Assessment.Kind), "rejected").Inc()
		return nil, err
	}

	result := model.StudentResult{
		SyncBase:         model.SyncBase{ID: req.ID},
		Kind:             content.Assessment.Kind,
		StudentID:        req.StudentID,
		AssessmentID:     req.AssessmentID,
		Score:            score,
		MaxScore:         content.MaxScore(),
		CompletionStatus: req.CompletionStatus,
		SubmissionTime:   req.SubmissionTime.UTC(),
		DurationSeconds:  req.DurationSeconds,
	}
	result.Touch(now)

	sub, err = s.store(ctx, result, answers, s.reserveAttempt(ctx, result))
	if err != nil {
		monitoring.Submissions.WithLabelValues(string(content.Assessment.Kind), "failed").Inc()
		return nil, err
	}
	if sub.Duplicate {
		monitoring.Submissions.WithLabelValues(string(content.Assessment.Kind), "duplicate").Inc()
		return sub, nil
	}
	monitoring.Submissions.WithLabelValues(string(content.Assessment.Kind), "stored").Inc()

	s.Propagator.Notify(ctx, ProgressUnit(req.StudentID))
	if req.DurationSeconds > 0 && s.StudyTime != nil {
		if _, err := s.StudyTime.Add(ctx, req.StudentID, "", req.DurationSeconds); err != nil {
			logger.Log.Warn("Accumulate study time failed", zap.String("result_id", req.ID), zap.Error(err))
		}
	}

	logger.Log.Info("Result submitted",
		zap.String("result_id", sub.Result.ID),
		zap.String("student_id", req.StudentID),
		zap.String("assessment_id", req.AssessmentID),
		zap.Int("attempt", sub.Result.AttemptNumber),
		zap.Int("score", sub.Result.Score))
	return sub, nil
}

// reserveAttempt 先补推该学生未确认的写入，再在远端计数器上预留下一个尝试序号。
// 远端不可用或该 ID 已提交过时返回 0，由本地按已有最大序号顺延
func (s *SubmissionService) reserveAttempt(ctx context.Context, result model.StudentResult) int {
	if s.Reconciler == nil {
		return 0
	}
	repo := repository.NewResultRepository(s.DB.WithContext(ctx))
	if existing, err := repo.FindByID(result.ID); err != nil || existing != nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, attemptReserveTimeout)
	defer cancel()
	if err := s.Reconciler.Push(ctx, ProgressUnit(result.StudentID)); err != nil {
		logger.Log.Info("Submitting with a local attempt number",
			zap.String("result_id", result.ID), zap.Error(err))
		return 0
	}
	floor, err := repo.MaxSettledAttempt(result.StudentID, result.AssessmentID)
	if err != nil {
		return 0
	}
	n, err := s.Reconciler.ReserveAttempt(ctx, result.StudentID, result.AssessmentID, floor)
	if err != nil {
		logger.Log.Info("Reserve attempt number failed, numbering locally",
			zap.String("result_id", result.ID), zap.Error(err))
		return 0
	}
	return n
}

// store 在学生的写屏障内确定尝试序号并写入；同一 ID 只写一次。
// reserved 为远端预留的序号，占用它的本地离线结果顺延
func (s *SubmissionService) store(ctx context.Context, result model.StudentResult, answers []model.StudentAnswer, reserved int) (*Submission, error) {
	unit := ProgressUnit(result.StudentID)
	unlock := s.Locks.Lock(string(unit))
	defer unlock()

	var sub *Submission
	err := repository.WriteTx(ctx, s.DB, s.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := repository.NewResultRepository(tx)
		existing, err := repo.FindByID(result.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.StudentID != result.StudentID || existing.AssessmentID != result.AssessmentID {
				return fmt.Errorf("%w: result id %s is already used", util.ErrValidation, result.ID)
			}
			stored, err := repo.GetAnswers(existing.ID)
			if err != nil {
				return err
			}
			sub = &Submission{Result: *existing, Answers: stored, Duplicate: true}
			return nil
		}

		if reserved > 0 {
			shifted, err := repo.YieldAttempts(result.StudentID, result.AssessmentID, reserved, 1)
			if err != nil {
				return err
			}
			if shifted > 0 {
				touched.Add(result.TableName())
			}
			result.AttemptNumber = reserved
			result.AttemptReserved = true
		} else {
			last, err := repo.MaxAttempt(result.StudentID, result.AssessmentID)
			if err != nil {
				return err
			}
			result.AttemptNumber = last + 1
		}
		if err := repo.Create(&result, answers); err != nil {
			return err
		}

		rows := make([]model.Syncable, 0, len(answers)+1)
		rows = append(rows, &result)
		for i := range answers {
			rows = append(rows, &answers[i])
		}
		if err := journal(tx, touched, unit, model.OpUpsert, rows...); err != nil {
			return err
		}
		sub = &Submission{Result: result, Answers: answers}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: attempt conflict, retry the submission", util.ErrRemoteUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type ReviewedAnswer struct {
	Answer     model.StudentAnswer `json:"answer"`
	Recomputed scoring.Outcome     `json:"recomputed"`
	Matches    bool                `json:"matches"`
}

type Review struct {
	Result          model.StudentResult `json:"result"`
	Answers         []ReviewedAnswer    `json:"answers"`
	RecomputedScore int                 `json:"recomputedScore"`
	Reproduced      bool                `json:"reproduced"`
}

// ReviewResult 用存储的作答重新判分，检查是否得到相同分数
func (s *SubmissionService) ReviewResult(ctx context.Context, resultID string) (*Review, error) {
	repo := repository.NewResultRepository(s.DB.WithContext(ctx))
	result, err := repo.FindByID(resultID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("result %s: %w", resultID, util.ErrNotFound)
	}
	answers, err := repo.GetAnswers(resultID)
	if err != nil {
		return nil, err
	}
	content, err := s.LoadContent(ctx, result.AssessmentID, result.StudentID)
	if err != nil {
		return nil, err
	}

	review := &Review{Result: *result, Reproduced: true}
	for _, a := range answers {
		var outcome scoring.Outcome
		if q, ok := content.question(a.QuestionID); ok {
			policy := s.Engine.PolicyFor(a.Policy)
			outcome = scoring.Score(scoring.EffectiveType(q, content.Assessment), q.Score, a.Payload, content.Options[q.ID], policy)
		}
		matches := outcome.IsCorrect == a.IsCorrect && outcome.EarnedScore == a.EarnedScore
		review.Answers = append(review.Answers, ReviewedAnswer{Answer: a, Recomputed: outcome, Matches: matches})
		review.RecomputedScore += outcome.EarnedScore
		if !matches {
			review.Reproduced = false
		}
	}
	if review.RecomputedScore != result.Score {
		review.Reproduced = false
	}
	return review, nil
}

// Attempts 学生在某测评上的全部尝试，按序号升序
func (s *SubmissionService) Attempts(ctx context.Context, studentID, assessmentID string) ([]model.StudentResult, error) {
	return repository.NewResultRepository(s.DB.WithContext(ctx)).ListAttempts(studentID, assessmentID)
}
