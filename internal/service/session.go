package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type SessionState string

const (
	SessionLoading    SessionState = "LOADING"
	SessionInProgress SessionState = "IN_PROGRESS"
	SessionSubmitting SessionState = "SUBMITTING"
	SessionSubmitted  SessionState = "SUBMITTED"
	SessionError      SessionState = "ERROR"
)

// SessionView 会话的只读快照
type SessionView struct {
	ID               string                    `json:"id"`
	StudentID        string                    `json:"studentId"`
	AssessmentID     string                    `json:"assessmentId"`
	State            SessionState              `json:"state"`
	TimeLimited      bool                      `json:"timeLimited"`
	RemainingSeconds int                       `json:"remainingSeconds"`
	Questions        []model.Question          `json:"questions"`
	Options          map[string][]model.Option `json:"options"`
	Answers          map[string]string         `json:"answers"`
	Result           *Submission               `json:"result,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Session 一次作答：InProgress 时计时，归零后自动提交；
// 提交失败进入 Error，已作答内容保留，可继续作答或重试
type Session struct {
	mu           sync.Mutex
	id           string
	submissionID string
	studentID    string
	content      *AssessmentContent
	state        SessionState
	timeLimited  bool
	remaining    int
	answers      map[string]string
	result       *Submission
	lastErr      error
	startedAt    time.Time
	submittedAt  time.Time

	submitter *SubmissionService
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

func (s *Session) ID() string { return s.id }
func (s *Session) StudentID() string { return s.studentID }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SessionView{
		ID:               s.id,
		StudentID:        s.studentID,
		State:            s.state,
		TimeLimited:      s.timeLimited,
		RemainingSeconds: s.remaining,
		Answers:          make(map[string]string, len(s.answers)),
		Result:           s.result,
	}
	for k, a := range s.answers {
		v.Answers[k] = a
	}
	if s.lastErr != nil && s.state == SessionError {
		v.Error = util.UserMessage(s.lastErr)
	}
	if s.content != nil {
		v.AssessmentID = s.content.Assessment.ID
		v.Questions = s.content.Questions
		v.Options = make(map[string][]model.Option, len(s.content.Options))
		for qid, opts := range s.content.Options {
			// 不向作答方暴露答案
			clean := make([]model.Option, len(opts))
			for i, o := range opts {
				o.IsCorrect = false
				o.PairID = nil
				clean[i] = o
			}
			v.Options[qid] = clean
		}
	}
	return v
}

// SetAnswer 记录作答；Error 状态下作答会回到 InProgress
func (s *Session) SetAnswer(questionID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionSubmitted:
		return util.ErrSessionClosed
	case SessionSubmitting, SessionLoading:
		return util.ErrSessionBusy
	}
	if _, ok := s.content.question(questionID); !ok {
		return fmt.Errorf("%w: question %s is not part of this session", util.ErrValidation, questionID)
	}
	s.answers[questionID] = payload
	s.state = SessionInProgress
	return nil
}

// Submit 手动提交
func (s *Session) Submit(ctx context.Context) (*Submission, error) {
	return s.submit(ctx, model.StatusCompleted)
}

func (s *Session) submit(ctx context.Context, status string) (*Submission, error) {
	s.mu.Lock()
	switch s.state {
	case SessionSubmitted:
		s.mu.Unlock()
		return nil, util.ErrSessionClosed
	case SessionSubmitting, SessionLoading:
		s.mu.Unlock()
		return nil, util.ErrSessionBusy
	}
	s.state = SessionSubmitting
	req := s.requestLocked(status)
	s.mu.Unlock()

	sub, err := s.submitter.Submit(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = SessionError
		s.lastErr = err
		return nil, err
	}
	s.state = SessionSubmitted
	s.result = sub
	s.lastErr = nil
	s.submittedAt = s.now()
	s.cancel()
	return sub, nil
}

// requestLocked 每次重试使用同一个结果 ID，流水线据此保证只写一次
func (s *Session) requestLocked(status string) SubmissionRequest {
	elapsed := int(s.now().Sub(s.startedAt) / time.Second)
	if s.timeLimited && status == model.StatusTimedOut {
		elapsed = s.content.Assessment.TimeLimitSeconds
	}

	qids := make([]string, 0, len(s.answers))
	for qid := range s.answers {
		qids = append(qids, qid)
	}
	sort.Strings(qids)
	answers := make([]AnswerInput, 0, len(qids))
	for _, qid := range qids {
		answers = append(answers, AnswerInput{QuestionID: qid, Payload: s.answers[qid]})
	}

	return SubmissionRequest{
		ID:               s.submissionID,
		StudentID:        s.studentID,
		AssessmentID:     s.content.Assessment.ID,
		CompletionStatus: status,
		DurationSeconds:  elapsed,
		Answers:          answers,
	}
}

// run 每个 tick 剩余时间减一秒，InProgress 时归零即强制提交
func (s *Session) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.state != SessionInProgress {
			s.mu.Unlock()
			continue
		}
		if s.remaining > 0 {
			s.remaining--
		}
		expired := s.remaining == 0
		s.mu.Unlock()

		if expired {
			if _, err := s.submit(s.ctx, model.StatusTimedOut); err != nil && s.ctx.Err() == nil {
				logger.Log.Warn("Timed submission failed, answers kept for retry",
					zap.String("session_id", s.id), zap.Error(err))
			}
		}
	}
}

// exit 停止计时
func (s *Session) exit() {
	s.cancel()
}

// expired 已提交且超过保留时长
func (s *Session) expired(now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionSubmitted && now.Sub(s.submittedAt) >= retention
}

const defaultSubmittedRetention = 10 * time.Minute

// SessionManager 保存作答会话；已提交的会话保留一段时间供查看结果，之后被清除
type SessionManager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	submitter *SubmissionService
	tick      atomic.Int64
	retention atomic.Int64
	now       func() time.Time
}

func NewSessionManager(submitter *SubmissionService, tick time.Duration) *SessionManager {
	m := &SessionManager{
		sessions:  make(map[string]*Session),
		submitter: submitter,
		now:       utcNow,
	}
	m.SetTickInterval(tick)
	m.SetSubmittedRetention(defaultSubmittedRetention)
	return m
}

// SetSubmittedRetention 已提交会话的保留时长，不大于 0 时取默认值
func (m *SessionManager) SetSubmittedRetention(d time.Duration) {
	if d <= 0 {
		d = defaultSubmittedRetention
	}
	m.retention.Store(int64(d))
}

// evictLocked 清除过期的已提交会话，须持有 m.mu
func (m *SessionManager) evictLocked() {
	now := m.now()
	retention := time.Duration(m.retention.Load())
	for id, s := range m.sessions {
		if s.expired(now, retention) {
			delete(m.sessions, id)
		}
	}
}

// SetTickInterval 只影响之后创建的会话
func (m *SessionManager) SetTickInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	m.tick.Store(int64(d))
}

func (m *SessionManager) TickInterval() time.Duration {
	return time.Duration(m.tick.Load())
}

// Start 加载测评内容后进入 InProgress；加载失败不创建会话
func (m *SessionManager) Start(ctx context.Context, studentID, assessmentID string) (*Session, error) {
	if studentID == "" || assessmentID == "" {
		return nil, fmt.Errorf("%w: studentId and assessmentId are required", util.ErrValidation)
	}
	content, err := m.submitter.LoadContent(ctx, assessmentID, studentID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           model.GenerateUUID(),
		submissionID: model.GenerateUUID(),
		studentID:    studentID,
		content:      content,
		state:        SessionInProgress,
		timeLimited:  content.Assessment.TimeLimitSeconds > 0,
		remaining:    content.Assessment.TimeLimitSeconds,
		answers:      make(map[string]string),
		startedAt:    m.now(),
		submitter:    m.submitter,
		ctx:          sctx,
		cancel:       cancel,
		now:          m.now,
	}
	if s.timeLimited {
		go s.run(m.TickInterval())
	}

	m.mu.Lock()
	m.evictLocked()
	m.sessions[s.id] = s
	m.mu.Unlock()

	logger.Log.Debug("Session started", zap.String("session_id", s.id), zap.String("assessment_id", assessmentID))
	return s, nil
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	s, ok := m.sessions[id]
	if !ok {
		return nil, util.ErrSessionNotFound
	}
	return s, nil
}

// Exit 结束会话并停止计时，未提交的作答被丢弃
func (m *SessionManager) Exit(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return util.ErrSessionNotFound
	}
	s.exit()
	return nil
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close 停止所有会话的计时
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.exit()
		delete(m.sessions, id)
	}
}
