package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/readmodel"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/monitoring"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	TrendGood             = "GOOD"
	TrendNeedsImprovement = "NEEDS_IMPROVEMENT"
	TrendStable           = "STABLE"

	ActivityLesson   = "LESSON"
	ActivityTest     = "TEST"
	ActivityMiniGame = "MINIGAME"

	recentPerSource = 5
	recentTotal     = 10
)

const (
	ViewConversations = "conversations"
	ViewDashboard     = "dashboard"
	ViewSubjects      = "subjects"
	ViewActivity      = "activity"
	ViewLeaderboard   = "leaderboard"
	ViewChildren      = "children"
)

var (
	tablesChat     = []string{"conversations", "conversation_participants", "messages", "users"}
	tablesCatalog  = []string{"classes", "class_enrollments", "lessons", "assessments"}
	tablesProgress = []string{"student_lesson_progress"}
	tablesResults  = []string{"student_results"}
	tablesStudy    = []string{"daily_study_times"}
)

type ConversationRow struct {
	Conversation model.Conversation `json:"conversation"`
	DisplayName  string             `json:"displayName"`
	OtherUser    *model.User        `json:"otherUser,omitempty"`
	UnreadCount  int                `json:"unreadCount"`
	IsMuted      bool               `json:"isMuted"`
	LastViewedAt time.Time          `json:"lastViewedAt"`
}

type Dashboard struct {
	TotalLessons      int     `json:"totalLessons"`
	CompletedLessons  int     `json:"completedLessons"`
	AverageProgress   float64 `json:"averageProgress"`
	TotalTests        int     `json:"totalTests"`
	CompletedTests    int     `json:"completedTests"`
	AverageTestScore  float64 `json:"averageTestScore"`
	MiniGamesPlayed   int     `json:"miniGamesPlayed"`
	BestMiniGameScore float64 `json:"bestMiniGameScore"`
	TotalStudySeconds int64   `json:"totalStudySeconds"`
}

type SubjectStats struct {
	Subject          string  `json:"subject"`
	Lessons          int     `json:"lessons"`
	CompletedLessons int     `json:"completedLessons"`
	AverageProgress  float64 `json:"averageProgress"`
	TestsTaken       int     `json:"testsTaken"`
	AverageTestScore float64 `json:"averageTestScore"`
	Trend            string  `json:"trend"`
}

type Activity struct {
	Type      string    `json:"type"`
	RefID     string    `json:"refId"`
	Title     string    `json:"title"`
	Value     float64   `json:"value"` // 课时为进度百分比，测评为得分率
	Timestamp time.Time `json:"timestamp"`
}

type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	StudentID      string    `json:"studentId"`
	Name           string    `json:"name"`
	Score          int       `json:"score"`
	MaxScore       int       `json:"maxScore"`
	AttemptNumber  int       `json:"attemptNumber"`
	SubmissionTime time.Time `json:"submissionTime"`
}

type ChildOverview struct {
	Student           model.User           `json:"student"`
	CompletedLessons  int                  `json:"completedLessons"`
	TotalStudySeconds int64                `json:"totalStudySeconds"`
	LatestResult      *model.StudentResult `json:"latestResult,omitempty"`
}

// ViewService 读模型：先返回本地缓存，再在后台触发对应单元的同步，
// 同步写入后通过变更通知重新计算
type ViewService struct {
	DB         *gorm.DB
	Feed       *repository.ChangeFeed
	Reconciler *Reconciler
}

func NewViewService(db *gorm.DB, feed *repository.ChangeFeed, reconciler *Reconciler) *ViewService {
	return &ViewService{DB: db, Feed: feed, Reconciler: reconciler}
}

func (v *ViewService) refresh(units ...UnitKey) {
	if v.Reconciler != nil {
		v.Reconciler.SyncInBackground(units...)
	}
}

// observe 每次查询都在只读事务中执行，并带一个仅属于本次计算的 joinCache
func observe[T any](ctx context.Context, v *ViewService, tables []string, query func(tx *gorm.DB, cache *joinCache) (T, error)) <-chan readmodel.Resource[T] {
	return repository.Observe(ctx, v.Feed, tables, func(ctx context.Context) (T, error) {
		var out T
		err := repository.ReadTx(ctx, v.DB, func(tx *gorm.DB) error {
			var err error
			out, err = query(tx, newJoinCache(tx))
			return err
		})
		return out, err
	})
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// counted 统计每次发出的快照
func counted[T any](ctx context.Context, view string, in <-chan readmodel.Resource[T]) <-chan readmodel.Resource[T] {
	out := make(chan readmodel.Resource[T])
	go func() {
		defer close(out)
		for {
			select {
			case r, ok := <-in:
				if !ok {
					return
				}
				monitoring.ReadModelEmissions.WithLabelValues(view, r.State().String()).Inc()
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (v *ViewService) ConversationList(ctx context.Context, userID string) <-chan readmodel.Resource[[]ConversationRow] {
	v.refresh(InboxUnit(userID))
	return counted(ctx, ViewConversations, observe(ctx, v, tablesChat, func(tx *gorm.DB, cache *joinCache) ([]ConversationRow, error) {
		return conversationRows(tx, cache, userID)
	}))
}

func conversationRows(tx *gorm.DB, cache *joinCache, userID string) ([]ConversationRow, error) {
	repo := repository.NewConversationRepository(tx)
	convs, err := repo.ConversationsForUser(userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	parts, err := repo.ParticipantsOf(ids)
	if err != nil {
		return nil, err
	}
	unread, err := repo.UnreadCounts(userID)
	if err != nil {
		return nil, err
	}

	self := make(map[string]model.ConversationParticipant)
	other := make(map[string]string)
	for _, p := range parts {
		if p.UserID == userID {
			self[p.ConversationID] = p
		} else if _, ok := other[p.ConversationID]; !ok {
			other[p.ConversationID] = p.UserID
		}
	}

	rows := make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		row := ConversationRow{
			Conversation: c,
			UnreadCount:  unread[c.ID],
			IsMuted:      self[c.ID].IsMuted,
			LastViewedAt: self[c.ID].LastViewedAt,
		}
		if c.Title != nil {
			row.DisplayName = *c.Title
		}
		if c.Type == model.OneToOne {
			u, err := cache.user(other[c.ID])
			if err != nil {
				return nil, err
			}
			row.OtherUser = u
			if u != nil {
				row.DisplayName = u.Name
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// enrolledLessons 学生所在班级的全部课时
func enrolledLessons(tx *gorm.DB, studentID string) ([]model.Lesson, error) {
	catalog := repository.NewCatalogRepository(tx)
	classes, err := catalog.ClassesForStudent(studentID)
	if err != nil {
		return nil, err
	}
	return catalog.LessonsByClassIDs(classIDs(classes))
}

func enrolledTests(tx *gorm.DB, studentID string) ([]model.Assessment, error) {
	catalog := repository.NewCatalogRepository(tx)
	classes, err := catalog.ClassesForStudent(studentID)
	if err != nil {
		return nil, err
	}
	return catalog.AssessmentsByClassIDs(classIDs(classes), model.KindTest)
}

func classIDs(classes []model.Class) []string {
	ids := make([]string, len(classes))
	for i, c := range classes {
		ids[i] = c.ID
	}
	return ids
}

func (v *ViewService) Dashboard(ctx context.Context, studentID string) <-chan readmodel.Resource[Dashboard] {
	v.refresh(StudentUnit(studentID), ProgressUnit(studentID))

	lessons := observe(ctx, v, tablesCatalog, func(tx *gorm.DB, _ *joinCache) ([]model.Lesson, error) {
		return enrolledLessons(tx, studentID)
	})
	progress := observe(ctx, v, tablesProgress, func(tx *gorm.DB, _ *joinCache) ([]model.StudentLessonProgress, error) {
		return repository.NewProgressRepository(tx).ListByStudent(studentID)
	})
	tests := observe(ctx, v, tablesCatalog, func(tx *gorm.DB, _ *joinCache) ([]model.Assessment, error) {
		return enrolledTests(tx, studentID)
	})
	results := observe(ctx, v, tablesResults, func(tx *gorm.DB, _ *joinCache) ([]model.StudentResult, error) {
		return repository.NewResultRepository(tx).ListByStudent(studentID, "", 0)
	})
	study := observe(ctx, v, tablesStudy, func(tx *gorm.DB, _ *joinCache) (int64, error) {
		return repository.NewProgressRepository(tx).TotalStudySeconds(studentID)
	})

	combined := readmodel.Combine(ctx, func(vals []any) (Dashboard, error) {
		return buildDashboard(
			vals[0].([]model.Lesson),
			vals[1].([]model.StudentLessonProgress),
			vals[2].([]model.Assessment),
			vals[3].([]model.StudentResult),
			vals[4].(int64),
		), nil
	},
		readmodel.Erased(ctx, lessons),
		readmodel.Erased(ctx, progress),
		readmodel.Erased(ctx, tests),
		readmodel.Erased(ctx, results),
		readmodel.Erased(ctx, study),
	)
	return counted(ctx, ViewDashboard, combined)
}

// buildDashboard 课时总数优先取课时列表；列表为空时退回进度记录中出现过的课时
func buildDashboard(lessons []model.Lesson, progress []model.StudentLessonProgress, tests []model.Assessment,
	results []model.StudentResult, studySeconds int64) Dashboard {
	d := Dashboard{TotalStudySeconds: studySeconds}

	lessonSet := make(map[string]struct{}, len(lessons))
	for _, l := range lessons {
		lessonSet[l.ID] = struct{}{}
	}
	var relevant []model.StudentLessonProgress
	if len(lessonSet) > 0 {
		d.TotalLessons = len(lessonSet)
		for _, p := range progress {
			if _, ok := lessonSet[p.LessonID]; ok {
				relevant = append(relevant, p)
			}
		}
	} else {
		seen := make(map[string]struct{})
		for _, p := range progress {
			seen[p.LessonID] = struct{}{}
		}
		d.TotalLessons = len(seen)
		relevant = progress
	}

	pctSum := 0
	for _, p := range relevant {
		pctSum += p.ProgressPercentage
		if p.IsCompleted {
			d.CompletedLessons++
		}
	}
	if d.TotalLessons > 0 {
		d.AverageProgress = round1(float64(pctSum) / float64(d.TotalLessons))
	}

	d.TotalTests = len(tests)
	testsTaken := make(map[string]struct{})
	var testPctSum float64
	var testCount int
	for _, r := range results {
		switch r.Kind {
		case model.KindTest:
			testsTaken[r.AssessmentID] = struct{}{}
			testPctSum += r.Percentage()
			testCount++
		case model.KindMiniGame:
			d.MiniGamesPlayed++
			if pct := r.Percentage(); pct > d.BestMiniGameScore {
				d.BestMiniGameScore = round1(pct)
			}
		}
	}
	d.CompletedTests = len(testsTaken)
	if testCount > 0 {
		d.AverageTestScore = round1(testPctSum / float64(testCount))
	}
	return d
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

func subjectOf(c *model.Class) string {
	if c == nil || c.Subject == nil || strings.TrimSpace(*c.Subject) == "" {
		return util.UnclassifiedSubject
	}
	return strings.TrimSpace(*c.Subject)
}

// classifyTrend 没有测试成绩时视为 STABLE
func classifyTrend(avgTest, avgProgress float64, testsTaken int) string {
	switch {
	case testsTaken == 0:
		return TrendStable
	case avgTest >= 80 && avgProgress >= 70:
		return TrendGood
	case avgTest < 50:
		return TrendNeedsImprovement
	default:
		return TrendStable
	}
}

type subjectInput struct {
	Classes []model.Class
	Lessons []model.Lesson
	Tests   []model.Assessment
}

func (v *ViewService) SubjectStats(ctx context.Context, studentID string) <-chan readmodel.Resource[[]SubjectStats] {
	v.refresh(StudentUnit(studentID), ProgressUnit(studentID))

	catalog := observe(ctx, v, tablesCatalog, func(tx *gorm.DB, _ *joinCache) (subjectInput, error) {
		repo := repository.NewCatalogRepository(tx)
		classes, err := repo.ClassesForStudent(studentID)
		if err != nil {
			return subjectInput{}, err
		}
		ids := classIDs(classes)
		lessons, err := repo.LessonsByClassIDs(ids)
		if err != nil {
			return subjectInput{}, err
		}
		tests, err := repo.AssessmentsByClassIDs(ids, model.KindTest)
		if err != nil {
			return subjectInput{}, err
		}
		return subjectInput{Classes: classes, Lessons: lessons, Tests: tests}, nil
	})
	progress := observe(ctx, v, tablesProgress, func(tx *gorm.DB, _ *joinCache) ([]model.StudentLessonProgress, error) {
		return repository.NewProgressRepository(tx).ListByStudent(studentID)
	})
	results := observe(ctx, v, tablesResults, func(tx *gorm.DB, _ *joinCache) ([]model.StudentResult, error) {
		return repository.NewResultRepository(tx).ListByStudent(studentID, model.KindTest, 0)
	})

	return counted(ctx, ViewSubjects, readmodel.Combine3(ctx, catalog, progress, results, func(in subjectInput, p []model.StudentLessonProgress, r []model.StudentResult) ([]SubjectStats, error) {
		return buildSubjectStats(in, p, r), nil
	}))
}

func buildSubjectStats(in subjectInput, progress []model.StudentLessonProgress, results []model.StudentResult) []SubjectStats {
	classSubject := make(map[string]string, len(in.Classes))
	for i := range in.Classes {
		classSubject[in.Classes[i].ID] = subjectOf(&in.Classes[i])
	}
	lessonSubject := make(map[string]string, len(in.Lessons))
	for _, l := range in.Lessons {
		lessonSubject[l.ID] = subjectOf(nil)
		if s, ok := classSubject[l.ClassID]; ok {
			lessonSubject[l.ID] = s
		}
	}
	testSubject := make(map[string]string, len(in.Tests))
	for _, t := range in.Tests {
		testSubject[t.ID] = subjectOf(nil)
		if s, ok := classSubject[t.ClassID]; ok {
			testSubject[t.ID] = s
		}
	}

	type acc struct {
		stats   SubjectStats
		pctSum  int
		testSum float64
	}
	buckets := make(map[string]*acc)
	bucket := func(name string) *acc {
		b, ok := buckets[name]
		if !ok {
			b = &acc{stats: SubjectStats{Subject: name}}
			buckets[name] = b
		}
		return b
	}

	for _, s := range classSubject {
		bucket(s)
	}
	for _, s := range lessonSubject {
		bucket(s).stats.Lessons++
	}
	for _, p := range progress {
		s, ok := lessonSubject[p.LessonID]
		if !ok {
			continue
		}
		b := bucket(s)
		b.pctSum += p.ProgressPercentage
		if p.IsCompleted {
			b.stats.CompletedLessons++
		}
	}
	for _, r := range results {
		s, ok := testSubject[r.AssessmentID]
		if !ok {
			continue
		}
		b := bucket(s)
		b.stats.TestsTaken++
		b.testSum += r.Percentage()
	}

	out := make([]SubjectStats, 0, len(buckets))
	for _, b := range buckets {
		st := b.stats
		if st.Lessons > 0 {
			st.AverageProgress = round1(float64(b.pctSum) / float64(st.Lessons))
		}
		if st.TestsTaken > 0 {
			st.AverageTestScore = round1(b.testSum / float64(st.TestsTaken))
		}
		st.Trend = classifyTrend(st.AverageTestScore, st.AverageProgress, st.TestsTaken)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (v *ViewService) RecentActivity(ctx context.Context, studentID string) <-chan readmodel.Resource[[]Activity] {
	v.refresh(ProgressUnit(studentID))

	lessons := observe(ctx, v, concat(tablesProgress, []string{"lessons"}), func(tx *gorm.DB, cache *joinCache) ([]Activity, error) {
		rows, err := repository.NewProgressRepository(tx).RecentByStudent(studentID, recentPerSource)
		if err != nil {
			return nil, err
		}
		out := make([]Activity, 0, len(rows))
		for _, p := range rows {
			title := p.LessonID
			if l, err := cache.lesson(p.LessonID); err != nil {
				return nil, err
			} else if l != nil {
				title = l.Title
			}
			out = append(out, Activity{Type: ActivityLesson, RefID: p.LessonID, Title: title,
				Value: float64(p.ProgressPercentage), Timestamp: p.LastAccessedAt})
		}
		return out, nil
	})
	results := func(kind model.AssessmentKind, activity string) <-chan readmodel.Resource[[]Activity] {
		return observe(ctx, v, concat(tablesResults, []string{"assessments"}), func(tx *gorm.DB, cache *joinCache) ([]Activity, error) {
			rows, err := repository.NewResultRepository(tx).ListByStudent(studentID, kind, recentPerSource)
			if err != nil {
				return nil, err
			}
			out := make([]Activity, 0, len(rows))
			for _, r := range rows {
				title := r.AssessmentID
				if a, err := cache.assessment(r.AssessmentID); err != nil {
					return nil, err
				} else if a != nil {
					title = a.Title
				}
				out = append(out, Activity{Type: activity, RefID: r.ID, Title: title,
					Value: round1(r.Percentage()), Timestamp: r.SubmissionTime})
			}
			return out, nil
		})
	}

	return counted(ctx, ViewActivity, readmodel.Combine3(ctx, lessons,
		results(model.KindTest, ActivityTest),
		results(model.KindMiniGame, ActivityMiniGame),
		func(a, b, c []Activity) ([]Activity, error) {
			return mergeActivity(a, b, c), nil
		}))
}

// mergeActivity 各来源先各自截断，合并后按时间倒序再截断
func mergeActivity(sources ...[]Activity) []Activity {
	var all []Activity
	for _, src := range sources {
		if len(src) > recentPerSource {
			src = src[:recentPerSource]
		}
		all = append(all, src...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if len(all) > recentTotal {
		all = all[:recentTotal]
	}
	return all
}

func (v *ViewService) Leaderboard(ctx context.Context, gameID string) <-chan readmodel.Resource[[]LeaderboardEntry] {
	v.refresh(LeaderboardUnit(gameID))
	return counted(ctx, ViewLeaderboard, observe(ctx, v, concat(tablesResults, []string{"users"}), func(tx *gorm.DB, cache *joinCache) ([]LeaderboardEntry, error) {
		results, err := repository.NewResultRepository(tx).ListByAssessment(gameID)
		if err != nil {
			return nil, err
		}
		entries := bestPerStudent(results)
		for i := range entries {
			u, err := cache.user(entries[i].StudentID)
			if err != nil {
				return nil, err
			}
			if u != nil {
				entries[i].Name = u.Name
			}
		}
		return entries, nil
	}))
}

// bestPerStudent 每个学生取最高分，同分取更早的提交；排名同样按此规则
func bestPerStudent(results []model.StudentResult) []LeaderboardEntry {
	better := func(a, b model.StudentResult) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.SubmissionTime.Before(b.SubmissionTime)
	}

	best := make(map[string]model.StudentResult)
	for _, r := range results {
		if cur, ok := best[r.StudentID]; !ok || better(r, cur) {
			best[r.StudentID] = r
		}
	}
	picked := make([]model.StudentResult, 0, len(best))
	for _, r := range best {
		picked = append(picked, r)
	}
	sort.Slice(picked, func(i, j int) bool {
		if picked[i].Score == picked[j].Score && picked[i].SubmissionTime.Equal(picked[j].SubmissionTime) {
			return picked[i].StudentID < picked[j].StudentID
		}
		return better(picked[i], picked[j])
	})

	entries := make([]LeaderboardEntry, len(picked))
	for i, r := range picked {
		entries[i] = LeaderboardEntry{
			Rank:           i + 1,
			StudentID:      r.StudentID,
			Name:           r.StudentID,
			Score:          r.Score,
			MaxScore:       r.MaxScore,
			AttemptNumber:  r.AttemptNumber,
			SubmissionTime: r.SubmissionTime,
		}
	}
	return entries
}

func (v *ViewService) ParentChildren(ctx context.Context, parentID string) <-chan readmodel.Resource[[]ChildOverview] {
	units := []UnitKey{ParentUnit(parentID)}
	if children, err := repository.NewUserRepository(v.DB.WithContext(ctx)).ChildrenOfParent(parentID); err == nil {
		for _, c := range children {
			units = append(units, ProgressUnit(c.ID))
		}
	}
	v.refresh(units...)

	tables := concat([]string{"parent_student_links", "users"}, tablesProgress, tablesResults, tablesStudy)
	return counted(ctx, ViewChildren, observe(ctx, v, tables, func(tx *gorm.DB, _ *joinCache) ([]ChildOverview, error) {
		children, err := repository.NewUserRepository(tx).ChildrenOfParent(parentID)
		if err != nil {
			return nil, err
		}
		progressRepo := repository.NewProgressRepository(tx)
		resultRepo := repository.NewResultRepository(tx)

		out := make([]ChildOverview, 0, len(children))
		for _, c := range children {
			row := ChildOverview{Student: c}
			progress, err := progressRepo.ListByStudent(c.ID)
			if err != nil {
				return nil, err
			}
			for _, p := range progress {
				if p.IsCompleted {
					row.CompletedLessons++
				}
			}
			if row.TotalStudySeconds, err = progressRepo.TotalStudySeconds(c.ID); err != nil {
				return nil, err
			}
			latest, err := resultRepo.ListByStudent(c.ID, "", 1)
			if err != nil {
				return nil, err
			}
			if len(latest) > 0 {
				row.LatestResult = &latest[0]
			}
			out = append(out, row)
		}
		return out, nil
	}))
}

// Open 按名称打开读模型流，供 websocket 订阅使用
func (v *ViewService) Open(ctx context.Context, view, id string) (<-chan readmodel.Resource[any], error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: view id is required", util.ErrValidation)
	}
	switch view {
	case ViewConversations:
		return readmodel.Erased(ctx, v.ConversationList(ctx, id)), nil
	case ViewDashboard:
		return readmodel.Erased(ctx, v.Dashboard(ctx, id)), nil
	case ViewSubjects:
		return readmodel.Erased(ctx, v.SubjectStats(ctx, id)), nil
	case ViewActivity:
		return readmodel.Erased(ctx, v.RecentActivity(ctx, id)), nil
	case ViewLeaderboard:
		return readmodel.Erased(ctx, v.Leaderboard(ctx, id)), nil
	case ViewChildren:
		return readmodel.Erased(ctx, v.ParentChildren(ctx, id)), nil
	}
	return nil, fmt.Errorf("%w: unknown view %q", util.ErrValidation, view)
}

// Authorize 学生只能查看自己的数据，家长可查看关联的孩子，教师与管理员不受限
func (v *ViewService) Authorize(ctx context.Context, userID string, role model.UserRole, view, id string) error {
	switch view {
	case ViewLeaderboard:
		return nil
	case ViewConversations, ViewChildren:
		if id == userID {
			return nil
		}
		return util.ErrPermissionDenied
	case ViewDashboard, ViewSubjects, ViewActivity:
		return v.AuthorizeStudent(ctx, userID, role, id)
	}
	return fmt.Errorf("%w: unknown view %q", util.ErrValidation, view)
}

func (v *ViewService) AuthorizeStudent(ctx context.Context, userID string, role model.UserRole, studentID string) error {
	if userID == studentID || role == model.Teacher || role == model.Admin {
		return nil
	}
	if role == model.Parent {
		ok, err := repository.NewUserRepository(v.DB.WithContext(ctx)).IsParentOf(userID, studentID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return util.ErrPermissionDenied
}
