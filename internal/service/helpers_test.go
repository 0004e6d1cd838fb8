package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/repository/testutil"
	"classroom_sync_backend/internal/scoring"
	"classroom_sync_backend/internal/util"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	db         *gorm.DB
	feed       *repository.ChangeFeed
	locks      *util.KeyedLocker
	store      *countingStore
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newDeviceEnv(t, remote.NewMemoryStore())
}

// newDeviceEnv 一台设备：独立的本地缓存，远端可与其它设备共享
func newDeviceEnv(t *testing.T, shared remote.Store) *testEnv {
	t.Helper()
	db := testutil.OpenCache(t)
	feed := repository.NewChangeFeed()
	locks := util.NewKeyedLocker()
	store := &countingStore{Store: shared}
	rec := NewReconciler(db, store, feed, locks, ReconcilerConfig{
		StalenessWindow: time.Minute,
		WatchDebounce:   10 * time.Millisecond,
	})
	return &testEnv{db: db, feed: feed, locks: locks, store: store, reconciler: rec}
}

func (e *testEnv) submissions() *SubmissionService {
	studyTime := NewStudyTimeService(e.db, e.feed, e.locks, nil)
	return NewSubmissionService(e.db, e.feed, e.locks, scoring.NewEngine(scoring.EssayContainment), e.reconciler, nil, studyTime)
}

// countingStore 统计读取次数，offline 为 true 时所有操作返回不可用，
// rejectWrites 为 true 时写入被拒绝而读取正常
type countingStore struct {
	remote.Store
	reads        atomic.Int64
	offline      atomic.Bool
	rejectWrites atomic.Bool
}

func (s *countingStore) writeErr() error {
	if s.offline.Load() {
		return util.ErrRemoteUnavailable
	}
	if s.rejectWrites.Load() {
		return util.ErrPermissionDenied
	}
	return nil
}

func (s *countingStore) Get(ctx context.Context, collection, id string) (*remote.Document, error) {
	s.reads.Add(1)
	if s.offline.Load() {
		return nil, util.ErrRemoteUnavailable
	}
	return s.Store.Get(ctx, collection, id)
}

func (s *countingStore) QueryByField(ctx context.Context, collection, field, value string) ([]remote.Document, error) {
	s.reads.Add(1)
	if s.offline.Load() {
		return nil, util.ErrRemoteUnavailable
	}
	return s.Store.QueryByField(ctx, collection, field, value)
}

func (s *countingStore) Put(ctx context.Context, doc remote.Document) (*remote.Document, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Store.Put(ctx, doc)
}

func (s *countingStore) Update(ctx context.Context, collection, id string, fn remote.UpdateFunc) (*remote.Document, error) {
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	return s.Store.Update(ctx, collection, id, fn)
}

func (s *countingStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.Store.Delete(ctx, collection, id)
}

func putRemote(t *testing.T, store remote.Store, rows ...model.Syncable) {
	t.Helper()
	for _, row := range rows {
		doc, err := remote.Encode(row.Collection(), row.GetID(), row)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := store.Put(context.Background(), doc); err != nil {
			t.Fatalf("put %s/%s: %v", row.Collection(), row.GetID(), err)
		}
	}
}

func createLocal(t *testing.T, db *gorm.DB, rows ...interface{}) {
	t.Helper()
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("create %T: %v", row, err)
		}
	}
}

func strPtr(s string) *string { return &s }

// seedMiniGame 本地缓存一个小游戏：q1 单选（10 分，正确项 o1），q2 填空（5 分，答案 Paris）
func seedMiniGame(t *testing.T, db *gorm.DB, gameID string, limitSeconds int) {
	t.Helper()
	createLocal(t, db,
		&model.Assessment{SyncBase: model.SyncBase{ID: gameID}, Kind: model.KindMiniGame, ClassID: "c1",
			Title: "Capitals", GameType: model.GameTypeQuiz, TimeLimitSeconds: limitSeconds},
		&model.Question{SyncBase: model.SyncBase{ID: gameID + "-q1"}, AssessmentID: gameID, Type: model.SingleChoice, Score: 10, Order: 1},
		&model.Question{SyncBase: model.SyncBase{ID: gameID + "-q2"}, AssessmentID: gameID, Type: model.FillBlank, Score: 5, Order: 2},
		&model.Option{SyncBase: model.SyncBase{ID: gameID + "-o1"}, QuestionID: gameID + "-q1", Content: "A", IsCorrect: true},
		&model.Option{SyncBase: model.SyncBase{ID: gameID + "-o2"}, QuestionID: gameID + "-q1", Content: "B"},
		&model.Option{SyncBase: model.SyncBase{ID: gameID + "-o3"}, QuestionID: gameID + "-q2", Content: "Paris", IsCorrect: true},
	)
}

func countRows(t *testing.T, db *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", m, err)
	}
	return n
}

// waitFor 轮询直到条件成立或超时
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
