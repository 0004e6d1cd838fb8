package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"context"
	"sort"
	"testing"
)

func mustSync(t *testing.T, env *testEnv, unit UnitKey) {
	t.Helper()
	if err := env.reconciler.Sync(context.Background(), unit, true); err != nil {
		t.Fatalf("sync %s: %v", unit, err)
	}
}

func mustPush(t *testing.T, env *testEnv, unit UnitKey) {
	t.Helper()
	if err := env.reconciler.Push(context.Background(), unit); err != nil {
		t.Fatalf("push %s: %v", unit, err)
	}
}

func localAttempts(t *testing.T, env *testEnv, studentID, gameID string) []int {
	t.Helper()
	results, err := repository.NewResultRepository(env.db).ListAttempts(studentID, gameID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.AttemptNumber
	}
	sort.Ints(out)
	return out
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconciler_LessonProgressMergesAcrossDevices(t *testing.T) {
	shared := remote.NewMemoryStore()
	a, b := newDeviceEnv(t, shared), newDeviceEnv(t, shared)
	ctx := context.Background()
	unit := ProgressUnit("s1")

	if _, err := newProgressService(a, 60).UpdateLessonProgress(ctx, LessonProgressUpdate{
		StudentID: "s1", LessonID: "l1", ProgressPercentage: 100, SecondsSpent: 120,
	}); err != nil {
		t.Fatalf("device A update: %v", err)
	}
	mustPush(t, a, unit)

	// B 的缓存较旧，写入更少的进度
	if _, err := newProgressService(b, 60).UpdateLessonProgress(ctx, LessonProgressUpdate{
		StudentID: "s1", LessonID: "l1", ProgressPercentage: 40, SecondsSpent: 10,
	}); err != nil {
		t.Fatalf("device B update: %v", err)
	}
	mustPush(t, b, unit)

	mustSync(t, a, unit)
	mustSync(t, b, unit)

	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		p, err := repository.NewProgressRepository(env.db).GetLessonProgress("s1", "l1")
		if err != nil || p == nil {
			t.Fatalf("device %s progress: %v", name, err)
		}
		if !p.IsCompleted || p.ProgressPercentage != 100 || p.TimeSpentSeconds != 120 {
			t.Fatalf("device %s: completed=%v pct=%d seconds=%d", name, p.IsCompleted, p.ProgressPercentage, p.TimeSpentSeconds)
		}
	}

	doc, err := shared.Get(ctx, "progress", model.ProgressID("s1", "l1"))
	if err != nil || doc == nil {
		t.Fatalf("remote progress: %v", err)
	}
	var stored model.StudentLessonProgress
	if err := remote.Decode(*doc, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !stored.IsCompleted || stored.ProgressPercentage != 100 {
		t.Fatalf("remote progress reverted: %+v", stored)
	}
}

func TestReconciler_StudyTimeAddsAcrossDevices(t *testing.T) {
	shared := remote.NewMemoryStore()
	a, b := newDeviceEnv(t, shared), newDeviceEnv(t, shared)
	ctx := context.Background()
	unit := ProgressUnit("s1")
	day := "2024-03-01"

	if _, err := NewStudyTimeService(a.db, a.feed, a.locks, nil).Add(ctx, "s1", day, 30); err != nil {
		t.Fatalf("device A add: %v", err)
	}
	mustPush(t, a, unit)
	if _, err := NewStudyTimeService(b.db, b.feed, b.locks, nil).Add(ctx, "s1", day, 20); err != nil {
		t.Fatalf("device B add: %v", err)
	}
	mustPush(t, b, unit)

	// A 在同步前又记了一笔
	if _, err := NewStudyTimeService(a.db, a.feed, a.locks, nil).Add(ctx, "s1", day, 5); err != nil {
		t.Fatalf("device A add: %v", err)
	}
	mustSync(t, a, unit)
	mustSync(t, b, unit)

	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		var row model.DailyStudyTime
		if err := env.db.First(&row, "id = ?", model.StudyTimeID("s1", day)).Error; err != nil {
			t.Fatalf("device %s study time: %v", name, err)
		}
		if row.DurationSeconds != 55 || row.UnpushedSeconds != 0 {
			t.Fatalf("device %s study time: %d seconds, %d unpushed (want 55, 0)", name, row.DurationSeconds, row.UnpushedSeconds)
		}
	}
}

func TestReconciler_PushIsSerializedPerUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	unit := ProgressUnit("s1")
	if _, err := NewStudyTimeService(env.db, env.feed, env.locks, nil).Add(ctx, "s1", "2024-03-01", 40); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- env.reconciler.Push(ctx, unit) }()
	}
	for i := 0; i < 3; i++ {
		if err := <-done; err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	doc, err := env.store.Store.Get(ctx, "study_time", model.StudyTimeID("s1", "2024-03-01"))
	if err != nil || doc == nil {
		t.Fatalf("remote study time: %v", err)
	}
	var stored model.DailyStudyTime
	if err := remote.Decode(*doc, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.DurationSeconds != 40 {
		t.Fatalf("concurrent pushes added the delta more than once: %d", stored.DurationSeconds)
	}
}

func TestSubmission_AttemptsStayDistinctAcrossDevices(t *testing.T) {
	shared := remote.NewMemoryStore()
	a, b := newDeviceEnv(t, shared), newDeviceEnv(t, shared)
	seedMiniGame(t, a.db, "g1", 0)
	seedMiniGame(t, b.db, "g1", 0)
	ctx := context.Background()
	unit := ProgressUnit("s1")

	subA, err := a.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("device A submit: %v", err)
	}
	subB, err := b.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("device B submit: %v", err)
	}
	if subA.Result.AttemptNumber != 1 || subB.Result.AttemptNumber != 2 {
		t.Fatalf("expected attempts 1 and 2, got A=%d B=%d", subA.Result.AttemptNumber, subB.Result.AttemptNumber)
	}

	mustPush(t, a, unit)
	mustPush(t, b, unit)
	mustSync(t, a, unit)
	mustSync(t, b, unit)

	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		if got := localAttempts(t, env, "s1", "g1"); !sameInts(got, []int{1, 2}) {
			t.Fatalf("device %s attempts %v, want [1 2]", name, got)
		}
	}
}

func TestSubmission_OfflineAttemptIsRenumberedOnPush(t *testing.T) {
	shared := remote.NewMemoryStore()
	a, b := newDeviceEnv(t, shared), newDeviceEnv(t, shared)
	seedMiniGame(t, a.db, "g1", 0)
	seedMiniGame(t, b.db, "g1", 0)
	ctx := context.Background()
	unit := ProgressUnit("s1")

	if _, err := a.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"}); err != nil {
		t.Fatalf("device A submit: %v", err)
	}
	mustPush(t, a, unit)

	b.store.offline.Store(true)
	offline, err := b.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("offline submit should succeed locally: %v", err)
	}
	if offline.Result.AttemptNumber != 1 {
		t.Fatalf("expected a local attempt 1 while offline, got %d", offline.Result.AttemptNumber)
	}

	b.store.offline.Store(false)
	mustSync(t, b, unit)
	mustSync(t, a, unit)

	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		if got := localAttempts(t, env, "s1", "g1"); !sameInts(got, []int{1, 2}) {
			t.Fatalf("device %s attempts %v, want [1 2]", name, got)
		}
	}
	doc, err := shared.Get(ctx, "results", offline.Result.ID)
	if err != nil || doc == nil {
		t.Fatalf("offline result not pushed: %v", err)
	}
	var pushed model.StudentResult
	if err := remote.Decode(*doc, &pushed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pushed.AttemptNumber != 2 {
		t.Fatalf("expected the offline result to take attempt 2, got %d", pushed.AttemptNumber)
	}
}

func TestReconciler_RejectedPushStillPulls(t *testing.T) {
	shared := remote.NewMemoryStore()
	a, b := newDeviceEnv(t, shared), newDeviceEnv(t, shared)
	seedMiniGame(t, a.db, "g1", 0)
	seedMiniGame(t, b.db, "g1", 0)
	ctx := context.Background()
	unit := ProgressUnit("s1")

	b.store.offline.Store(true)
	local, err := b.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"})
	if err != nil {
		t.Fatalf("device B submit: %v", err)
	}
	b.store.offline.Store(false)

	if _, err := a.submissions().Submit(ctx, SubmissionRequest{StudentID: "s1", AssessmentID: "g1"}); err != nil {
		t.Fatalf("device A submit: %v", err)
	}
	mustPush(t, a, unit)

	// 写入被拒绝但仍可读取：拉取照常进行
	b.store.rejectWrites.Store(true)
	if err := b.reconciler.Sync(ctx, unit, true); err != nil {
		t.Fatalf("sync with a rejected push should still pull: %v", err)
	}
	if got := localAttempts(t, b, "s1", "g1"); !sameInts(got, []int{1, 2}) {
		t.Fatalf("expected remote attempt pulled and local one moved aside, got %v", got)
	}
	pending, err := repository.NewSyncRepository(b.db).PendingEntities(model.StudentResult{}.Collection())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if _, ok := pending[local.Result.ID]; !ok {
		t.Fatal("rejected write must stay in the journal")
	}
	state, err := repository.NewSyncRepository(b.db).GetState(string(unit))
	if err != nil || state == nil || state.LastSyncedAt == nil {
		t.Fatalf("expected the unit marked synced, got %+v (%v)", state, err)
	}

	b.store.rejectWrites.Store(false)
	mustSync(t, b, unit)
	doc, err := shared.Get(ctx, "results", local.Result.ID)
	if err != nil || doc == nil {
		t.Fatalf("result not pushed after writes recovered: %v", err)
	}
	var pushed model.StudentResult
	if err := remote.Decode(*doc, &pushed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pushed.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2 on the remote, got %d", pushed.AttemptNumber)
	}
}

func TestReconciler_RejectedPushReportsPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := NewStudyTimeService(env.db, env.feed, env.locks, nil).Add(ctx, "s1", "2024-03-01", 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	env.store.rejectWrites.Store(true)
	err := env.reconciler.Push(ctx, ProgressUnit("s1"))
	if util.Classify(err) != util.KindRecoverableIO {
		t.Fatalf("expected a recoverable push error, got %v", err)
	}
}
