package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/util"
	"context"
	"errors"
	"testing"
)

func newProgressService(env *testEnv, minSeconds int) *ProgressService {
	studyTime := NewStudyTimeService(env.db, env.feed, env.locks, nil)
	return NewProgressService(env.db, env.feed, env.locks, nil, studyTime, minSeconds)
}

func TestApplyProgress(t *testing.T) {
	tests := []struct {
		name          string
		start         model.StudentLessonProgress
		update        LessonProgressUpdate
		wantPct       int
		wantSeconds   int
		wantCompleted bool
	}{
		{"percentage keeps the maximum", model.StudentLessonProgress{ProgressPercentage: 80},
			LessonProgressUpdate{ProgressPercentage: 40, SecondsSpent: 10}, 80, 10, false},
		{"clamped above 100", model.StudentLessonProgress{},
			LessonProgressUpdate{ProgressPercentage: 150, SecondsSpent: 60}, 100, 60, true},
		{"negative clamps to zero", model.StudentLessonProgress{},
			LessonProgressUpdate{ProgressPercentage: -5}, 0, 0, false},
		{"needs minimum time", model.StudentLessonProgress{},
			LessonProgressUpdate{ProgressPercentage: 100, SecondsSpent: 30}, 100, 30, false},
		{"time accumulates into completion", model.StudentLessonProgress{ProgressPercentage: 100, TimeSpentSeconds: 30},
			LessonProgressUpdate{SecondsSpent: 30}, 100, 60, true},
		{"completion never reverts", model.StudentLessonProgress{ProgressPercentage: 100, TimeSpentSeconds: 90, IsCompleted: true},
			LessonProgressUpdate{ProgressPercentage: 10}, 100, 90, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.start
			applyProgress(&p, tt.update, 60, t0)
			if p.ProgressPercentage != tt.wantPct || p.TimeSpentSeconds != tt.wantSeconds || p.IsCompleted != tt.wantCompleted {
				t.Fatalf("got pct=%d seconds=%d completed=%v", p.ProgressPercentage, p.TimeSpentSeconds, p.IsCompleted)
			}
			if !p.LastAccessedAt.Equal(t0) {
				t.Fatalf("expected last access %v, got %v", t0, p.LastAccessedAt)
			}
		})
	}
}

func TestProgressService_UpdateLessonProgress(t *testing.T) {
	env := newTestEnv(t)
	svc := newProgressService(env, 60)
	ctx := context.Background()

	p, err := svc.UpdateLessonProgress(ctx, LessonProgressUpdate{StudentID: "s1", LessonID: "l1", ProgressPercentage: 100, SecondsSpent: 20, ContentID: "video-1"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.IsCompleted || p.ID != model.ProgressID("s1", "l1") {
		t.Fatalf("unexpected progress %+v", p)
	}

	p, err = svc.UpdateLessonProgress(ctx, LessonProgressUpdate{StudentID: "s1", LessonID: "l1", ProgressPercentage: 50, SecondsSpent: 45})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !p.IsCompleted || p.ProgressPercentage != 100 || p.TimeSpentSeconds != 65 {
		t.Fatalf("expected completion after enough time, got %+v", p)
	}
	if p.LastAccessedContentID != "video-1" {
		t.Fatalf("empty content id should keep the previous one, got %q", p.LastAccessedContentID)
	}

	if n := countRows(t, env.db, &model.StudentLessonProgress{}); n != 1 {
		t.Fatalf("expected one progress row, got %d", n)
	}
	total, err := svc.StudyTime.Total(ctx, "s1")
	if err != nil || total != 65 {
		t.Fatalf("expected 65 seconds of study time, got %d (%v)", total, err)
	}
}

func TestProgressService_RejectsInvalidUpdates(t *testing.T) {
	env := newTestEnv(t)
	svc := newProgressService(env, 60)

	tests := []LessonProgressUpdate{
		{LessonID: "l1"},
		{StudentID: "s1"},
		{StudentID: "s1", LessonID: "l1", SecondsSpent: -1},
	}
	for _, u := range tests {
		if _, err := svc.UpdateLessonProgress(context.Background(), u); !errors.Is(err, util.ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", u, err)
		}
	}
}

func TestStudyTimeService_AddIsAdditive(t *testing.T) {
	env := newTestEnv(t)
	svc := NewStudyTimeService(env.db, env.feed, env.locks, nil)
	ctx := context.Background()

	for _, seconds := range []int{30, 45} {
		if _, err := svc.Add(ctx, "s1", "2024-03-01", seconds); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	day, err := svc.Add(ctx, "s1", "2024-03-02", 10)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if day.DurationSeconds != 10 {
		t.Fatalf("new day should start from zero, got %d", day.DurationSeconds)
	}

	var first model.DailyStudyTime
	env.db.First(&first, "id = ?", model.StudyTimeID("s1", "2024-03-01"))
	if first.DurationSeconds != 75 {
		t.Fatalf("expected 75 seconds, got %d", first.DurationSeconds)
	}
	total, _ := svc.Total(ctx, "s1")
	if total != 85 {
		t.Fatalf("expected total 85, got %d", total)
	}
}

func TestStudyTimeService_Validation(t *testing.T) {
	env := newTestEnv(t)
	svc := NewStudyTimeService(env.db, env.feed, env.locks, nil)

	tests := []struct {
		student string
		date    string
		seconds int
	}{
		{"", "2024-03-01", 10},
		{"s1", "2024-03-01", 0},
		{"s1", "2024-03-01", -5},
		{"s1", "03/01/2024", 10},
	}
	for _, tt := range tests {
		if _, err := svc.Add(context.Background(), tt.student, tt.date, tt.seconds); !errors.Is(err, util.ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", tt, err)
		}
	}
	if n := countRows(t, env.db, &model.DailyStudyTime{}); n != 0 {
		t.Fatalf("rejected additions left %d rows", n)
	}
}
