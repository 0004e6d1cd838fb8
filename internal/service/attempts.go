package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"context"

	"gorm.io/gorm"
)

// attemptCounterCollection 远端按 (学生, 测评) 记录已分配的最大尝试序号，不进入本地缓存
const attemptCounterCollection = "attempt_counters"

type attemptCounter struct {
	StudentID    string `json:"studentId"`
	AssessmentID string `json:"assessmentId"`
	Last         int    `json:"last"`
}

func (r *Reconciler) updateCounter(ctx context.Context, studentID, assessmentID string, next func(c *attemptCounter) int) (int, error) {
	id := model.CompositeID(studentID, assessmentID)
	var assigned int
	_, err := r.Remote.Update(ctx, attemptCounterCollection, id, func(prev *remote.Document) (remote.Document, error) {
		c := attemptCounter{StudentID: studentID, AssessmentID: assessmentID}
		if prev != nil {
			if err := remote.Decode(*prev, &c); err != nil {
				return remote.Document{}, err
			}
		}
		assigned = next(&c)
		if assigned > c.Last {
			c.Last = assigned
		}
		return remote.Encode(attemptCounterCollection, id, c)
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// ReserveAttempt 在远端计数器上取下一个尝试序号。floor 是本地已确认的最大序号，
// 计数器落后时以它为起点
func (r *Reconciler) ReserveAttempt(ctx context.Context, studentID, assessmentID string, floor int) (int, error) {
	return r.updateCounter(ctx, studentID, assessmentID, func(c *attemptCounter) int {
		if floor > c.Last {
			return floor + 1
		}
		return c.Last + 1
	})
}

// claimAttempt 离线分配的序号在首次推送时登记；已被其它设备占用时改用下一个空闲序号
func (r *Reconciler) claimAttempt(ctx context.Context, studentID, assessmentID string, attempt int) (int, error) {
	return r.updateCounter(ctx, studentID, assessmentID, func(c *attemptCounter) int {
		if attempt <= c.Last {
			return c.Last + 1
		}
		return attempt
	})
}

type attemptClaim struct {
	from, to int
}

// settle 推送成功后把本地结果改为登记的序号，其后的离线结果一并顺延
func (c attemptClaim) settle(tx *gorm.DB, res *model.StudentResult) error {
	repo := repository.NewResultRepository(tx)
	if c.to > c.from {
		if _, err := repo.YieldAttempts(res.StudentID, res.AssessmentID, c.from, c.to-c.from); err != nil {
			return err
		}
	}
	return repo.ReserveAttempt(res.ID, c.to)
}
