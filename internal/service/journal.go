package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/repository"
	"time"

	"gorm.io/gorm"
)

func utcNow() time.Time {
	return time.Now().UTC()
}

// journal 在同一事务中登记待推送的写入并标记受影响的表
func journal(tx *gorm.DB, touched repository.Touched, unit UnitKey, op model.WriteOp, rows ...model.Syncable) error {
	repo := repository.NewSyncRepository(tx)
	for _, row := range rows {
		if err := repo.Enqueue(string(unit), row, op); err != nil {
			return err
		}
		touched.Add(row.TableName())
	}
	return nil
}
