package repository

import (
	"classroom_sync_backend/internal/model"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncRepository 管理同步新鲜度、本地写日志，以及远端快照按身份落库
type SyncRepository struct {
	DB *gorm.DB
}

func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{DB: db}
}

func (r *SyncRepository) WithTx(tx *gorm.DB) *SyncRepository {
	return &SyncRepository{DB: tx}
}

func (r *SyncRepository) GetState(unitKey string) (*model.SyncState, error) {
	var state model.SyncState
	err := r.DB.First(&state, "unit_key = ?", unitKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// MarkSynced 记录一次成功同步
func (r *SyncRepository) MarkSynced(unitKey string, at time.Time) error {
	state := model.SyncState{UnitKey: unitKey, LastSyncedAt: &at, LastAttemptAt: at}
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unit_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_synced_at", "last_attempt_at", "last_error"}),
	}).Create(&state).Error
}

// MarkFailed 只更新尝试时间与错误，保留上次成功的时间
func (r *SyncRepository) MarkFailed(unitKey string, at time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	state := model.SyncState{UnitKey: unitKey, LastAttemptAt: at, LastError: msg}
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unit_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_attempt_at", "last_error"}),
	}).Create(&state).Error
}

// Enqueue 登记一条待推送的本地写入；同一实体重复写入只保留一条，修订号递增
func (r *SyncRepository) Enqueue(unitKey string, row model.Syncable, op model.WriteOp) error {
	pw := model.PendingWrite{
		UnitKey:    unitKey,
		Collection: row.Collection(),
		EntityID:   row.GetID(),
		Op:         op,
		Revision:   1,
	}
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collection"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unit_key":   unitKey,
			"op":         op,
			"revision":   gorm.Expr("revision + 1"),
			"attempts":   0,
			"last_error": "",
		}),
	}).Create(&pw).Error
}

func (r *SyncRepository) PendingForUnit(unitKey string) ([]model.PendingWrite, error) {
	var writes []model.PendingWrite
	err := r.DB.Where("unit_key = ?", unitKey).Order("id ASC").Find(&writes).Error
	return writes, err
}

func (r *SyncRepository) AllPending() ([]model.PendingWrite, error) {
	var writes []model.PendingWrite
	err := r.DB.Order("id ASC").Find(&writes).Error
	return writes, err
}

func (r *SyncRepository) CountPending() (int64, error) {
	var count int64
	err := r.DB.Model(&model.PendingWrite{}).Count(&count).Error
	return count, err
}

// PendingEntities 返回集合中尚未被远端确认的实体 ID
func (r *SyncRepository) PendingEntities(collection string) (map[string]struct{}, error) {
	var ids []string
	if err := r.DB.Model(&model.PendingWrite{}).Where("collection = ?", collection).Pluck("entity_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// Acknowledge 删除已推送的日志；推送期间被再次修改的条目（修订号变化）保留
func (r *SyncRepository) Acknowledge(pw model.PendingWrite) (bool, error) {
	res := r.DB.Where("id = ? AND revision = ?", pw.ID, pw.Revision).Delete(&model.PendingWrite{})
	return res.RowsAffected > 0, res.Error
}

func (r *SyncRepository) RecordPushFailure(pw model.PendingWrite, cause error) error {
	return r.DB.Model(&model.PendingWrite{}).Where("id = ?", pw.ID).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": cause.Error(),
	}).Error
}

// LocalVersion 返回缓存行已确认的远端版本；行不存在时 exists 为 false
func (r *SyncRepository) LocalVersion(table, id string) (version int64, exists bool, err error) {
	var versions []int64
	err = r.DB.Table(table).Where("id = ?", id).Pluck("remote_version", &versions).Error
	if err != nil || len(versions) == 0 {
		return 0, false, err
	}
	return versions[0], true, nil
}

// ApplyRemote 仅当本地不存在或远端版本更新时写入。普通行按身份替换；
// 可合并的行先并入本地已有内容，diverged 表示本地有远端还没有的进展，需要回推。
// 调用方负责排除仍有未确认写入的实体。
func (r *SyncRepository) ApplyRemote(row model.Syncable, version int64) (changed, diverged bool, err error) {
	current, exists, err := r.LocalVersion(row.TableName(), row.GetID())
	if err != nil {
		return false, false, err
	}
	if exists && version <= current {
		return false, false, nil
	}

	if m, ok := row.(model.Mergeable); ok && exists {
		local, err := r.load(row.Collection(), row.GetID())
		if err != nil {
			return false, false, err
		}
		if local != nil {
			diverged = m.MergeLocal(local)
		}
	}

	row.SetRemoteVersion(version)
	if err := r.upsert(row); err != nil {
		return false, false, err
	}
	return true, diverged, nil
}

// SettlePush 推送成功后对齐本地行。普通行只记录远端版本；
// 可合并的行改为远端的合并结果，并保留推送期间新产生的本地内容。
// sent 是推送时读到的本地行，stored 是远端写入后的文档解码结果
func (r *SyncRepository) SettlePush(sent, stored model.Syncable, version int64) (bool, error) {
	m, ok := stored.(model.Mergeable)
	if !ok {
		return false, r.ConfirmVersion(sent.TableName(), sent.GetID(), version)
	}

	local, err := r.load(sent.Collection(), sent.GetID())
	if err != nil || local == nil {
		return false, err
	}
	// 已推送的学习时长增量不再计入
	if st, ok := local.(*model.DailyStudyTime); ok {
		if pushed, ok := sent.(*model.DailyStudyTime); ok {
			st.UnpushedSeconds -= pushed.UnpushedSeconds
			if st.UnpushedSeconds < 0 {
				st.UnpushedSeconds = 0
			}
		}
	}
	m.MergeLocal(local)
	stored.SetRemoteVersion(version)
	return true, r.upsert(stored)
}

func (r *SyncRepository) load(collection, id string) (model.Syncable, error) {
	row, ok := model.NewSyncable(collection)
	if !ok {
		return nil, nil
	}
	err := r.DB.First(row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *SyncRepository) upsert(row model.Syncable) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(row).Error
	})
}

// ConfirmVersion 推送成功后记录远端分配的版本，不改动业务字段
func (r *SyncRepository) ConfirmVersion(table, id string, version int64) error {
	return r.DB.Table(table).
		Where("id = ? AND remote_version < ?", id, version).
		UpdateColumn("remote_version", version).Error
}

// DeleteLocal 远端删除时移除缓存行
func (r *SyncRepository) DeleteLocal(table, id string) (bool, error) {
	res := r.DB.Exec("DELETE FROM "+table+" WHERE id = ?", id)
	return res.RowsAffected > 0, res.Error
}
