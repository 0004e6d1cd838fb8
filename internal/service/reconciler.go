package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/remote"
	"classroom_sync_backend/internal/repository"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"classroom_sync_backend/pkg/monitoring"
	"classroom_sync_backend/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	backgroundSyncTimeout = 30 * time.Second
	syncAllConcurrency    = 4
)

type ReconcilerConfig struct {
	StalenessWindow time.Duration
	WatchDebounce   time.Duration
}

// Reconciler 将远端快照按单元拉取到本地缓存，并把本地写日志推送到远端。
// 冲突策略：以远端文档版本为准的后写者胜；本地仍有未确认写入的实体不被覆盖。
type Reconciler struct {
	DB     *gorm.DB
	Remote remote.Store
	Feed   *repository.ChangeFeed
	Locks  *util.KeyedLocker

	syncRepo  *repository.SyncRepository
	pushing   *util.KeyedLocker // 同一单元的推送串行执行，增量不会被重复写入
	staleness atomic.Int64
	debounce  time.Duration
	group     singleflight.Group
	now       func() time.Time
}

func NewReconciler(db *gorm.DB, store remote.Store, feed *repository.ChangeFeed, locks *util.KeyedLocker, cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		DB:       db,
		Remote:   store,
		Feed:     feed,
		Locks:    locks,
		syncRepo: repository.NewSyncRepository(db),
		pushing:  util.NewKeyedLocker(),
		debounce: cfg.WatchDebounce,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if r.debounce <= 0 {
		r.debounce = 500 * time.Millisecond
	}
	r.SetStalenessWindow(cfg.StalenessWindow)
	return r
}

// SetStalenessWindow 支持配置热更新
func (r *Reconciler) SetStalenessWindow(d time.Duration) {
	r.staleness.Store(int64(d))
}

func (r *Reconciler) StalenessWindow() time.Duration {
	return time.Duration(r.staleness.Load())
}

// Sync 同步一个单元。force 为 false 且单元仍在新鲜期内时直接返回。
// 失败时本地缓存保持不变。
func (r *Reconciler) Sync(ctx context.Context, unit UnitKey, force bool) error {
	if _, err := ParseUnit(string(unit)); err != nil {
		return err
	}

	if !force {
		fresh, err := r.isFresh(ctx, unit)
		if err != nil {
			return err
		}
		if fresh {
			monitoring.SyncRuns.WithLabelValues(unit.Kind(), "fresh").Inc()
			return nil
		}
	}

	key := string(unit)
	if force {
		key += "|force"
	}
	_, err, _ := r.group.Do(key, func() (interface{}, error) {
		return nil, r.syncNow(ctx, unit)
	})
	return err
}

// SyncAll 并行同步多个单元，返回第一个错误；已完成的单元不受影响
func (r *Reconciler) SyncAll(ctx context.Context, units []UnitKey, force bool) error {
	var g errgroup.Group
	g.SetLimit(syncAllConcurrency)
	for _, u := range units {
		u := u
		g.Go(func() error {
			return r.Sync(ctx, u, force)
		})
	}
	return g.Wait()
}

// SyncInBackground 读模型先返回缓存，再在后台刷新
func (r *Reconciler) SyncInBackground(units ...UnitKey) {
	if len(units) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		if err := r.SyncAll(ctx, units, false); err != nil {
			logger.Log.Warn("Background sync failed", zap.Error(err))
		}
	}()
}

func (r *Reconciler) isFresh(ctx context.Context, unit UnitKey) (bool, error) {
	window := r.StalenessWindow()
	if window <= 0 {
		return false, nil
	}
	state, err := r.syncRepo.WithTx(r.DB.WithContext(ctx)).GetState(string(unit))
	if err != nil || state == nil || state.LastSyncedAt == nil {
		return false, err
	}
	return r.now().Sub(*state.LastSyncedAt) < window, nil
}

func (r *Reconciler) syncNow(ctx context.Context, unit UnitKey) (err error) {
	ctx, span := tracing.StartSpan(ctx, "Reconciler.Sync", attribute.String("unit", string(unit)))
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	logger.Log.Debug("Sync started", zap.String("unit", string(unit)))

	// 先推送本地未确认的写入，再拉取。推送失败不阻止拉取，仍未确认的实体在落库时跳过
	if pushErr := r.Push(ctx, unit); pushErr != nil {
		logger.Log.Warn("Push before sync failed, pulling anyway",
			zap.String("unit", string(unit)), zap.Error(pushErr))
	}
	var snap *snapshot
	snap, err = r.fetch(ctx, unit)
	if err == nil {
		err = r.apply(ctx, unit, snap)
	}

	if err != nil {
		if markErr := r.syncRepo.WithTx(r.DB.WithContext(context.WithoutCancel(ctx))).MarkFailed(string(unit), r.now(), err); markErr != nil {
			logger.Log.Error("Record sync failure failed", zap.String("unit", string(unit)), zap.Error(markErr))
		}
		monitoring.SyncRuns.WithLabelValues(unit.Kind(), "failed").Inc()
		logger.Log.Warn("Sync failed, serving cached data", zap.String("unit", string(unit)), zap.Error(err))
		return fmt.Errorf("sync %s: %w", unit, err)
	}

	monitoring.SyncRuns.WithLabelValues(unit.Kind(), "synced").Inc()
	monitoring.SyncDuration.WithLabelValues(unit.Kind()).Observe(time.Since(start).Seconds())
	logger.Log.Debug("Sync finished", zap.String("unit", string(unit)), zap.Int("documents", len(snap.items)))
	return nil
}

// apply 在单元写屏障内、一个事务中落库；只为真正变化的表发布通知
func (r *Reconciler) apply(ctx context.Context, unit UnitKey, snap *snapshot) error {
	unlock := r.Locks.Lock(string(unit))
	defer unlock()

	now := r.now()
	pushBack := false
	defer func() {
		if pushBack {
			r.refreshPendingGauge()
		}
	}()
	return repository.WriteTx(ctx, r.DB, r.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := r.syncRepo.WithTx(tx)
		pending := make(map[string]map[string]struct{})

		for _, item := range snap.items {
			coll := item.row.Collection()
			ids, ok := pending[coll]
			if !ok {
				var err error
				if ids, err = repo.PendingEntities(coll); err != nil {
					return err
				}
				pending[coll] = ids
			}
			if _, waiting := ids[item.row.GetID()]; waiting {
				continue
			}

			if res, ok := item.row.(*model.StudentResult); ok {
				if err := yieldToRemoteAttempt(tx, touched, res); err != nil {
					return err
				}
			}

			changed, diverged, err := repo.ApplyRemote(item.row, item.version)
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// 与本地已确认的另一行自然键冲突，跳过，下次同步再试
				logger.Log.Warn("Skip conflicting remote row",
					zap.String("collection", coll), zap.String("id", item.row.GetID()))
				continue
			}
			if err != nil {
				return err
			}
			if changed {
				touched.Add(item.row.TableName())
			}
			if diverged {
				// 本地进展并入后回推，远端随之收敛
				if err := repo.Enqueue(string(unit), item.row, model.OpUpsert); err != nil {
					return err
				}
				pushBack = true
			}
		}
		return repo.MarkSynced(string(unit), now)
	})
}

// yieldToRemoteAttempt 远端结果的尝试序号被本地尚未登记的离线结果占用时，本地结果顺延
func yieldToRemoteAttempt(tx *gorm.DB, touched repository.Touched, res *model.StudentResult) error {
	repo := repository.NewResultRepository(tx)
	holder, err := repo.FindAttempt(res.StudentID, res.AssessmentID, res.AttemptNumber)
	if err != nil || holder == nil || holder.ID == res.ID {
		return err
	}
	if holder.AttemptReserved || holder.RemoteVersion > 0 {
		return nil
	}
	shifted, err := repo.YieldAttempts(res.StudentID, res.AssessmentID, res.AttemptNumber, 1)
	if err != nil {
		return err
	}
	if shifted > 0 {
		touched.Add(res.TableName())
		logger.Log.Info("Local attempt yielded to remote result",
			zap.String("result_id", holder.ID), zap.String("remote_result_id", res.ID),
			zap.Int("attempt", res.AttemptNumber))
	}
	return nil
}

// Push 将单元的写日志按顺序推送到远端，遇到第一个失败即停止
func (r *Reconciler) Push(ctx context.Context, unit UnitKey) error {
	unlock := r.pushing.Lock(string(unit))
	defer unlock()

	writes, err := r.syncRepo.WithTx(r.DB.WithContext(ctx)).PendingForUnit(string(unit))
	if err != nil {
		return err
	}
	defer r.refreshPendingGauge()

	for _, pw := range writes {
		if err := r.pushOne(ctx, pw); err != nil {
			if recErr := r.syncRepo.WithTx(r.DB.WithContext(context.WithoutCancel(ctx))).RecordPushFailure(pw, err); recErr != nil {
				logger.Log.Error("Record push failure failed", zap.Error(recErr))
			}
			return fmt.Errorf("push %s/%s: %w", pw.Collection, pw.EntityID, err)
		}
	}
	return nil
}

func (r *Reconciler) pushOne(ctx context.Context, pw model.PendingWrite) error {
	db := r.DB.WithContext(ctx)
	repo := r.syncRepo.WithTx(db)

	row, ok := model.NewSyncable(pw.Collection)
	if !ok {
		logger.Log.Error("Drop journal entry for unknown collection", zap.String("collection", pw.Collection))
		_, err := repo.Acknowledge(pw)
		return err
	}

	if pw.Op == model.OpDelete {
		if err := r.Remote.Delete(ctx, pw.Collection, pw.EntityID); err != nil {
			return err
		}
		_, err := repo.Acknowledge(pw)
		return err
	}

	err := db.First(row, "id = ?", pw.EntityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 行已被本地删除，对应的删除日志会单独推送
		_, err = repo.Acknowledge(pw)
		return err
	}
	if err != nil {
		return err
	}

	var claim *attemptClaim
	if res, ok := row.(*model.StudentResult); ok && !res.AttemptReserved && res.RemoteVersion == 0 {
		n, err := r.claimAttempt(ctx, res.StudentID, res.AssessmentID, res.AttemptNumber)
		if err != nil {
			return err
		}
		claim = &attemptClaim{from: res.AttemptNumber, to: n}
		res.AttemptNumber = n
		res.AttemptReserved = true
	}

	stored, err := r.Remote.Update(ctx, pw.Collection, pw.EntityID, pushMerge(pw, row))
	if err != nil {
		return err
	}
	merged, ok := model.NewSyncable(pw.Collection)
	if !ok {
		return nil
	}
	if err := remote.Decode(*stored, merged); err != nil {
		return err
	}

	unlock := r.Locks.Lock(pw.UnitKey)
	defer unlock()
	return repository.WriteTx(ctx, r.DB, r.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		if claim != nil {
			if err := claim.settle(tx, row.(*model.StudentResult)); err != nil {
				return err
			}
			touched.Add(row.TableName())
		}
		txRepo := r.syncRepo.WithTx(tx)
		changed, err := txRepo.SettlePush(row, merged, stored.Version)
		if err != nil {
			return err
		}
		if changed {
			touched.Add(row.TableName())
		}
		_, err = txRepo.Acknowledge(pw)
		return err
	})
}

// pushMerge 生成写入远端的文档。进度与远端取并集；学习时长只加本地未推送的增量；
// 其它集合整体替换
func pushMerge(pw model.PendingWrite, row model.Syncable) remote.UpdateFunc {
	return func(prev *remote.Document) (remote.Document, error) {
		switch local := row.(type) {
		case *model.StudentLessonProgress:
			next := *local
			if prev != nil {
				var theirs model.StudentLessonProgress
				if err := remote.Decode(*prev, &theirs); err != nil {
					return remote.Document{}, err
				}
				next.Merge(theirs)
			}
			return remote.Encode(pw.Collection, pw.EntityID, &next)
		case *model.DailyStudyTime:
			next := *local
			if prev != nil {
				var theirs model.DailyStudyTime
				if err := remote.Decode(*prev, &theirs); err != nil {
					return remote.Document{}, err
				}
				next.DurationSeconds = theirs.DurationSeconds + local.UnpushedSeconds
			}
			return remote.Encode(pw.Collection, pw.EntityID, &next)
		}
		return remote.Encode(pw.Collection, pw.EntityID, row)
	}
}

func (r *Reconciler) refreshPendingGauge() {
	n, err := r.syncRepo.CountPending()
	if err == nil {
		monitoring.PendingWrites.Set(float64(n))
	}
}

// Watch 监听单元相关集合的远端变更，合并短时间内的多次变更后强制同步。
// 远端删除直接作用于本地缓存。返回停止函数。
func (r *Reconciler) Watch(ctx context.Context, unit UnitKey) (func(), error) {
	if _, err := ParseUnit(string(unit)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	trigger := make(chan struct{}, 1)
	var stops []func()
	stopAll := func() {
		cancel()
		for _, stop := range stops {
			stop()
		}
	}

	for _, coll := range unit.Collections() {
		stop, err := r.Remote.Listen(ctx, coll, func(c remote.Change) {
			if c.Type == remote.ChangeDelete {
				r.applyDelete(ctx, unit, c)
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)
	}

	go r.debounceLoop(ctx, unit, trigger)
	return stopAll, nil
}

func (r *Reconciler) debounceLoop(ctx context.Context, unit UnitKey, trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		}

		timer := time.NewTimer(r.debounce)
	collect:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-trigger:
			case <-timer.C:
				break collect
			}
		}

		if err := r.Sync(ctx, unit, true); err != nil && ctx.Err() == nil {
			logger.Log.Warn("Watch sync failed", zap.String("unit", string(unit)), zap.Error(err))
		}
	}
}

func (r *Reconciler) applyDelete(ctx context.Context, unit UnitKey, c remote.Change) {
	row, ok := model.NewSyncable(c.Collection)
	if !ok {
		return
	}

	unlock := r.Locks.Lock(string(unit))
	defer unlock()

	err := repository.WriteTx(ctx, r.DB, r.Feed, func(tx *gorm.DB, touched repository.Touched) error {
		repo := r.syncRepo.WithTx(tx)
		pending, err := repo.PendingEntities(c.Collection)
		if err != nil {
			return err
		}
		if _, waiting := pending[c.ID]; waiting {
			return nil
		}
		deleted, err := repo.DeleteLocal(row.TableName(), c.ID)
		if err != nil {
			return err
		}
		if deleted {
			touched.Add(row.TableName())
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Log.Warn("Apply remote delete failed",
			zap.String("collection", c.Collection), zap.String("id", c.ID), zap.Error(err))
	}
}
