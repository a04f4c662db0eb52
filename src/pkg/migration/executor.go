package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	appsentry "github.com/tripledger/tripledger/src/pkg/sentry"
)

// Outcome 一次运行的结局，供指标统计
type Outcome string

const (
	OutcomeNoop         Outcome = "noop"
	OutcomeSuccess      Outcome = "success"
	OutcomeQueryFailed  Outcome = "query_failed"
	OutcomeBackupFailed Outcome = "backup_failed"
	OutcomeRestored     Outcome = "restored"
	OutcomeDoubleFault  Outcome = "double_fault"
)

// Observer 迁移运行观察者
type Observer interface {
	RunStarted(from, target uint, pending int)
	StepApplied(version uint, took time.Duration)
	RunFinished(outcome Outcome, version uint)
}

type nopObserver struct{}

func (nopObserver) RunStarted(uint, uint, int)      {}
func (nopObserver) StepApplied(uint, time.Duration) {}
func (nopObserver) RunFinished(Outcome, uint)       {}

// Executor 迁移执行器
type Executor struct {
	handle   Handle
	registry *Registry
	backups  *BackupManager
	marker   *RunMarker
	clock    clock.Clock
	observer Observer
	logger   *logrus.Entry
}

// ExecutorOption 执行器选项
type ExecutorOption func(*Executor)

// UseBackupManager 指定备份管理器（标记文件与其共用文件系统）
func UseBackupManager(m *BackupManager) ExecutorOption {
	return func(e *Executor) { e.backups = m }
}

// UseClock 指定记录 appliedAt 的时钟
func UseClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// UseObserver 指定观察者
func UseObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewExecutor 创建迁移执行器
func NewExecutor(handle Handle, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handle:   handle,
		registry: registry,
		clock:    clock.WallClock,
		observer: nopObserver{},
		logger: logrus.WithFields(logrus.Fields{
			"component": "migration",
			"db_path":   handle.Path(),
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backups == nil {
		e.backups = NewBackupManager(handle.Path())
	}
	e.marker = NewRunMarker(handle.Path(), e.backups.fs)
	return e
}

// Registry 返回注册表
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Backups 返回备份管理器
func (e *Executor) Backups() *BackupManager {
	return e.backups
}

// Marker 返回运行标记
func (e *Executor) Marker() *RunMarker {
	return e.marker
}

// Inspector 返回基于当前句柄的版本检查器
func (e *Executor) Inspector() *Inspector {
	return NewInspector(e.handle, e.registry)
}

// Run 把数据库迁移到本程序已知的最高版本
// 任何步骤失败都会停止后续步骤，并从运行前的备份恢复整个数据库
func (e *Executor) Run(ctx context.Context, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string, int) {}
	}
	result := &Result{}
	target := e.registry.CurrentVersion()

	state, err := e.Inspector().Inspect(ctx)
	if err != nil {
		result.Err = err
		e.observer.RunFinished(OutcomeQueryFailed, 0)
		return result, err
	}
	result.FromVersion = state.Version
	result.ToVersion = state.Version
	if state.Newer() {
		err := fmt.Errorf("%w: database is at version %d, this build knows up to %d",
			ErrNewerSchema, state.Version, target)
		result.Err = err
		e.observer.RunFinished(OutcomeQueryFailed, state.Version)
		return result, err
	}

	// 合并 WAL 到主文件，失败不影响备份（附属文件会一并复制）
	if _, err := e.handle.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		e.logger.WithError(err).Debug("wal checkpoint failed")
	}

	artifact, err := e.backups.CreateBackup(ctx)
	if err != nil {
		if !errors.Is(err, ErrBackupFailed) {
			err = fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
		result.Err = err
		e.logger.WithError(err).Error("backup failed, migration not started")
		e.observer.RunFinished(OutcomeBackupFailed, state.Version)
		return result, err
	}
	result.BackupPath = artifact.BackupPath

	// 版本追踪之前创建的数据库：最早的结构已经存在，只补写记账记录
	from := state.Version
	seed := from == 0 && state.HasTables
	if seed {
		from = e.registry.Earliest().Version
	}
	pending := e.registry.Pending(from)
	result.Pending = Versions(pending)

	if len(pending) == 0 && !seed {
		if err := e.backups.Discard(artifact); err != nil {
			e.logger.WithError(err).Warn("failed to discard backup")
		}
		result.BackupPath = ""
		result.Success = true
		e.logger.WithField("version", state.Version).Debug("database schema is up to date")
		e.observer.RunFinished(OutcomeNoop, state.Version)
		return result, nil
	}

	e.observer.RunStarted(state.Version, target, len(pending))
	if err := e.marker.Write(NewRunMarkerInfo(artifact, state.Version, target, e.clock.Now())); err != nil {
		if discardErr := e.backups.Discard(artifact); discardErr != nil {
			e.logger.WithError(discardErr).Warn("failed to discard backup")
		}
		err = fmt.Errorf("%w: %v", ErrBackupFailed, err)
		result.BackupPath = ""
		result.Err = err
		e.observer.RunFinished(OutcomeBackupFailed, state.Version)
		return result, err
	}

	if seed {
		if err := e.seedBaseline(ctx); err != nil {
			return e.fail(ctx, result, artifact, err)
		}
		result.Seeded = true
		result.ToVersion = from
	}

	for i, d := range pending {
		progress(fmt.Sprintf("正在应用迁移 %d/%d：%s", i+1, len(pending), d.Name), i*100/len(pending))

		start := e.clock.Now()
		if err := e.apply(ctx, d); err != nil {
			return e.fail(ctx, result, artifact, err)
		}
		took := e.clock.Now().Sub(start)

		result.Applied = append(result.Applied, d.Version)
		result.ToVersion = d.Version
		e.observer.StepApplied(d.Version, took)
		e.logger.WithFields(logrus.Fields{
			"version": d.Version,
			"name":    d.Name,
			"kind":    d.Kind,
		}).Info("migration applied")
	}

	// 标记仍指向备份，删不掉标记时备份也必须保留
	if err := e.marker.Clear(); err != nil {
		e.logger.WithError(err).WithField("backup_path", artifact.BackupPath).
			Warn("failed to clear run marker, keeping backup")
	} else if err := e.backups.Discard(artifact); err != nil {
		e.logger.WithError(err).Warn("failed to discard backup")
	} else {
		result.BackupPath = ""
	}

	result.Success = true
	progress("数据库升级完成", 100)
	e.logger.WithFields(logrus.Fields{
		"from_version": result.FromVersion,
		"to_version":   result.ToVersion,
		"seeded":       result.Seeded,
	}).Info("database migration completed")
	e.observer.RunFinished(OutcomeSuccess, result.ToVersion)
	return result, nil
}

// apply 在单个事务中执行一个版本的结构变更、数据步骤和版本记录
func (e *Executor) apply(ctx context.Context, d *Descriptor) (err error) {
	stepErr := func(err error) error {
		return &StepError{Version: d.Version, Name: d.Name, Err: err}
	}

	tx, err := e.handle.BeginTx(ctx, nil)
	if err != nil {
		return stepErr(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, op := range d.Operations {
		if _, err := tx.ExecContext(ctx, op); err != nil {
			return stepErr(fmt.Errorf("operation %d: %w", i+1, err))
		}
	}
	if d.DataStep != nil {
		if err := d.DataStep(ctx, tx); err != nil {
			return stepErr(fmt.Errorf("data step: %w", err))
		}
	}
	if err := ensureTracking(ctx, tx); err != nil {
		return stepErr(err)
	}
	if err := e.record(ctx, tx, d); err != nil {
		return stepErr(err)
	}
	if err := tx.Commit(); err != nil {
		return stepErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// seedBaseline 为未记录版本的旧数据库补写最早版本，不执行其逻辑
func (e *Executor) seedBaseline(ctx context.Context) (err error) {
	earliest := e.registry.Earliest()
	tx, err := e.handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := ensureTracking(ctx, tx); err != nil {
		return err
	}
	if err := e.record(ctx, tx, earliest); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	e.logger.WithField("version", earliest.Version).Info("baseline schema version recorded")
	return nil
}

// record 写入版本记录；结构变更本身可能已经写过，已存在时跳过
func (e *Executor) record(ctx context.Context, conn Conn, d *Descriptor) error {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM "`+SchemaVersionTable+`" WHERE version = ?`, d.Version,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check schema version %d: %w", d.Version, err)
	}
	if count > 0 {
		return nil
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO "`+SchemaVersionTable+`" (version, name, appliedAt) VALUES (?, ?, ?)`,
		d.Version, d.Name, e.clock.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", d.Version, err)
	}
	return nil
}

// ensureTracking 确保记账表存在
func ensureTracking(ctx context.Context, conn Conn) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS "`+SchemaVersionTable+`" (
		"version" INTEGER NOT NULL PRIMARY KEY,
		"name" TEXT NOT NULL,
		"appliedAt" DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}
	return nil
}

// fail 从备份恢复并返回根因
// 恢复失败时返回 *RestoreError，同时保留备份和运行标记
func (e *Executor) fail(ctx context.Context, result *Result, artifact *BackupArtifact, cause error) (*Result, error) {
	result.Err = cause
	e.logger.WithError(cause).Error("migration failed, attempting rollback")

	if err := e.restore(artifact); err != nil {
		restoreErr := &RestoreError{BackupPath: artifact.BackupPath, Cause: cause, Err: err}
		result.RestoreErr = err
		e.logger.WithError(err).WithField("backup_path", artifact.BackupPath).
			Error("rollback failed, backup retained for manual recovery")
		appsentry.CaptureException(restoreErr)
		e.observer.RunFinished(OutcomeDoubleFault, result.FromVersion)
		return result, restoreErr
	}

	if err := e.marker.Clear(); err != nil {
		e.logger.WithError(err).Warn("failed to clear run marker")
	}
	result.Restored = true
	result.Applied = nil
	result.ToVersion = result.FromVersion
	e.logger.WithField("backup_path", artifact.BackupPath).Info("rollback completed successfully")
	e.observer.RunFinished(OutcomeRestored, result.FromVersion)
	return result, cause
}

// restore 关闭连接、恢复文件、重新打开连接
func (e *Executor) restore(artifact *BackupArtifact) error {
	if err := e.handle.Close(); err != nil {
		e.logger.WithError(err).Warn("failed to close database before restore")
	}
	restoreErr := e.backups.Restore(artifact)
	if err := e.handle.Reopen(); err != nil {
		if restoreErr != nil {
			return errors.Join(restoreErr, fmt.Errorf("reopen database: %w", err))
		}
		return fmt.Errorf("reopen database: %w", err)
	}
	return restoreErr
}

// Recover 检查并恢复被中断的迁移
// 发现运行标记说明上次迁移没有正常结束，从标记记录的备份恢复
func (e *Executor) Recover(ctx context.Context) (bool, error) {
	if !e.marker.Exists() {
		return false, nil
	}

	info, err := e.marker.Read()
	if err != nil {
		return true, fmt.Errorf("%w: %v (remove %s after recovering manually)",
			ErrIncompleteRun, err, e.marker.Path())
	}

	logger := e.logger.WithFields(logrus.Fields{
		"run_id":         info.RunID,
		"start_time":     info.StartTime,
		"pid":            info.PID,
		"from_version":   info.FromVersion,
		"target_version": info.TargetVersion,
		"backup_path":    info.BackupPath,
	})

	// 全部步骤已提交，只是没来得及清理标记
	if e.runCompleted(ctx, info) {
		logger.Info("recorded migration had already completed, clearing marker")
		if err := e.marker.Clear(); err != nil {
			logger.WithError(err).Warn("failed to clear run marker")
			return false, nil
		}
		if err := e.backups.Discard(info.Artifact()); err != nil {
			logger.WithError(err).Warn("failed to discard backup")
		}
		return false, nil
	}

	logger.Warn("detected incomplete migration, attempting recovery")

	if err := e.restore(info.Artifact()); err != nil {
		appsentry.CaptureException(err)
		return true, fmt.Errorf("%w: restore from %s failed: %v", ErrIncompleteRun, info.BackupPath, err)
	}
	if err := e.marker.Clear(); err != nil {
		return true, err
	}
	e.logger.Info("database recovered from backup")
	return true, nil
}

// runCompleted 数据库是否已经到达标记记录的目标版本
func (e *Executor) runCompleted(ctx context.Context, info *RunMarkerInfo) bool {
	if info.TargetVersion <= info.FromVersion {
		return false
	}
	version, err := e.Inspector().CurrentVersion(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("failed to read version of interrupted run")
		return false
	}
	return version == info.TargetVersion
}

// Reset 删除数据库及附属文件并重新打开空数据库
// 之后的 Run 会按全新安装建表
func (e *Executor) Reset(ctx context.Context) error {
	if err := e.backups.Reset(ctx, e.handle); err != nil {
		return err
	}
	if err := e.marker.Clear(); err != nil {
		e.logger.WithError(err).Warn("failed to clear run marker")
	}
	if err := e.handle.Reopen(); err != nil {
		return fmt.Errorf("%w: reopen database: %v", ErrResetFailed, err)
	}
	return nil
}

// RestoreBackup 手动从指定备份恢复
func (e *Executor) RestoreBackup(ctx context.Context, artifact *BackupArtifact) error {
	if artifact == nil {
		return ErrNoBackup
	}
	if err := e.restore(artifact); err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if err := e.marker.Clear(); err != nil {
		e.logger.WithError(err).Warn("failed to clear run marker")
	}
	return nil
}

var _ Conn = (*sql.DB)(nil)
var _ Conn = (*sql.Tx)(nil)
