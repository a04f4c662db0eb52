package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/sirupsen/logrus"

	"github.com/tripledger/tripledger/src/configs"
	"github.com/tripledger/tripledger/src/consts"
	"github.com/tripledger/tripledger/src/pkg/migration"
	appsentry "github.com/tripledger/tripledger/src/pkg/sentry"
)

var errStartupAborted = errors.New("数据库未就绪，程序退出")

func (e *environment) executorOptions() []migration.ExecutorOption {
	return []migration.ExecutorOption{
		migration.UseBackupManager(migration.NewBackupManager(e.store.Path(), e.cfg.BackupOptions()...)),
		migration.UseObserver(e.metrics),
	}
}

func (e *environment) writeMetrics() {
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		logrus.WithError(err).Warn("failed to write metrics")
	}
}

// start 启动前的数据库检查，成功后记录版本并输出账本概况
func (e *environment) start(ctx context.Context) error {
	coordinator := migration.NewCoordinator(e.store, e.registry, e.prompter, e.executorOptions()...)
	ok := coordinator.HandleStartup(ctx)
	e.writeMetrics()
	if !ok {
		return errStartupAborted
	}

	if previous, err := e.store.RecordAppVersion(ctx, consts.AppVersion); err != nil {
		logrus.WithError(err).Warn("failed to record app version")
	} else if previous != "" && previous != consts.AppVersion {
		logrus.WithFields(logrus.Fields{
			"previous": previous,
			"current":  consts.AppVersion,
		}).Info("app version changed")
	}
	deviceID := appsentry.IdentifyDevice(ctx, e.store)
	logrus.WithField("device_id", deviceID).Debug("device identified")

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	table := uitable.New()
	table.MaxColWidth = 50
	table.RightAlign(1)
	table.AddRow("数据库", e.store.Path())
	table.AddRow("客户", humanize.Comma(stats.Customers))
	table.AddRow("分类", humanize.Comma(stats.Categories))
	table.AddRow("账单", humanize.Comma(stats.Transactions))
	table.AddRow("订单项", humanize.Comma(stats.OrderItems))
	table.AddRow("未收款订单项", humanize.Comma(stats.UnpaidItems))
	table.AddRow("未收款金额", humanize.FormatFloat("#,###.##", stats.UnpaidAmount))
	fmt.Fprintln(e.out, table)
	return nil
}

// status 输出当前版本、已执行的迁移和待执行的迁移
func (e *environment) status(ctx context.Context) error {
	executor := migration.NewExecutor(e.store, e.registry, e.executorOptions()...)
	state, err := executor.Inspector().Inspect(ctx)
	if err != nil {
		return err
	}
	records, err := executor.Inspector().Records(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "数据库：%s\n", e.store.Path())
	fmt.Fprintf(e.out, "当前版本：%d，程序版本：%d\n", state.Version, state.Target)
	switch {
	case state.Newer():
		fmt.Fprintln(e.out, "数据库版本高于程序版本，请升级程序。")
	case state.Fresh():
		fmt.Fprintln(e.out, "数据库为空，启动时将直接建表。")
	}
	if diag := configs.DiagnoseFilePermission(e.store.Path()).FormatError(); diag != "" {
		fmt.Fprint(e.out, diag)
	}
	if executor.Marker().Exists() {
		fmt.Fprintf(e.out, "发现未完成的升级标记：%s\n", executor.Marker().Path())
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("版本", "名称", "类型", "状态", "执行时间")
	applied := make(map[uint]migration.SchemaVersionRecord, len(records))
	for _, r := range records {
		applied[r.Version] = r
	}
	for _, d := range e.registry.All() {
		status, when := "待执行", ""
		if r, ok := applied[d.Version]; ok {
			status = "已执行"
			if !r.AppliedAt.IsZero() {
				when = humanize.Time(r.AppliedAt)
			}
		}
		table.AddRow(d.Version, d.Name, d.Kind, status, when)
	}
	fmt.Fprintln(e.out, table)
	return nil
}

func (e *environment) backupManager() *migration.BackupManager {
	return migration.NewBackupManager(e.store.Path(), e.cfg.BackupOptions()...)
}

func (e *environment) listBackups() error {
	backups := e.backupManager()
	list, err := backups.ListBackups()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(e.out, "没有备份。")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 80
	table.RightAlign(1)
	table.AddRow("备份", "大小", "创建时间")
	for _, path := range list {
		size, err := backups.Size(path)
		if err != nil {
			return err
		}
		created := ""
		if artifact, err := backups.Artifact(path); err == nil && !artifact.CreatedAt.IsZero() {
			created = humanize.Time(artifact.CreatedAt)
		}
		table.AddRow(filepath.Base(path), humanize.IBytes(uint64(size)), created)
	}
	fmt.Fprintln(e.out, table)
	return nil
}

func (e *environment) pruneBackups(keep int) error {
	if keep <= 0 {
		keep = e.cfg.Migration.MaxBackupCount
	}
	removed, err := e.backupManager().Prune(keep)
	for _, path := range removed {
		fmt.Fprintf(e.out, "已删除 %s\n", filepath.Base(path))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "删除了 %d 个备份，保留最近的 %d 个。\n", len(removed), keep)
	return nil
}

// restore 手动恢复备份，恢复前再确认一次
func (e *environment) restore(ctx context.Context, backupPath string) error {
	executor := migration.NewExecutor(e.store, e.registry, e.executorOptions()...)
	if backupPath == "" {
		latest, err := executor.Backups().LatestBackup()
		if err != nil {
			return err
		}
		if latest == "" {
			return migration.ErrNoBackup
		}
		backupPath = latest
	}
	artifact, err := executor.Backups().Artifact(backupPath)
	if err != nil {
		return err
	}

	choice, err := e.prompter.Choose(ctx, migration.Dialog{
		Type:      migration.DialogWarning,
		Title:     "恢复备份",
		Message:   "当前数据库将被备份文件覆盖",
		Detail:    fmt.Sprintf("备份文件：%s\n创建时间：%s", artifact.BackupPath, artifact.CreatedAt.Format(time.DateTime)),
		Buttons:   []string{"恢复", "取消"},
		DefaultID: 1,
		CancelID:  1,
	})
	if err != nil {
		return err
	}
	if choice != 0 {
		fmt.Fprintln(e.out, "已取消。")
		return nil
	}

	if err := executor.RestoreBackup(ctx, artifact); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "已从 %s 恢复。\n", filepath.Base(artifact.BackupPath))
	return nil
}

// reset 删除数据库并按全新安装重新建表
func (e *environment) reset(ctx context.Context, force bool) error {
	if !force {
		confirmed, err := migration.NewGate(e.prompter).ConfirmReset(ctx)
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Fprintln(e.out, "已取消。")
			return nil
		}
	}

	executor := migration.NewExecutor(e.store, e.registry, e.executorOptions()...)
	if err := executor.Reset(ctx); err != nil {
		return err
	}
	result, err := executor.Run(ctx, e.prompter.Progress)
	e.writeMetrics()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "数据库已重置，当前版本 %d。\n", result.ToVersion)
	return nil
}
