package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	appsentry "github.com/tripledger/tripledger/src/pkg/sentry"
)

// Coordinator 启动协调器
// 每次进程启动调用一次，决定应用能否继续展示界面
type Coordinator struct {
	handle   Handle
	registry *Registry
	executor *Executor
	gate     *Gate
	prompter Prompter
	logger   *logrus.Entry
}

// NewCoordinator 创建启动协调器，opts 透传给执行器
func NewCoordinator(handle Handle, registry *Registry, prompter Prompter, opts ...ExecutorOption) *Coordinator {
	return &Coordinator{
		handle:   handle,
		registry: registry,
		executor: NewExecutor(handle, registry, opts...),
		gate:     NewGate(prompter),
		prompter: prompter,
		logger:   logrus.WithField("component", "startup"),
	}
}

// Executor 返回内部使用的执行器
func (c *Coordinator) Executor() *Executor {
	return c.executor
}

// HandleStartup 检查并处理数据库迁移
// 返回 false 时调用方必须退出，不能在状态未知的数据库上展示界面
func (c *Coordinator) HandleStartup(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("migration handling panicked")
			appsentry.RecoverValue(r)
			c.showError(ctx, "数据库迁移检查失败", fmt.Sprint(r))
			ok = false
		}
	}()

	recovered, err := c.executor.Recover(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to recover interrupted migration")
		c.showError(ctx, "数据库迁移检查失败", fmt.Sprintf(
			"上次升级被中断，自动恢复失败。\n\n错误信息：%v\n\n请根据错误信息中的备份文件手动恢复数据库。", err))
		return false
	}
	if recovered {
		c.notify(ctx, Dialog{
			Type:    DialogWarning,
			Title:   "已恢复",
			Message: "上次数据库升级被中断",
			Detail:  "数据库已恢复到升级前的状态。",
			Buttons: []string{"确定"},
		})
	}

	state, err := c.executor.Inspector().Inspect(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to inspect database")
		c.showError(ctx, "数据库迁移检查失败", err.Error())
		return false
	}
	if state.Newer() {
		c.logger.WithFields(logrus.Fields{
			"version": state.Version,
			"target":  state.Target,
		}).Error("database was written by a newer build")
		c.showError(ctx, "数据库版本过高", fmt.Sprintf(
			"数据库版本为 %d，当前应用最高支持版本 %d。\n请使用新版本应用打开该数据库。", state.Version, state.Target))
		return false
	}
	if !state.NeedsMigration() {
		c.logger.Info("Database is up to date, no migration needed")
		return true
	}

	// 全新数据库没有可保护的数据，直接建表
	if state.Fresh() {
		c.logger.Info("fresh database, creating schema")
		result, err := c.executor.Run(ctx, c.prompter.Progress)
		if err != nil {
			c.showFailure(ctx, result, err)
			return false
		}
		return true
	}

	c.logger.WithFields(logrus.Fields{
		"version": state.Version,
		"target":  state.Target,
	}).Info("Database migration required")

	baseline := state.Version
	if baseline == 0 && state.HasTables {
		baseline = c.registry.Earliest().Version
	}
	directive, err := c.gate.Decide(ctx, NewSituation(c.registry, baseline))
	if err != nil {
		c.logger.WithError(err).Error("decision prompt failed")
		c.showError(ctx, "数据库迁移检查失败", err.Error())
		return false
	}
	c.logger.WithField("directive", directive).Info("operator decision")

	switch directive {
	case DirectiveMigrate:
		return c.migrate(ctx)
	case DirectiveReset:
		return c.reset(ctx)
	default:
		return false
	}
}

func (c *Coordinator) migrate(ctx context.Context) bool {
	result, err := c.executor.Run(ctx, c.prompter.Progress)
	if err != nil {
		c.showFailure(ctx, result, err)
		return false
	}
	c.notify(ctx, Dialog{
		Type:    DialogInfo,
		Title:   "升级成功",
		Message: "数据库升级完成",
		Detail:  "您的数据已成功升级到最新版本。",
		Buttons: []string{"确定"},
	})
	return true
}

func (c *Coordinator) reset(ctx context.Context) bool {
	confirmed, err := c.gate.ConfirmReset(ctx)
	if err != nil {
		c.logger.WithError(err).Error("reset confirmation failed")
		c.showError(ctx, "数据库迁移检查失败", err.Error())
		return false
	}
	if !confirmed {
		return false
	}

	if err := c.executor.Reset(ctx); err != nil {
		c.logger.WithError(err).Error("database reset failed")
		c.notify(ctx, Dialog{
			Type:    DialogError,
			Title:   "重置失败",
			Message: "数据库重置失败",
			Detail:  err.Error(),
			Buttons: []string{"确定"},
		})
		return false
	}

	if result, err := c.executor.Run(ctx, c.prompter.Progress); err != nil {
		c.showFailure(ctx, result, err)
		return false
	}

	c.notify(ctx, Dialog{
		Type:    DialogInfo,
		Title:   "重置完成",
		Message: "数据库已重置",
		Detail:  "应用将使用全新的数据库启动。",
		Buttons: []string{"确定"},
	})
	return true
}

// showFailure 展示升级失败，说明数据是否已恢复
func (c *Coordinator) showFailure(ctx context.Context, result *Result, err error) {
	var detail string
	var restoreErr *RestoreError
	switch {
	case errors.As(err, &restoreErr):
		detail = fmt.Sprintf("错误信息：%v\n\n自动恢复失败：%v\n\n升级前的备份文件仍保留在：\n%s\n请关闭应用后用该文件手动替换数据库文件。",
			restoreErr.Cause, restoreErr.Err, restoreErr.BackupPath)
	case errors.Is(err, ErrBackupFailed):
		detail = fmt.Sprintf("错误信息：%v\n\n无法创建备份，升级没有开始，数据库未被修改。", err)
	case result != nil && result.Restored:
		detail = fmt.Sprintf("错误信息：%v\n\n数据库已恢复到升级前的状态。", err)
		if result.BackupPath != "" {
			detail += fmt.Sprintf("\n升级前的备份保留在：%s", result.BackupPath)
		}
	default:
		detail = fmt.Sprintf("错误信息：%v", err)
	}

	c.notify(ctx, Dialog{
		Type:    DialogError,
		Title:   "升级失败",
		Message: "数据库升级失败",
		Detail:  detail,
		Buttons: []string{"确定"},
	})
}

func (c *Coordinator) showError(ctx context.Context, message, detail string) {
	c.notify(ctx, Dialog{
		Type:    DialogError,
		Title:   "错误",
		Message: message,
		Detail:  detail,
		Buttons: []string{"确定"},
	})
}

func (c *Coordinator) notify(ctx context.Context, dialog Dialog) {
	if err := c.prompter.Notify(ctx, dialog); err != nil {
		c.logger.WithError(err).WithField("title", dialog.Title).Warn("failed to show dialog")
	}
}
