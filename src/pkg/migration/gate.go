package migration

import (
	"context"
	"fmt"
	"strings"
)

// DialogType 对话框类型
type DialogType string

const (
	DialogInfo     DialogType = "info"
	DialogWarning  DialogType = "warning"
	DialogError    DialogType = "error"
	DialogQuestion DialogType = "question"
)

// Dialog 展示给用户的对话框
type Dialog struct {
	Type    DialogType
	Title   string
	Message string
	Detail  string
	Buttons []string
	// DefaultID 默认按钮下标
	DefaultID int
	// CancelID 用户关闭对话框时视为按下的按钮下标
	CancelID int
}

// Prompter 用户交互接口，由界面层实现
//
//go:generate mockgen -destination=mock/mock.go -package=mock . Prompter
type Prompter interface {
	// Choose 显示对话框并阻塞等待用户选择，返回按钮下标
	Choose(ctx context.Context, dialog Dialog) (int, error)
	// Notify 显示只有确认按钮的通知
	Notify(ctx context.Context, dialog Dialog) error
	// Progress 更新进度显示
	Progress(message string, percent int)
}

// Situation 决策门需要的待迁移信息
type Situation struct {
	CurrentVersion uint
	TargetVersion  uint
	Pending        []*Descriptor
	HasDestructive bool
	HasBarrier     bool
	RequiresBackup bool
}

// NewSituation 根据注册表计算从 current 开始的待迁移情况
func NewSituation(registry *Registry, current uint) Situation {
	return Situation{
		CurrentVersion: current,
		TargetVersion:  registry.CurrentVersion(),
		Pending:        registry.Pending(current),
		HasDestructive: registry.HasDestructive(current),
		HasBarrier:     registry.HasBarrier(current),
		RequiresBackup: registry.RequiresBackup(current),
	}
}

// Gate 用户决策门
// 任何数据变更之前由用户选择升级、重置或退出
type Gate struct {
	prompter Prompter
}

// NewGate 创建决策门
func NewGate(prompter Prompter) *Gate {
	return &Gate{prompter: prompter}
}

// Decide 按待迁移情况展示三档提示之一并返回用户的选择
//   - 存在升级屏障：只能重置或退出，提示先用旧版本导出数据
//   - 只有自动迁移：升级或退出，不提供重置
//   - 包含手动迁移：升级、重置或退出
func (g *Gate) Decide(ctx context.Context, s Situation) (Directive, error) {
	dialog, directives := decisionDialog(s)
	choice, err := g.prompter.Choose(ctx, dialog)
	if err != nil {
		return DirectiveCancel, err
	}
	if choice < 0 || choice >= len(directives) {
		return DirectiveCancel, nil
	}
	return directives[choice], nil
}

// ConfirmReset 重置前的二次确认
func (g *Gate) ConfirmReset(ctx context.Context) (bool, error) {
	choice, err := g.prompter.Choose(ctx, Dialog{
		Type:      DialogWarning,
		Title:     "确认重置",
		Message:   "确定要删除所有数据吗？",
		Detail:    "此操作无法撤销，所有客户、订单数据将被永久删除。",
		Buttons:   []string{"确定删除", "取消"},
		DefaultID: 1,
		CancelID:  1,
	})
	if err != nil {
		return false, err
	}
	return choice == 0, nil
}

func decisionDialog(s Situation) (Dialog, []Directive) {
	if s.HasBarrier {
		return Dialog{
			Type:    DialogWarning,
			Title:   "重要：数据库升级",
			Message: "检测到数据库需要升级",
			Detail: "⚠️ 重要提示：此次升级需要重置数据库\n\n" +
				"建议操作步骤：\n" +
				"1. 点击\"取消\"退出应用\n" +
				"2. 启动旧版本应用\n" +
				"3. 使用\"导出\"功能保存所有数据\n" +
				"4. 重新启动新版本应用\n" +
				"5. 选择\"重置数据库\"（推荐）\n" +
				"6. 使用\"导入\"功能恢复数据\n\n" +
				"如果您已经导出数据，可以选择\"重置数据库\"继续。\n" +
				"如果您的数据不重要，也可以直接重置。",
			Buttons:   []string{"重置数据库", "取消（返回导出数据）"},
			DefaultID: 1,
			CancelID:  1,
		}, []Directive{DirectiveReset, DirectiveCancel}
	}

	if !s.HasDestructive {
		detail := "当前应用版本包含数据库结构更新，现有数据将全部保留。\n\n"
		if s.RequiresBackup {
			detail += "升级前会自动备份数据库，升级失败时自动恢复。\n\n"
		}
		return Dialog{
			Type:      DialogQuestion,
			Title:     "数据库升级",
			Message:   "检测到数据库需要升级",
			Detail:    detail + pendingSummary(s),
			Buttons:   []string{"立即升级", "取消"},
			DefaultID: 0,
			CancelID:  1,
		}, []Directive{DirectiveMigrate, DirectiveCancel}
	}

	return Dialog{
		Type:    DialogWarning,
		Title:   "数据库升级",
		Message: "检测到数据库需要升级",
		Detail: "当前应用版本包含数据库结构更新，部分变更可能删除旧数据。\n\n" +
			"• 升级：保留现有数据并更新数据库结构（推荐，升级前会自动备份）\n" +
			"• 重置：删除所有数据并创建新数据库\n" +
			"• 取消：退出应用\n\n" +
			pendingSummary(s),
		Buttons:   []string{"升级（推荐）", "重置数据库", "取消"},
		DefaultID: 0,
		CancelID:  2,
	}, []Directive{DirectiveMigrate, DirectiveReset, DirectiveCancel}
}

// pendingSummary 列出待应用的迁移
func pendingSummary(s Situation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "版本 %d → %d：\n", s.CurrentVersion, s.TargetVersion)
	for _, d := range s.Pending {
		fmt.Fprintf(&b, "  %d. %s", d.Version, d.Name)
		if d.Kind == KindManual {
			b.WriteString("（可能删除数据）")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
