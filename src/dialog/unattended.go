package dialog

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tripledger/tripledger/src/pkg/migration"
)

// Unattended 无人值守提示，总是选择默认按钮
// 所有对话框的默认按钮都是最稳妥的选项，重置类操作默认取消
type Unattended struct {
	logger *logrus.Entry
}

var _ migration.Prompter = (*Unattended)(nil)

// NewUnattended 创建无人值守提示
func NewUnattended() *Unattended {
	return &Unattended{logger: logrus.WithField("component", "dialog")}
}

func (u *Unattended) Choose(_ context.Context, d migration.Dialog) (int, error) {
	choice := d.DefaultID
	answer := ""
	if choice >= 0 && choice < len(d.Buttons) {
		answer = d.Buttons[choice]
	}
	u.logger.WithFields(logrus.Fields{
		"title":  d.Title,
		"answer": answer,
	}).Info(d.Message)
	return choice, nil
}

func (u *Unattended) Notify(_ context.Context, d migration.Dialog) error {
	entry := u.logger.WithFields(logrus.Fields{
		"title":  d.Title,
		"detail": d.Detail,
	})
	switch d.Type {
	case migration.DialogError:
		entry.Error(d.Message)
	case migration.DialogWarning:
		entry.Warn(d.Message)
	default:
		entry.Info(d.Message)
	}
	return nil
}

func (u *Unattended) Progress(message string, percent int) {
	u.logger.WithField("percent", percent).Info(message)
}
