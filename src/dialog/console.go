// Package dialog 提供迁移提示的终端实现
package dialog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tripledger/tripledger/src/pkg/migration"
)

// lineReader 按行读取用户输入
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console 交互式终端提示
type Console struct {
	out       io.Writer
	newReader func(prompt string) (lineReader, error)
}

var _ migration.Prompter = (*Console)(nil)

// NewConsole 创建终端提示，in 为 nil 时读取标准输入
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		out: out,
		newReader: func(prompt string) (lineReader, error) {
			cfg := &readline.Config{
				Prompt: prompt,
				Stdout: out,
			}
			if in != nil {
				cfg.Stdin = io.NopCloser(in)
			}
			return readline.NewEx(cfg)
		},
	}
}

// Choose 显示对话框并读取选择
// 直接回车选择默认按钮，Ctrl+C 或输入结束视为关闭对话框
func (c *Console) Choose(ctx context.Context, d migration.Dialog) (int, error) {
	c.render(d)
	for i, b := range d.Buttons {
		marker := ""
		if i == d.DefaultID {
			marker = "（默认）"
		}
		fmt.Fprintf(c.out, "  [%d] %s%s\n", i+1, b, marker)
	}

	rl, err := c.newReader(fmt.Sprintf("请选择 [1-%d]: ", len(d.Buttons)))
	if err != nil {
		return d.CancelID, fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()

	for {
		if err := ctx.Err(); err != nil {
			return d.CancelID, err
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return d.CancelID, nil
		}
		if err != nil {
			return d.CancelID, err
		}
		if choice, ok := parseChoice(line, d); ok {
			return choice, nil
		}
		fmt.Fprintf(c.out, "无效的选择：%q\n", strings.TrimSpace(line))
	}
}

// Notify 显示通知
func (c *Console) Notify(_ context.Context, d migration.Dialog) error {
	c.render(d)
	return nil
}

// Progress 显示进度
func (c *Console) Progress(message string, percent int) {
	fmt.Fprintf(c.out, "[%3d%%] %s\n", percent, message)
}

func (c *Console) render(d migration.Dialog) {
	fmt.Fprintf(c.out, "\n%s %s\n", typeLabel(d.Type), d.Title)
	if d.Message != "" {
		fmt.Fprintln(c.out, d.Message)
	}
	if d.Detail != "" {
		fmt.Fprintf(c.out, "\n%s\n\n", d.Detail)
	}
}

// parseChoice 支持按钮序号和按钮文字，空输入选择默认按钮
func parseChoice(line string, d migration.Dialog) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return d.DefaultID, d.DefaultID >= 0 && d.DefaultID < len(d.Buttons)
	}
	if n, err := strconv.Atoi(line); err == nil {
		if n >= 1 && n <= len(d.Buttons) {
			return n - 1, true
		}
		return 0, false
	}
	for i, b := range d.Buttons {
		if strings.EqualFold(line, b) {
			return i, true
		}
	}
	return 0, false
}

func typeLabel(t migration.DialogType) string {
	switch t {
	case migration.DialogError:
		return "[错误]"
	case migration.DialogWarning:
		return "[警告]"
	case migration.DialogQuestion:
		return "[确认]"
	default:
		return "[提示]"
	}
}
