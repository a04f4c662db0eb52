package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tripledger/tripledger/src/configs"
	"github.com/tripledger/tripledger/src/consts"
)

var (
	stopDebugWatcher context.CancelFunc
	watcherMu        sync.Mutex
)

// New 按配置初始化全局 logger
// stderr 之外，可选每次运行单独一个文件，以及按天滚动的文件
func New(ctx context.Context, config *configs.Config) (*logrus.Logger, error) {
	logLevel := logrus.InfoLevel
	if config.Debug {
		logLevel = logrus.DebugLevel
	}
	writers := []io.Writer{os.Stderr}
	outputFolder := config.Log.OutPutFolder
	if config.Log.SaveEveryLog || config.Log.SaveLastLog {
		if err := os.MkdirAll(outputFolder, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log output folder %s: %w", outputFolder, err)
		}
	}
	if config.Log.SaveEveryLog {
		runID := time.Now().Format("run-2006-01-02-15-04-05")
		logLocation := filepath.Join(outputFolder, runID+".log")
		logFile, err := os.OpenFile(logLocation, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logLocation, err)
		}
		writers = append(writers, logFile)
	}
	if config.Log.SaveLastLog {
		rot := newDailyRotatingWriter(outputFolder, logBaseName(), config.Log.RotateDays)
		writers = append(writers, rot)
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetReportCaller(config.Debug)
	logrus.SetLevel(logLevel)

	// 动态监听 Debug 变化，实时调整日志级别与是否打印调用方
	watcherMu.Lock()
	if stopDebugWatcher != nil {
		stopDebugWatcher()
	}
	watcherCtx, cancel := context.WithCancel(ctx)
	stopDebugWatcher = cancel
	watcherMu.Unlock()

	go watchDebug(watcherCtx, config.Debug)

	return logrus.StandardLogger(), nil
}

func watchDebug(ctx context.Context, prev bool) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := configs.IsDebug()
			if now == prev {
				continue
			}
			if now {
				logrus.SetLevel(logrus.DebugLevel)
				logrus.SetReportCaller(true)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
				logrus.SetReportCaller(false)
			}
			prev = now
		}
	}
}

func logBaseName() string {
	return strings.ToLower(consts.AppName)
}

const dayLayout = "2006-01-02"

// dailyRotatingWriter 按天切分日志文件：<base>-YYYY-MM-DD.log
// retentionDays<=0 时不清理旧文件
type dailyRotatingWriter struct {
	dir           string
	base          string
	retentionDays int
	now           func() time.Time

	mu     sync.Mutex
	curDay string
	file   *os.File
}

func newDailyRotatingWriter(dir, base string, retentionDays int) *dailyRotatingWriter {
	w := &dailyRotatingWriter{dir: dir, base: base, retentionDays: retentionDays, now: time.Now}
	w.mu.Lock()
	_ = w.rotateLocked(w.now())
	w.mu.Unlock()
	return w
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.now()); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *dailyRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotateLocked 日期变化时切换到新文件，并清理过期文件
func (w *dailyRotatingWriter) rotateLocked(now time.Time) error {
	day := now.Format(dayLayout)
	if w.file != nil && day == w.curDay {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, w.base+"-"+day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file, w.curDay = f, day
	w.purgeLocked(now)
	return nil
}

func (w *dailyRotatingWriter) purgeLocked(now time.Time) {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -w.retentionDays)
	files, _ := filepath.Glob(filepath.Join(w.dir, w.base+"-*.log"))
	for _, f := range files {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), w.base+"-"), ".log")
		if t, err := time.ParseInLocation(dayLayout, day, now.Location()); err == nil && t.Before(cutoff) {
			_ = os.Remove(f)
		}
	}
}

// GetLogger 返回全局唯一的 logrus Logger。
func GetLogger() *logrus.Logger {
	return logrus.StandardLogger()
}

// WithFields 是对全局 Logger 的便捷封装，返回带字段的 Entry。
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.StandardLogger().WithFields(fields)
}
