package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/sirupsen/logrus"

	"github.com/tripledger/tripledger/src/configs"
	"github.com/tripledger/tripledger/src/consts"
	"github.com/tripledger/tripledger/src/dialog"
	"github.com/tripledger/tripledger/src/ledger"
	applog "github.com/tripledger/tripledger/src/log"
	"github.com/tripledger/tripledger/src/metrics"
	"github.com/tripledger/tripledger/src/pkg/migration"
	appsentry "github.com/tripledger/tripledger/src/pkg/sentry"
)

// 编译时通过 -ldflags 注入
var (
	SentryDSN string
	SentryEnv = "production"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type flags struct {
	conf    *string
	appData *string
	debug   *bool
	yes     *bool

	keep    *int
	backup  *string
	force   *bool
	envFile *string
}

func run(args []string) int {
	app := kingpin.New("tripledger", "旅行社账本。")
	app.Version(consts.AppVersion)

	f := flags{
		conf:    app.Flag("config", "配置文件路径。").Short('c').String(),
		appData: app.Flag("appdata", "数据目录，优先于配置文件。").String(),
		debug:   app.Flag("debug", "输出调试日志。").Bool(),
		yes:     app.Flag("yes", "无人值守：所有对话框选择默认按钮。").Short('y').Bool(),
		envFile: app.Flag("env-file", ".env 文件路径。").Default(".env").String(),
	}

	startCmd := app.Command("start", "检查并升级数据库后启动。").Default()
	statusCmd := app.Command("status", "查看数据库版本和待执行的迁移。")
	backupsCmd := app.Command("backups", "管理升级前的数据库备份。")
	backupsListCmd := backupsCmd.Command("list", "列出备份。").Default()
	backupsPruneCmd := backupsCmd.Command("prune", "删除旧备份。")
	f.keep = backupsPruneCmd.Flag("keep", "保留的备份数量，默认使用配置文件中的值。").Int()
	restoreCmd := app.Command("restore", "从备份恢复数据库。")
	f.backup = restoreCmd.Arg("backup", "备份文件路径，默认使用最新的备份。").String()
	resetCmd := app.Command("reset", "删除数据库并重新建表。")
	f.force = resetCmd.Flag("force", "不再确认。").Bool()

	command, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := bootstrap(ctx, f, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()
	// 程序退出时刷新 Sentry 事件队列
	defer appsentry.Flush(2 * time.Second)

	switch command {
	case startCmd.FullCommand():
		err = env.start(ctx)
	case statusCmd.FullCommand():
		err = env.status(ctx)
	case backupsListCmd.FullCommand():
		err = env.listBackups()
	case backupsPruneCmd.FullCommand():
		err = env.pruneBackups(*f.keep)
	case restoreCmd.FullCommand():
		err = env.restore(ctx, *f.backup)
	case resetCmd.FullCommand():
		err = env.reset(ctx, *f.force)
	}
	if err != nil {
		logrus.WithError(err).WithField("command", command).Error("command failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// environment 一次命令执行所需的全部依赖
type environment struct {
	cfg      *configs.Config
	store    *ledger.Store
	registry *migration.Registry
	prompter migration.Prompter
	metrics  *metrics.Collectors
	out      io.Writer
}

func bootstrap(ctx context.Context, f flags, in io.Reader, out io.Writer) (*environment, error) {
	cfg, err := loadConfig(*f.conf)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(*f.envFile); err != nil {
		return nil, err
	}
	if *f.appData != "" {
		cfg.AppDataPath = *f.appData
	}
	if *f.debug {
		cfg.Debug = true
	}
	if *f.yes {
		cfg.Migration.AssumeYes = true
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	configs.SetCurrentConfig(cfg)

	if _, err := applog.New(ctx, cfg); err != nil {
		return nil, err
	}
	initSentry(cfg)

	registry, err := ledger.Registry()
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("%w%s", err, configs.DiagnoseFilePermission(cfg.DBPath()).FormatError())
	}

	var prompter migration.Prompter = dialog.NewConsole(in, out)
	if cfg.Migration.AssumeYes {
		prompter = dialog.NewUnattended()
	}

	return &environment{
		cfg:      cfg,
		store:    store,
		registry: registry,
		prompter: prompter,
		metrics:  metrics.New(),
		out:      out,
	}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close database")
	}
}

// loadConfig 优先使用命令行指定的配置文件，其次是可执行文件旁的 config.yml，都没有时使用默认配置
func loadConfig(file string) (*configs.Config, error) {
	if file != "" {
		return configs.NewConfigWithFile(file)
	}
	if exePath, err := os.Executable(); err == nil {
		configPath := filepath.Join(filepath.Dir(exePath), "config.yml")
		if _, err := os.Stat(configPath); err == nil {
			return configs.NewConfigWithFile(configPath)
		}
	}
	return configs.NewConfig(), nil
}

// initSentry DSN 来源优先级：配置文件或环境变量 > 编译时注入
func initSentry(cfg *configs.Config) {
	dsn := cfg.Sentry.DSN
	if dsn == "" {
		dsn = SentryDSN
	}
	if !cfg.Sentry.Enable || dsn == "" {
		return
	}
	environment := cfg.Sentry.Environment
	if environment == "" {
		environment = SentryEnv
	}
	if cfg.Debug {
		environment = "development"
	}
	if err := appsentry.Init(dsn, environment, consts.AppVersion); err != nil {
		// 初始化失败不影响程序运行
		logrus.WithError(err).Warn("failed to init sentry")
	}
}
