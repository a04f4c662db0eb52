package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Kind 迁移分类，决定提示方式和备份策略
type Kind int

const (
	// KindAutomatic 纯增量变更（新表、可空列、索引），可以一键升级
	KindAutomatic Kind = iota
	// KindManual 可能丢失数据的变更（删列、收窄类型），需要用户谨慎确认
	KindManual
)

func (k Kind) String() string {
	switch k {
	case KindAutomatic:
		return "automatic"
	case KindManual:
		return "manual"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Conn 迁移步骤可用的数据库能力
// *sql.DB 和 *sql.Tx 都满足该接口
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Handle 执行器使用的存储句柄
// 句柄的打开/关闭生命周期归调用方所有，执行器只在恢复备份时临时关闭并重新打开
type Handle interface {
	Conn
	// Path 返回数据库主文件路径
	Path() string
	// BeginTx 开启事务
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	// Close 关闭连接，重复调用安全
	Close() error
	// Reopen 重新打开同一路径的连接
	Reopen() error
}

// DataStep 结构变更之后运行的数据步骤（回填、校验）
type DataStep func(ctx context.Context, conn Conn) error

// Descriptor 迁移描述，编译期静态数据
type Descriptor struct {
	// Version 应用后数据库所处的版本
	Version uint
	// Name 描述，需唯一且稳定
	Name string
	// Kind 迁移分类
	Kind Kind
	// RequiresBackup 即使是增量变更也建议备份
	RequiresBackup bool
	// UpgradeBarrier 为 true 表示低于此版本的数据库没有安全的原地升级路径，只能重置
	UpgradeBarrier bool
	// Operations 有序的结构变更语句
	Operations []string
	// DataStep 可选的数据步骤
	DataStep DataStep
}

// SchemaVersionRecord 记账表中的一行
type SchemaVersionRecord struct {
	Version   uint
	Name      string
	AppliedAt time.Time
}

// BackupArtifact 一次迁移运行前的数据库快照
type BackupArtifact struct {
	// SourcePath 被备份的数据库主文件
	SourcePath string
	// BackupPath 备份主文件路径
	BackupPath string
	// CreatedAt 备份时间
	CreatedAt time.Time
	// Files 实际复制的文件后缀（"" 表示主文件，"-wal" 等表示附属文件）
	Files []string
	// Empty 备份时数据库文件不存在，恢复即删除当前文件
	Empty bool
}

// ProgressFunc 进度回调，只用于驱动界面状态，不影响控制流
type ProgressFunc func(message string, percent int)

// Result 迁移运行结果
type Result struct {
	// Success 是否成功
	Success bool
	// FromVersion 运行前版本
	FromVersion uint
	// ToVersion 运行后版本（失败并恢复时等于 FromVersion）
	ToVersion uint
	// Pending 本次需要应用的版本
	Pending []uint
	// Applied 已成功应用的版本（失败恢复后这些变更已被撤销）
	Applied []uint
	// Seeded 是否为未记录版本的旧数据库补写了基线版本
	Seeded bool
	// BackupPath 备份文件路径（成功后已删除）
	BackupPath string
	// Restored 失败后是否已从备份恢复
	Restored bool
	// Err 导致失败的根因
	Err error
	// RestoreErr 恢复备份本身的错误（双重故障）
	RestoreErr error
}

// Directive 用户在决策门的选择
type Directive int

const (
	// DirectiveCancel 退出应用
	DirectiveCancel Directive = iota
	// DirectiveMigrate 原地升级
	DirectiveMigrate
	// DirectiveReset 删除并重建数据库
	DirectiveReset
)

func (d Directive) String() string {
	switch d {
	case DirectiveMigrate:
		return "migrate"
	case DirectiveReset:
		return "reset"
	default:
		return "cancel"
	}
}

// RunMarkerInfo 运行标记文件内容，用于在进程中断后找回备份
type RunMarkerInfo struct {
	// RunID 本次运行标识
	RunID string `json:"run_id"`
	// DBPath 正在迁移的数据库路径
	DBPath string `json:"db_path"`
	// BackupPath 备份文件路径
	BackupPath string `json:"backup_path"`
	// BackupFiles 备份包含的文件后缀
	BackupFiles []string `json:"backup_files"`
	// EmptyBackup 迁移前数据库文件不存在
	EmptyBackup bool `json:"empty_backup"`
	// StartTime 迁移开始时间
	StartTime string `json:"start_time"`
	// FromVersion 迁移前版本
	FromVersion uint `json:"from_version"`
	// TargetVersion 目标版本
	TargetVersion uint `json:"target_version"`
	// PID 进程ID
	PID int `json:"pid"`
}

// Artifact 根据标记内容还原备份描述
func (i *RunMarkerInfo) Artifact() *BackupArtifact {
	created, _ := time.Parse(time.RFC3339, i.StartTime)
	return &BackupArtifact{
		SourcePath: i.DBPath,
		BackupPath: i.BackupPath,
		CreatedAt:  created,
		Files:      i.BackupFiles,
		Empty:      i.EmptyBackup,
	}
}
