package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersionTable 记账表名
const SchemaVersionTable = "SchemaVersion"

// TrackingState 记账表状态
type TrackingState int

const (
	// TrackingAbsent 记账表不存在（全新数据库或版本追踪之前创建的数据库），视为版本 0
	TrackingAbsent TrackingState = iota
	// TrackingPresent 记账表存在
	TrackingPresent
)

func (s TrackingState) String() string {
	if s == TrackingPresent {
		return "present"
	}
	return "absent"
}

// State 数据库实际持久化的版本状态
type State struct {
	// Tracking 记账表是否存在
	Tracking TrackingState
	// Version 记账表中的最高版本，记账表不存在时为 0
	Version uint
	// HasTables 除记账表外是否存在业务表
	HasTables bool
	// Target 本程序已知的最高版本
	Target uint
}

// Fresh 全新的空数据库，没有可保护的数据
func (s State) Fresh() bool {
	return s.Tracking == TrackingAbsent && !s.HasTables
}

// NeedsMigration 是否需要迁移
func (s State) NeedsMigration() bool {
	return s.Version < s.Target
}

// Newer 数据库版本高于本程序
func (s State) Newer() bool {
	return s.Version > s.Target
}

// Inspector 版本检查器
type Inspector struct {
	conn     Conn
	registry *Registry
}

// NewInspector 创建版本检查器
func NewInspector(conn Conn, registry *Registry) *Inspector {
	return &Inspector{conn: conn, registry: registry}
}

// Inspect 读取数据库的版本状态
// 记账表不存在不是错误；其他查询失败包装为 ErrQueryFailed
func (i *Inspector) Inspect(ctx context.Context) (State, error) {
	state := State{Target: i.registry.CurrentVersion()}

	tracking, err := tableExists(ctx, i.conn, SchemaVersionTable)
	if err != nil {
		return state, err
	}
	if tracking {
		state.Tracking = TrackingPresent
	}

	var domainTables int
	err = i.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master
		 WHERE type = 'table' AND name <> ? AND name NOT LIKE 'sqlite_%'`,
		SchemaVersionTable,
	).Scan(&domainTables)
	if err != nil {
		return state, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	state.HasTables = domainTables > 0

	if state.Tracking == TrackingAbsent {
		return state, nil
	}

	var version sql.NullInt64
	err = i.conn.QueryRowContext(ctx,
		`SELECT MAX(version) FROM "`+SchemaVersionTable+`"`,
	).Scan(&version)
	if err != nil {
		return state, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if version.Valid && version.Int64 > 0 {
		state.Version = uint(version.Int64)
	}
	return state, nil
}

// CurrentVersion 数据库当前版本，记账表不存在时返回 0
func (i *Inspector) CurrentVersion(ctx context.Context) (uint, error) {
	state, err := i.Inspect(ctx)
	if err != nil {
		return 0, err
	}
	return state.Version, nil
}

// NeedsMigration 当前版本是否低于本程序已知的最高版本
func (i *Inspector) NeedsMigration(ctx context.Context) (bool, error) {
	state, err := i.Inspect(ctx)
	if err != nil {
		return false, err
	}
	return state.NeedsMigration(), nil
}

// Records 列出记账表中的全部记录
func (i *Inspector) Records(ctx context.Context) ([]SchemaVersionRecord, error) {
	exists, err := tableExists(ctx, i.conn, SchemaVersionTable)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := i.conn.QueryContext(ctx,
		`SELECT version, name, appliedAt FROM "`+SchemaVersionTable+`" ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer rows.Close()

	var records []SchemaVersionRecord
	for rows.Next() {
		var (
			rec       SchemaVersionRecord
			appliedAt string
		)
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		rec.AppliedAt = parseAppliedAt(appliedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return records, nil
}

// tableExists 通过 sqlite_master 判断表是否存在，而不是依赖查询报错
func tableExists(ctx context.Context, conn Conn, name string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return count > 0, nil
}

// appliedAtLayouts 兼容 SQL 脚本中 CURRENT_TIMESTAMP 写入的格式
var appliedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseAppliedAt(s string) time.Time {
	for _, layout := range appliedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
