// Package ledger 账本数据库：分类、客户、账单、订单项
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tripledger/tripledger/src/pkg/migration"
)

// ErrMetaNotFound 元数据键不存在
var ErrMetaNotFound = errors.New("meta key not found")

// Store 账本数据库句柄
// 打开/关闭由启动流程负责，迁移恢复备份时会临时关闭并重新打开
type Store struct {
	path   string
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ migration.Handle = (*Store)(nil)

// Open 打开账本数据库，目录不存在时创建
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	s := &Store{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单写者：同一时间只有一个连接，迁移事务期间不会有并发写入
	db.SetMaxOpenConns(1)
	s.db = db
	s.closed = false
	return nil
}

// Path 数据库主文件路径
func (s *Store) Path() string {
	return s.path
}

// DB 返回当前连接
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.DB().ExecContext(ctx, query, args...)
}

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.DB().QueryContext(ctx, query, args...)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.DB().QueryRowContext(ctx, query, args...)
}

func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.DB().BeginTx(ctx, opts)
}

// Close 关闭连接，重复调用安全
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Reopen 重新打开同一路径
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("关闭数据库失败: %w", err)
		}
	}
	return s.open()
}
