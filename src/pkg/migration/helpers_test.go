package migration

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// testStore 测试用存储句柄
type testStore struct {
	path string
	db   *sql.DB
}

func openTestStore(t *testing.T, path string) *testStore {
	t.Helper()
	s := &testStore{path: path}
	require.NoError(t, s.open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
}

func (s *testStore) open() error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return nil
}

func (s *testStore) Path() string { return s.path }

func (s *testStore) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *testStore) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *testStore) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *testStore) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, opts)
}

func (s *testStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *testStore) Reopen() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.open()
}

func (s *testStore) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := s.db.Exec(query, args...)
	require.NoError(t, err)
}

// dumpTables 按表导出建表语句和全部行，用于比较恢复前后的数据
func dumpTables(t *testing.T, s *testStore) map[string][]string {
	t.Helper()
	ctx := context.Background()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	require.NoError(t, err)
	schema := map[string]string{}
	var names []string
	for rows.Next() {
		var name, ddl string
		require.NoError(t, rows.Scan(&name, &ddl))
		schema[name] = ddl
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	rows.Close()

	out := make(map[string][]string, len(names))
	for _, name := range names {
		out[name] = append(out[name], schema[name])
		r, err := s.db.QueryContext(ctx, `SELECT * FROM "`+name+`" ORDER BY rowid`)
		require.NoError(t, err)
		cols, err := r.Columns()
		require.NoError(t, err)
		for r.Next() {
			values := make([]sql.NullString, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			require.NoError(t, r.Scan(ptrs...))
			parts := make([]string, len(values))
			for i, v := range values {
				if v.Valid {
					parts[i] = v.String
				} else {
					parts[i] = "NULL"
				}
			}
			out[name] = append(out[name], strings.Join(parts, "|"))
		}
		require.NoError(t, r.Err())
		r.Close()
	}
	return out
}

var errInjected = errors.New("injected failure")

// faultyFs 可按路径注入创建或删除失败的文件系统
type faultyFs struct {
	afero.Fs

	mu         sync.Mutex
	failAll    bool
	failCreate map[string]bool
	failRemove map[string]bool
}

func newFaultyFs() *faultyFs {
	return &faultyFs{
		Fs:         afero.NewOsFs(),
		failCreate: map[string]bool{},
		failRemove: map[string]bool{},
	}
}

func (f *faultyFs) FailRemove(name string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemove[name] = fail
}

func (f *faultyFs) Remove(name string) error {
	f.mu.Lock()
	fail := f.failRemove[name]
	f.mu.Unlock()
	if fail {
		return &os.PathError{Op: "remove", Path: name, Err: errInjected}
	}
	return f.Fs.Remove(name)
}

func (f *faultyFs) FailCreate(name string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate[name] = fail
}

func (f *faultyFs) FailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *faultyFs) Create(name string) (afero.File, error) {
	f.mu.Lock()
	fail := f.failAll || f.failCreate[name]
	f.mu.Unlock()
	if fail {
		return nil, &os.PathError{Op: "create", Path: name, Err: errInjected}
	}
	return f.Fs.Create(name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
