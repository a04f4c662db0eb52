//go:build dev

package ledger

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// migrationFS 返回迁移文件所在的文件系统和子目录（dev模式使用实际文件，修改 SQL 无需重新编译）
func migrationFS() (fs.FS, string) {
	_, currentFile, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(currentFile), "migrations")
	return os.DirFS(migrationsDir), "."
}
