//go:build !dev

package ledger

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationFS 返回迁移文件所在的文件系统和子目录（release模式使用嵌入文件）
func migrationFS() (fs.FS, string) {
	return embeddedMigrations, "migrations"
}
