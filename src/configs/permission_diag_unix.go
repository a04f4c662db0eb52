//go:build !windows

package configs

import (
	"os"
	"syscall"
)

func fileOwner(info os.FileInfo) uint32 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid
	}
	return 0
}

func (d *PermissionDiagnostics) platformSuggestions() []string {
	if d.IsDocker && d.OwnerUID == 0 && d.CurrentUID != 0 {
		return []string{"文件属于 root 用户，但容器以非 root 用户运行，请设置 PUID=0 PGID=0 或修改数据目录的所有者"}
	}
	return nil
}
