//go:build windows

package configs

import "os"

// Windows 没有 UID，所有者固定为 0
func fileOwner(os.FileInfo) uint32 {
	return 0
}

func (d *PermissionDiagnostics) platformSuggestions() []string {
	if d.FileMode.Perm()&0200 == 0 {
		return []string{"文件带有只读属性，请在文件属性中取消\"只读\"后重试"}
	}
	return []string{"文件可能被其他程序占用（例如杀毒软件或同步盘），请关闭后重试"}
}
