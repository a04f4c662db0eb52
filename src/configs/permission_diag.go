package configs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PermissionDiagnostics 文件及其所在目录的权限诊断
// 升级前的备份写在数据库旁边，所以目录也必须可写
type PermissionDiagnostics struct {
	FilePath    string
	FileExists  bool
	CanRead     bool
	CanWrite    bool
	DirWritable bool
	FileMode    os.FileMode
	OwnerUID    uint32
	CurrentUID  int
	IsDocker    bool
	Suggestions []string
}

// DiagnoseFilePermission 诊断文件权限问题
func DiagnoseFilePermission(filePath string) *PermissionDiagnostics {
	diag := &PermissionDiagnostics{
		FilePath:    filePath,
		CurrentUID:  os.Getuid(),
		IsDocker:    isInContainer(),
		DirWritable: dirWritable(filepath.Dir(filePath)),
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			diag.Suggestions = append(diag.Suggestions,
				fmt.Sprintf("文件 %s 不存在，请检查路径是否正确", filePath))
		} else {
			diag.Suggestions = append(diag.Suggestions, fmt.Sprintf("无法获取文件信息: %v", err))
		}
		diag.generateSuggestions()
		return diag
	}

	diag.FileExists = true
	diag.FileMode = info.Mode()
	diag.OwnerUID = fileOwner(info)
	if f, err := os.OpenFile(filePath, os.O_RDONLY, 0); err == nil {
		diag.CanRead = true
		f.Close()
	}
	if f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND, 0); err == nil {
		diag.CanWrite = true
		f.Close()
	}

	diag.generateSuggestions()
	return diag
}

// dirWritable 通过创建临时文件判断目录是否可写
func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".perm-check-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return true
}

func (d *PermissionDiagnostics) generateSuggestions() {
	if !d.DirWritable {
		d.Suggestions = append(d.Suggestions,
			fmt.Sprintf("目录 %s 不可写，无法创建升级前的备份", filepath.Dir(d.FilePath)))
	}
	if !d.FileExists {
		return
	}
	if !d.CanRead {
		d.Suggestions = append(d.Suggestions,
			fmt.Sprintf("无法读取文件 %s。文件所有者 UID = %d，当前进程 UID = %d，当前权限: %v",
				d.FilePath, d.OwnerUID, d.CurrentUID, d.FileMode))
	}
	if !d.CanWrite {
		d.Suggestions = append(d.Suggestions,
			fmt.Sprintf("无法写入文件 %s，当前权限: %v", d.FilePath, d.FileMode))
	}
	if !d.CanRead || !d.CanWrite {
		d.Suggestions = append(d.Suggestions, d.platformSuggestions()...)
	}
}

// FormatError 格式化权限诊断为用户友好的错误信息
func (d *PermissionDiagnostics) FormatError() string {
	if len(d.Suggestions) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n========== 权限诊断信息 ==========\n")
	for _, suggestion := range d.Suggestions {
		sb.WriteString(suggestion)
		sb.WriteString("\n")
	}
	sb.WriteString("===================================\n")
	return sb.String()
}
