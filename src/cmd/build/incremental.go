package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sourceSuffixes 参与增量判断的文件类型，迁移脚本变化也要重新编译
var sourceSuffixes = []string{".go", ".sql"}

// getDevBinaryName 返回开发版二进制文件名（不包含架构，便于跨平台调试）
func getDevBinaryName() string {
	goHostOS, _ := targetPlatform()
	if goHostOS == "windows" {
		return "tripledger-dev.exe"
	}
	return "tripledger-dev"
}

// BuildDevIncremental 只在源码变化时重新编译，比较修改时间而不是校验和
// 返回 true 表示进行了编译
func BuildDevIncremental() (bool, error) {
	binaryPath := GetDevBinaryPath()

	binaryInfo, err := os.Stat(binaryPath)
	if err != nil {
		fmt.Println("[增量构建] 二进制文件不存在，需要编译")
		return true, BuildGoBinaryWithOutput(true, binaryPath)
	}

	if needsRebuild, reason := checkSourcesNewer(".", binaryInfo.ModTime()); needsRebuild {
		fmt.Printf("[增量构建] %s，需要重新编译\n", reason)
		return true, BuildGoBinaryWithOutput(true, binaryPath)
	}

	fmt.Println("[增量构建] 源码无变化，跳过编译")
	return false, nil
}

// checkSourcesNewer 检查 root 下是否有源文件比目标文件更新
func checkSourcesNewer(root string, targetModTime time.Time) (bool, string) {
	for _, file := range []string{"go.mod", "go.sum"} {
		info, err := os.Stat(filepath.Join(root, file))
		if err != nil {
			continue
		}
		if info.ModTime().After(targetModTime) {
			return true, fmt.Sprintf("%s 已更新", file)
		}
	}

	var newerFile string
	err := filepath.WalkDir(filepath.Join(root, "src"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isSourceFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(targetModTime) {
			newerFile = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		// 遍历出错，保守起见重新编译
		return true, "无法遍历源码目录"
	}
	if newerFile != "" {
		return true, fmt.Sprintf("%s 已更新", newerFile)
	}
	return false, ""
}

func isSourceFile(path string) bool {
	for _, suffix := range sourceSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// GetDevBinaryPath 返回开发版二进制文件的路径
func GetDevBinaryPath() string {
	return filepath.Join("bin", getDevBinaryName())
}

