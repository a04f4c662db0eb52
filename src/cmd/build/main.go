// 构建工具：go run ./src/cmd/build <command>
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alecthomas/kingpin"
	log "github.com/sirupsen/logrus"
)

// 全局变量，用于存储命令行参数
var customVersion string

func main() {
	os.Exit(RunCmd(os.Args[1:]))
}

func RunCmd(args []string) int {
	app := kingpin.New("Build tool", "tripledger build tool.")

	// dev 命令支持 --version 参数
	devCmd := app.Command("dev", "Build for development.")
	devCmd.Flag("version", "自定义版本号（用于测试数据库升级和降级提示）").StringVar(&customVersion)
	devCmd.Action(devBuild)

	app.Command("dev-incremental", "增量构建：只在源码或迁移脚本变化时重新编译").Action(devIncrementalBuild)
	app.Command("release", "Build for release.").Action(releaseBuild)
	app.Command("test", "Run tests.").Action(goTest)
	app.Command("generate", "go generate ./...").Action(goGenerate)
	app.Command("clean", "清理构建产物").Action(cleanBuild)

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func devBuild(c *kingpin.ParseContext) error {
	// 自定义版本号通过环境变量交给 GetBuildFlags
	if customVersion != "" {
		os.Setenv("APP_VERSION", customVersion)
	}
	return BuildGoBinary(true)
}

func devIncrementalBuild(c *kingpin.ParseContext) error {
	_, err := BuildDevIncremental()
	return err
}

func releaseBuild(c *kingpin.ParseContext) error {
	return BuildGoBinary(false)
}

func goTest(c *kingpin.ParseContext) error {
	return execCommand(
		"go", "test",
		"-tags", "release",
		"--cover",
		"-coverprofile=coverage.txt",
		"./src/...",
	)
}

func goGenerate(c *kingpin.ParseContext) error {
	return execCommand("go", "generate", "./...")
}

// cleanBuild 清理构建产物（跨平台）
func cleanBuild(c *kingpin.ParseContext) error {
	for _, path := range []string{"bin", "coverage.txt"} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("删除 %s 失败: %w", path, err)
		}
		fmt.Printf("已删除: %s\n", path)
	}
	fmt.Println("清理完成")
	return nil
}

func execCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Print(cmd.String())
	return cmd.Run()
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
