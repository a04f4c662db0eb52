package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"
)

// BuildFlags 包含构建所需的参数
type BuildFlags struct {
	Tags         string
	GcFlags      string
	LdFlags      string
	DebugLdFlags string // -s -w（release 模式）或空（dev 模式）
}

const (
	// constsPath 是注入版本信息的包路径
	constsPath = "github.com/tripledger/tripledger/src/consts"
	mainPath   = "./src/cmd/tripledger"
)

var ldFlagsTmpl = template.Must(template.New("ldFlags").Parse(
	"-X {{.ConstsPath}}.BuildTime={{.Now}} " +
		"-X {{.ConstsPath}}.AppVersion={{.AppVersion}} " +
		"-X {{.ConstsPath}}.GitHash={{.GitHash}}" +
		"{{if .SentryDSN}} -X main.SentryDSN={{.SentryDSN}}{{end}}"))

// GetBuildFlags 返回构建参数
// dev 构建带 dev 标签，迁移脚本直接从源码目录读取
func GetBuildFlags(isDev bool) BuildFlags {
	// 版本号优先级：环境变量 APP_VERSION > git tag
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = getGitTagString()
	}

	var buf bytes.Buffer
	_ = ldFlagsTmpl.Execute(&buf, map[string]string{
		"ConstsPath": constsPath,
		"Now":        fmt.Sprintf("%d", time.Now().Unix()),
		"AppVersion": appVersion,
		"GitHash":    getGitHash(),
		"SentryDSN":  os.Getenv("SENTRY_DSN"),
	})

	if isDev {
		return BuildFlags{
			Tags:    "dev",
			GcFlags: "all=-N -l", // 禁用优化以便调试
			LdFlags: strings.TrimSpace(buf.String()),
		}
	}
	return BuildFlags{
		Tags:         "release",
		LdFlags:      strings.TrimSpace(buf.String()),
		DebugLdFlags: "-s -w",
	}
}

func targetPlatform() (string, string) {
	goHostOS := os.Getenv("PLATFORM")
	if goHostOS == "" {
		goHostOS = runtime.GOOS
	}
	goHostArch := os.Getenv("ARCH")
	if goHostArch == "" {
		goHostArch = runtime.GOARCH
	}
	return goHostOS, goHostArch
}

// BuildGoBinary 构建到默认路径 bin/tripledger-{平台}-{架构}
func BuildGoBinary(isDev bool) error {
	goHostOS, goHostArch := targetPlatform()
	return BuildGoBinaryWithOutput(isDev, "bin/"+generateBinaryName(goHostOS, goHostArch))
}

// BuildGoBinaryWithOutput 构建到指定路径
func BuildGoBinaryWithOutput(isDev bool, outputPath string) error {
	goHostOS, goHostArch := targetPlatform()
	flags := GetBuildFlags(isDev)

	fmt.Printf("building tripledger (Platform: %s, Arch: %s, GoVersion: %s, Tags: %s)\n",
		goHostOS, goHostArch, runtime.Version(), flags.Tags)

	ldflags := flags.LdFlags
	if flags.DebugLdFlags != "" {
		ldflags = flags.DebugLdFlags + " " + ldflags
	}
	if err := ensureDir(outputPath); err != nil {
		return err
	}

	cmd := exec.Command(
		"go", "build",
		"-tags", flags.Tags,
		`-gcflags=`+flags.GcFlags,
		"-o", outputPath,
		"-ldflags="+ldflags,
		mainPath,
	)
	// modernc.org/sqlite 是纯 Go 实现，不需要 cgo
	cmd.Env = append(os.Environ(),
		"GOOS="+goHostOS,
		"GOARCH="+goHostArch,
		"CGO_ENABLED=0",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.Print(cmd.String())
	return cmd.Run()
}

func generateBinaryName(goHostOS string, goHostArch string) string {
	binaryName := "tripledger-" + goHostOS + "-" + goHostArch
	if goHostOS == "windows" {
		binaryName += ".exe"
	}
	return binaryName
}

func getGitHash() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func getGitTagString() string {
	out, err := exec.Command("git", "describe", "--tags", "--always").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}
