package migration

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// LoadOperations 从 SQL 文件加载结构变更语句并绑定到描述
// 文件命名沿用 golang-migrate 的约定：{version}_{title}.up.sql
func LoadOperations(fsys fs.FS, dir string, descriptors []*Descriptor) error {
	if dir == "" {
		dir = "."
	}
	driver, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}
	defer driver.Close()

	byVersion := make(map[uint]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byVersion[d.Version] = d
	}

	seen := make(map[uint]bool, len(descriptors))
	version, err := driver.First()
	for err == nil {
		if err := bindOperations(driver, version, byVersion); err != nil {
			return err
		}
		seen[version] = true
		version, err = driver.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to enumerate migration files: %w", err)
	}

	for _, d := range descriptors {
		if !seen[d.Version] {
			return fmt.Errorf("migration %d (%s) has no SQL file", d.Version, d.Name)
		}
	}
	return nil
}

func bindOperations(driver source.Driver, version uint, byVersion map[uint]*Descriptor) error {
	d, ok := byVersion[version]
	if !ok {
		return fmt.Errorf("SQL file for version %d has no registered migration", version)
	}

	r, identifier, err := driver.ReadUp(version)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read migration %d (%s): %w", version, identifier, err)
	}
	d.Operations = SplitStatements(string(body))
	return nil
}

// SplitStatements 按分号拆分 SQL 脚本
// 识别单/双引号、-- 行注释和 /* */ 块注释，不支持 BEGIN...END 触发器体
func SplitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune
		comment    bool
		block      bool
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				current.WriteRune(c)
			}
		case block:
			if c == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				block = false
				current.WriteRune(' ')
				i++
			}
		case quote != 0:
			current.WriteRune(c)
			if c == quote {
				quote = 0
			}
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			i++
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			block = true
			i++
		case c == '\'' || c == '"' || c == '`':
			quote = c
			current.WriteRune(c)
		case c == ';':
			flush()
		default:
			current.WriteRune(c)
		}
	}
	flush()
	return statements
}
