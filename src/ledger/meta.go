package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
)

// MetaKeyAppVersion 最后一次打开数据库的应用版本
const MetaKeyAppVersion = "app_version"

// GetMeta 读取元数据
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.QueryRowContext(ctx, `SELECT "value" FROM "SystemMeta" WHERE "key" = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMetaNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetMeta 写入元数据
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO "SystemMeta" ("key", "value", "updatedAt") VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT("key") DO UPDATE SET
			"value" = excluded."value",
			"updatedAt" = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// RecordAppVersion 记录打开数据库的应用版本，返回之前记录的版本
// 用旧版本应用打开新版本写过的数据库时只告警，结构兼容性由迁移版本号保证
func (s *Store) RecordAppVersion(ctx context.Context, appVersion string) (string, error) {
	oldVersion, err := s.GetMeta(ctx, MetaKeyAppVersion)
	if errors.Is(err, ErrMetaNotFound) {
		if err := s.SetMeta(ctx, MetaKeyAppVersion, appVersion); err != nil {
			return "", fmt.Errorf("写入版本信息失败: %w", err)
		}
		logrus.WithField("version", appVersion).Info("初始化账本数据库版本信息")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取版本信息失败: %w", err)
	}

	if err := s.SetMeta(ctx, MetaKeyAppVersion, appVersion); err != nil {
		return oldVersion, fmt.Errorf("写入版本信息失败: %w", err)
	}

	if oldVersion != appVersion {
		fields := logrus.Fields{
			"old_version": oldVersion,
			"new_version": appVersion,
		}
		if isDowngrade(oldVersion, appVersion) {
			logrus.WithFields(fields).Warn("当前应用版本低于上次打开数据库的版本")
		} else {
			logrus.WithFields(fields).Info("更新了账本数据库版本信息")
		}
	}
	return oldVersion, nil
}

// isDowngrade 版本号无法解析时不视为降级
func isDowngrade(oldVersion, newVersion string) bool {
	oldVer, err := semver.NewVersion(oldVersion)
	if err != nil {
		return false
	}
	newVer, err := semver.NewVersion(newVersion)
	if err != nil {
		return false
	}
	return newVer.LessThan(oldVer)
}
