package sentry

import (
	"context"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	uuid "github.com/satori/go.uuid"
)

// DeviceIDKey 设备 ID 在元数据表中的键
const DeviceIDKey = "device_id"

// MetaStore 可持久化设备 ID 的键值存储
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// IdentifyDevice 读取或生成匿名设备 ID 并设置到 Sentry 用户上
// 数据库迁移完成后才调用，元数据表在此之前可能还不存在
func IdentifyDevice(ctx context.Context, store MetaStore) string {
	deviceID := loadOrCreateDeviceID(ctx, store)
	if IsInitialized() {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetUser(sentry.User{ID: deviceID})
		})
	}
	return deviceID
}

// loadOrCreateDeviceID 从元数据表加载或创建设备 ID
func loadOrCreateDeviceID(ctx context.Context, store MetaStore) string {
	if store == nil {
		return generateUUID()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	deviceID, err := store.GetMeta(ctx, DeviceIDKey)
	if err == nil && deviceID != "" {
		return deviceID
	}

	deviceID = generateUUID()
	// 保存失败不影响返回
	_ = store.SetMeta(ctx, DeviceIDKey, deviceID)

	return deviceID
}

// generateUUID 生成去掉连字符的 UUID，32 位十六进制字符串
func generateUUID() string {
	id := uuid.Must(uuid.NewV4())
	return strings.ReplaceAll(id.String(), "-", "")
}
