package migration_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tripledger/tripledger/src/ledger"
	"github.com/tripledger/tripledger/src/pkg/migration"
	"github.com/tripledger/tripledger/src/pkg/migration/mock"
)

func startupDescriptors() []*migration.Descriptor {
	return []*migration.Descriptor{
		{
			Version: 1,
			Name:    "initial",
			Operations: []string{
				`CREATE TABLE "Customer" ("id" INTEGER PRIMARY KEY, "name" TEXT NOT NULL)`,
				`CREATE TABLE "OrderItem" ("id" INTEGER PRIMARY KEY, "customerId" INTEGER NOT NULL, "title" TEXT NOT NULL, "note" TEXT)`,
			},
		},
		{
			Version:    2,
			Name:       "add paid flag",
			Operations: []string{`ALTER TABLE "OrderItem" ADD COLUMN "isPaid" BOOLEAN NOT NULL DEFAULT 0`},
		},
		{
			Version:    3,
			Name:       "drop note",
			Kind:       migration.KindManual,
			Operations: []string{`ALTER TABLE "OrderItem" DROP COLUMN "note"`},
		},
	}
}

func registryUpTo(version int) *migration.Registry {
	return migration.MustNewRegistry(startupDescriptors()[:version]...)
}

func backupOptions(store *ledger.Store, opts ...migration.BackupOption) migration.ExecutorOption {
	opts = append([]migration.BackupOption{
		migration.WithFreeSpace(nil),
		migration.WithGracePeriod(0),
	}, opts...)
	return migration.UseBackupManager(migration.NewBackupManager(store.Path(), opts...))
}

// storeAt 返回迁移到指定版本并写入一行客户数据的账本
func storeAt(t *testing.T, version int) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if version > 0 {
		exec := migration.NewExecutor(store, registryUpTo(version), backupOptions(store))
		_, err := exec.Run(context.Background(), nil)
		require.NoError(t, err)
		_, err = store.ExecContext(context.Background(), `INSERT INTO "Customer" ("id", "name") VALUES (1, '汤小圆')`)
		require.NoError(t, err)
	}
	return store
}

func currentVersion(t *testing.T, store *ledger.Store, registry *migration.Registry) uint {
	t.Helper()
	v, err := migration.NewInspector(store, registry).CurrentVersion(context.Background())
	require.NoError(t, err)
	return v
}

func customerCount(t *testing.T, store *ledger.Store) int {
	t.Helper()
	var n int
	require.NoError(t, store.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM "Customer"`).Scan(&n))
	return n
}

func expectNotify(t *testing.T, prompter *mock.MockPrompter, title string, check func(migration.Dialog)) *gomock.Call {
	return prompter.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, d migration.Dialog) error {
			assert.Equal(t, title, d.Title)
			if check != nil {
				check(d)
			}
			return nil
		})
}

func TestHandleStartup_UpToDate(t *testing.T) {
	store := storeAt(t, 2)
	prompter := mock.NewMockPrompter(gomock.NewController(t))

	c := migration.NewCoordinator(store, registryUpTo(2), prompter, backupOptions(store))
	assert.True(t, c.HandleStartup(context.Background()))
}

func TestHandleStartup_FreshStore(t *testing.T) {
	store := storeAt(t, 0)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Progress(gomock.Any(), gomock.Any()).AnyTimes()

	registry := registryUpTo(3)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.True(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(3), currentVersion(t, store, registry))
}

func TestHandleStartup_Migrate(t *testing.T) {
	store := storeAt(t, 1)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Progress(gomock.Any(), gomock.Any()).AnyTimes()
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, d migration.Dialog) (int, error) {
			require.Len(t, d.Buttons, 2)
			return 0, nil
		})
	expectNotify(t, prompter, "升级成功", nil)

	registry := registryUpTo(2)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.True(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(2), currentVersion(t, store, registry))
	assert.Equal(t, 1, customerCount(t, store))
}

func TestHandleStartup_Cancel(t *testing.T) {
	store := storeAt(t, 1)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(1, nil)

	registry := registryUpTo(2)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.False(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(1), currentVersion(t, store, registry))
}

func TestHandleStartup_MigrationFailure(t *testing.T) {
	store := storeAt(t, 1)
	descs := startupDescriptors()[:2]
	descs[1].DataStep = func(context.Context, migration.Conn) error {
		return errors.New("backfill failed")
	}
	registry := migration.MustNewRegistry(descs...)

	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Progress(gomock.Any(), gomock.Any()).AnyTimes()
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(0, nil)
	expectNotify(t, prompter, "升级失败", func(d migration.Dialog) {
		assert.Equal(t, migration.DialogError, d.Type)
		assert.Contains(t, d.Detail, "backfill failed")
		assert.Contains(t, d.Detail, "数据库已恢复到升级前的状态")
	})

	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.False(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(1), currentVersion(t, store, registry))
	assert.Equal(t, 1, customerCount(t, store))
}

func TestHandleStartup_Reset(t *testing.T) {
	store := storeAt(t, 1)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Progress(gomock.Any(), gomock.Any()).AnyTimes()
	gomock.InOrder(
		prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, d migration.Dialog) (int, error) {
				// 包含手动迁移，提供三个选项
				require.Len(t, d.Buttons, 3)
				return 1, nil
			}),
		prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(0, nil),
		expectNotify(t, prompter, "重置完成", nil),
	)

	registry := registryUpTo(3)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.True(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(3), currentVersion(t, store, registry))
	assert.Equal(t, 0, customerCount(t, store))
}

func TestHandleStartup_ResetDeclined(t *testing.T) {
	store := storeAt(t, 1)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	gomock.InOrder(
		prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(1, nil),
		prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(1, nil),
	)

	registry := registryUpTo(3)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))
	assert.False(t, c.HandleStartup(context.Background()))
	assert.Equal(t, uint(1), currentVersion(t, store, registry))
	assert.Equal(t, 1, customerCount(t, store))
}

func TestHandleStartup_NewerStore(t *testing.T) {
	store := storeAt(t, 3)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	expectNotify(t, prompter, "错误", func(d migration.Dialog) {
		assert.Equal(t, "数据库版本过高", d.Message)
	})

	c := migration.NewCoordinator(store, registryUpTo(2), prompter, backupOptions(store))
	assert.False(t, c.HandleStartup(context.Background()))
}

func TestHandleStartup_PanicIsReported(t *testing.T) {
	store := storeAt(t, 1)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, migration.Dialog) (int, error) {
			panic("renderer crashed")
		})
	expectNotify(t, prompter, "错误", func(d migration.Dialog) {
		assert.Contains(t, d.Detail, "renderer crashed")
	})

	c := migration.NewCoordinator(store, registryUpTo(2), prompter, backupOptions(store))
	assert.False(t, c.HandleStartup(context.Background()))
}

func TestHandleStartup_RecoversInterruptedRun(t *testing.T) {
	ctx := context.Background()
	store := storeAt(t, 2)
	_, err := store.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	require.NoError(t, err)

	registry := registryUpTo(2)
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	expectNotify(t, prompter, "已恢复", nil)
	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store))

	// 模拟上次运行在备份之后被中断
	exec := c.Executor()
	artifact, err := exec.Backups().CreateBackup(ctx)
	require.NoError(t, err)
	require.NoError(t, exec.Marker().Write(migration.NewRunMarkerInfo(artifact, 2, 3, artifact.CreatedAt)))
	_, err = store.ExecContext(ctx, `DELETE FROM "Customer"`)
	require.NoError(t, err)

	assert.True(t, c.HandleStartup(ctx))
	assert.Equal(t, 1, customerCount(t, store))
	assert.False(t, exec.Marker().Exists())
}

// createFailFs 打开开关后让指定路径的创建失败
type createFailFs struct {
	afero.Fs
	target string
	armed  atomic.Bool
}

func (f *createFailFs) Create(name string) (afero.File, error) {
	if f.armed.Load() && name == f.target {
		return nil, &os.PathError{Op: "create", Path: name, Err: errors.New("disk full")}
	}
	return f.Fs.Create(name)
}

func TestHandleStartup_DoubleFaultNamesBackup(t *testing.T) {
	store := storeAt(t, 1)
	fs := &createFailFs{Fs: afero.NewOsFs(), target: store.Path()}

	descs := startupDescriptors()[:2]
	descs[1].DataStep = func(context.Context, migration.Conn) error {
		fs.armed.Store(true)
		return errors.New("backfill failed")
	}
	registry := migration.MustNewRegistry(descs...)

	var backupPath string
	prompter := mock.NewMockPrompter(gomock.NewController(t))
	prompter.EXPECT().Progress(gomock.Any(), gomock.Any()).AnyTimes()
	prompter.EXPECT().Choose(gomock.Any(), gomock.Any()).Return(0, nil)
	expectNotify(t, prompter, "升级失败", func(d migration.Dialog) {
		assert.Contains(t, d.Detail, "自动恢复失败")
		assert.Contains(t, d.Detail, "disk full")
		backupPath = d.Detail
	})

	c := migration.NewCoordinator(store, registry, prompter, backupOptions(store, migration.WithFs(fs)))
	assert.False(t, c.HandleStartup(context.Background()))

	backups, err := c.Executor().Backups().ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backupPath, backups[0])
	assert.True(t, c.Executor().Marker().Exists())
}
