// Package migration 提供单文件 SQLite 数据库的版本化迁移框架
//
// 主要组成：
//
//  1. Registry：按版本排序的迁移描述（Descriptor），版本必须连续且唯一
//  2. Inspector：读取 SchemaVersion 记账表，表不存在视为版本 0
//  3. BackupManager：迁移前备份主文件及 -wal/-shm/-journal 附属文件，失败时恢复
//  4. Executor：按顺序在事务中执行待应用的迁移，任何一步失败都从备份整体恢复
//  5. Gate / Coordinator：启动时询问用户升级、重置或退出
//
// 基本使用示例：
//
//	registry := migration.MustNewRegistry(
//	    &migration.Descriptor{Version: 1, Name: "Initial schema", Operations: initSQL},
//	    &migration.Descriptor{Version: 2, Name: "Add paid flag", DataStep: backfill},
//	)
//
//	coordinator := migration.NewCoordinator(store, registry, prompter)
//	if !coordinator.HandleStartup(ctx) {
//	    os.Exit(1)
//	}
//
// 迁移 SQL 可以放在嵌入的文件中，命名沿用 golang-migrate 的 {version}_{title}.up.sql：
//
//	//go:embed migrations/*.sql
//	var migrationsFS embed.FS
//
//	err := migration.LoadOperations(migrationsFS, "migrations", descriptors)
package migration
