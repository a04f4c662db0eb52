package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/tripledger/tripledger/src/pkg/migration"
)

var (
	registryOnce sync.Once
	registry     *migration.Registry
	registryErr  error
)

// Registry 返回账本数据库的迁移注册表
// 描述的元数据在这里声明，结构变更语句来自 migrations 目录下的 SQL 文件
func Registry() (*migration.Registry, error) {
	registryOnce.Do(func() {
		registry, registryErr = buildRegistry()
	})
	return registry, registryErr
}

// MustRegistry 返回迁移注册表，失败时panic
func MustRegistry() *migration.Registry {
	r, err := Registry()
	if err != nil {
		panic(err)
	}
	return r
}

func buildRegistry() (*migration.Registry, error) {
	descriptors := Descriptors()
	fsys, dir := migrationFS()
	if err := migration.LoadOperations(fsys, dir, descriptors); err != nil {
		return nil, fmt.Errorf("加载迁移文件失败: %w", err)
	}
	return migration.NewRegistry(descriptors...)
}

// Descriptors 返回全部迁移描述（不含结构变更语句）
func Descriptors() []*migration.Descriptor {
	return []*migration.Descriptor{
		{
			Version: 1,
			Name:    "Initial schema",
			Kind:    migration.KindAutomatic,
		},
		{
			Version:        2,
			Name:           "Add payment tracking to OrderItem level",
			Kind:           migration.KindAutomatic,
			RequiresBackup: true,
			// 早期版本的数据库没有可靠的原地升级路径，只能导出后重置
			UpgradeBarrier: true,
			DataStep:       backfillItemPaid,
		},
		{
			Version:  3,
			Name:     "Add invoice company to order items",
			Kind:     migration.KindAutomatic,
			DataStep: backfillInvoiceCompany,
		},
		{
			Version: 4,
			Name:    "Add system metadata table",
			Kind:    migration.KindAutomatic,
		},
		{
			Version:        5,
			Name:           "Drop transaction-level paid flag",
			Kind:           migration.KindManual,
			RequiresBackup: true,
			DataStep:       verifyTransactionPaidDropped,
		},
	}
}

// backfillItemPaid 已付款账单下的订单项标记为已付款，并校验没有缺失的标记
func backfillItemPaid(ctx context.Context, conn migration.Conn) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE "OrderItem" SET "isPaid" = 1
		WHERE "transactionId" IN (SELECT "id" FROM "Transaction" WHERE "isPaid" = 1)
	`)
	if err != nil {
		return fmt.Errorf("回填订单项付款状态失败: %w", err)
	}

	var total, flagged int
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT("isPaid") FROM "OrderItem"
	`).Scan(&total, &flagged)
	if err != nil {
		return fmt.Errorf("迁移验证失败: %w", err)
	}
	if total != flagged {
		return fmt.Errorf("迁移验证失败: %d 个订单项缺少付款状态", total-flagged)
	}
	return nil
}

// backfillInvoiceCompany 订单项的开票单位默认取客户的开票单位
func backfillInvoiceCompany(ctx context.Context, conn migration.Conn) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE "OrderItem" SET "invoiceCompany" = (
			SELECT c."invoiceCompany"
			FROM "Transaction" t JOIN "Customer" c ON c."id" = t."customerId"
			WHERE t."id" = "OrderItem"."transactionId"
		)
		WHERE "invoiceCompany" IS NULL
	`)
	if err != nil {
		return fmt.Errorf("回填开票单位失败: %w", err)
	}
	return nil
}

// verifyTransactionPaidDropped 确认账单表已不再有付款字段
func verifyTransactionPaidDropped(ctx context.Context, conn migration.Conn) error {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('Transaction') WHERE name = 'isPaid'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("迁移验证失败: %w", err)
	}
	if count != 0 {
		return fmt.Errorf("迁移验证失败: Transaction.isPaid 仍然存在")
	}
	return nil
}
