package ledger

import (
	"context"
	"fmt"
)

// Stats 账本数据概况
type Stats struct {
	Categories   int64
	Customers    int64
	Transactions int64
	OrderItems   int64
	UnpaidItems  int64
	UnpaidAmount float64
}

// Stats 统计各表数据量，只能在迁移到最新版本之后调用
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dest  *int64
	}{
		{"Category", &stats.Categories},
		{"Customer", &stats.Customers},
		{"Transaction", &stats.Transactions},
		{"OrderItem", &stats.OrderItems},
	}
	for _, c := range counts {
		if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+c.table+`"`).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("统计 %s 失败: %w", c.table, err)
		}
	}

	err := s.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM("amount"), 0) FROM "OrderItem" WHERE "isPaid" = 0
	`).Scan(&stats.UnpaidItems, &stats.UnpaidAmount)
	if err != nil {
		return nil, fmt.Errorf("统计未付款订单项失败: %w", err)
	}
	return stats, nil
}
