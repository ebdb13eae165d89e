package session

import (
	"context"

	sess "github.com/charging-platform/csms-core/internal/domain/session"
)

// AcceptAllAuthorizer 兜底授权协作方：任何非空标签都解析为同名普通用户
// 未接入外部授权服务的部署使用
type AcceptAllAuthorizer struct{}

// Authorize 实现Authorizer接口
func (AcceptAllAuthorizer) Authorize(ctx context.Context, stationID, tagID string, intent Intent) (*Identity, error) {
	if tagID == "" {
		return nil, nil
	}
	return &Identity{UserID: tagID, TagID: tagID}, nil
}

// FlatRatePricer 兜底计价协作方：按千瓦时固定单价
type FlatRatePricer struct {
	PerKWh   float64
	Currency string
}

// Price 实现Pricer接口
func (p FlatRatePricer) Price(ctx context.Context, tx *sess.Transaction) (*PriceQuote, error) {
	return &PriceQuote{
		Amount:          tx.CurrentConsumptionWh / 1000 * p.PerKWh,
		CumulatedAmount: tx.CumulatedConsumptionWh / 1000 * p.PerKWh,
		Currency:        p.Currency,
	}, nil
}
