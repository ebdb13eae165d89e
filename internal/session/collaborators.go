package session

import (
	"context"
	"errors"

	sess "github.com/charging-platform/csms-core/internal/domain/session"
)

// ErrNotAuthorized 授权协作方明确拒绝该身份（区别于标签未知）
var ErrNotAuthorized = errors.New("identity is not authorized")

// Intent 授权意图
type Intent string

const (
	IntentStart Intent = "start"
	IntentStop  Intent = "stop"
)

// Identity 授权协作方解析出的身份
type Identity struct {
	UserID string
	TagID  string
	Admin  bool
}

// Authorizer 授权协作方
// 标签未知时返回(nil, nil)；明确拒绝时返回ErrNotAuthorized
type Authorizer interface {
	Authorize(ctx context.Context, stationID, tagID string, intent Intent) (*Identity, error)
}

// TransactionStore 交易持久化协作方
type TransactionStore interface {
	NextTransactionID(ctx context.Context) (int, error)
	SaveTransaction(ctx context.Context, tx *sess.Transaction) error
	GetTransaction(ctx context.Context, id int) (*sess.Transaction, error)
	DeleteTransaction(ctx context.Context, id int) error
	// GetActiveTransactionByConnector 查询连接器上未停止的交易，无则返回(nil, nil)
	GetActiveTransactionByConnector(ctx context.Context, stationID string, connectorID int) (*sess.Transaction, error)
	SaveMeterSample(ctx context.Context, sample *sess.MeterSample) error
}

// PriceQuote 计价协作方返回的报价
type PriceQuote struct {
	Amount          float64
	CumulatedAmount float64
	Currency        string
}

// Pricer 计价协作方
type Pricer interface {
	Price(ctx context.Context, tx *sess.Transaction) (*PriceQuote, error)
}

// SiteResolver 站区到站点的解析协作方（组织能力启用时使用）
type SiteResolver interface {
	ResolveSite(ctx context.Context, siteAreaID string) (string, error)
}
