package session

import (
	"time"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
)

// State 交易生命周期状态
type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Transaction 一次充电会话
// 跨实体引用一律使用显式标识符，通过持久化协作方按需读取
type Transaction struct {
	// 基本信息
	ID          int    `json:"id"`
	StationID   string `json:"station_id"`
	ConnectorID int    `json:"connector_id"`

	// 身份信息：匿名会话允许TagID/UserID为空
	TagID  string `json:"tag_id,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// 组织上下文（多租户组织能力启用时标记）
	SiteID     string `json:"site_id,omitempty"`
	SiteAreaID string `json:"site_area_id,omitempty"`

	// 起始信息
	StartTime  time.Time `json:"start_time"`
	MeterStart int       `json:"meter_start"`

	// 活跃期运行计数
	State                  State     `json:"state"`
	CurrentConsumptionWh   float64   `json:"current_consumption_wh"`
	CumulatedConsumptionWh float64   `json:"cumulated_consumption_wh"`
	CurrentInactivitySecs  int64     `json:"current_inactivity_secs"`
	CurrentStateOfCharge   int       `json:"current_state_of_charge"`
	LastMeterValueWh       float64   `json:"last_meter_value_wh"`
	LastSampleTime         time.Time `json:"last_sample_time"`

	// 计价信息
	CurrentPrice  float64 `json:"current_price"`
	CumulatedPrice float64 `json:"cumulated_price"`
	Currency      string  `json:"currency,omitempty"`

	// 通知触发标记：每个触发器每笔交易至多发送一次
	EndOfChargeSent      bool `json:"end_of_charge_sent"`
	ApproachingFullSent  bool `json:"approaching_full_sent"`

	// 远程停止归属：指令发起的标签与时刻
	RemoteStopTagID string    `json:"remote_stop_tag_id,omitempty"`
	RemoteStopTime  time.Time `json:"remote_stop_time,omitempty"`

	// 终止记录：停止后冻结，不再变更（下游计费元数据除外）
	Stop *TransactionStop `json:"stop,omitempty"`

	// 下游计费/报销元数据，停止后仍可附加
	BillingRef string `json:"billing_ref,omitempty"`
	RefundRef  string `json:"refund_ref,omitempty"`
}

// TransactionStop 会话终止记录
type TransactionStop struct {
	Timestamp           time.Time   `json:"timestamp"`
	MeterStop           int         `json:"meter_stop"`
	TagID               string      `json:"tag_id,omitempty"`
	UserID              string      `json:"user_id,omitempty"`
	TotalConsumptionWh  float64     `json:"total_consumption_wh"`
	TotalDurationSecs   int64       `json:"total_duration_secs"`
	TotalInactivitySecs int64       `json:"total_inactivity_secs"`
	Price               float64     `json:"price"`
	Currency            string      `json:"currency,omitempty"`
	Reason              ocpp.Reason `json:"reason,omitempty"`
}

// IsActive 会话是否仍在进行
func (t *Transaction) IsActive() bool {
	return t.Stop == nil && t.State != StateStopped
}

// HasConsumption 会话是否有任何电量消耗
func (t *Transaction) HasConsumption() bool {
	return t.CumulatedConsumptionWh > 0
}

// RemoteStopWithin 远程停止指令是否落在给定窗口内
func (t *Transaction) RemoteStopWithin(window time.Duration, now time.Time) bool {
	if t.RemoteStopTagID == "" || t.RemoteStopTime.IsZero() {
		return false
	}
	return now.Sub(t.RemoteStopTime) <= window
}

// Authorization 入站授权记录（直通持久化）
type Authorization struct {
	StationID string    `json:"station_id"`
	TagID     string    `json:"tag_id"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Accepted  bool      `json:"accepted"`
}

// OperationRecord 无会话语义的直通记录（DataTransfer、诊断/固件状态通知）
type OperationRecord struct {
	StationID string      `json:"station_id"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}
