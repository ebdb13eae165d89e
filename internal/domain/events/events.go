package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event 统一业务事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetStationID 获取充电站ID
	GetStationID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// GetSeverity 获取事件严重程度
	GetSeverity() EventSeverity
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	StationID string        `json:"station_id"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  EventSeverity `json:"severity"`
	Metadata  Metadata      `json:"metadata"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetStationID 实现Event接口
func (e *BaseEvent) GetStationID() string {
	return e.StationID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetSeverity 实现Event接口
func (e *BaseEvent) GetSeverity() EventSeverity {
	return e.Severity
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType EventType, stationID string, severity EventSeverity, metadata Metadata) *BaseEvent {
	return &BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		StationID: stationID,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Metadata:  metadata,
	}
}

// StationRegisteredEvent 充电站注册事件
type StationRegisteredEvent struct {
	*BaseEvent
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	ProtocolVersion string `json:"protocol_version"`
}

// ToJSON 实现Event接口
func (e *StationRegisteredEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ConnectorFaultedEvent 连接器故障事件
type ConnectorFaultedEvent struct {
	*BaseEvent
	ConnectorID     int    `json:"connector_id"`
	ErrorCode       string `json:"error_code"`
	Info            string `json:"info,omitempty"`
	VendorErrorCode string `json:"vendor_error_code,omitempty"`
}

// ToJSON 实现Event接口
func (e *ConnectorFaultedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SessionStartedEvent 会话开始事件
type SessionStartedEvent struct {
	*BaseEvent
	TransactionID int    `json:"transaction_id"`
	ConnectorID   int    `json:"connector_id"`
	TagID         string `json:"tag_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// ToJSON 实现Event接口
func (e *SessionStartedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SessionStoppedEvent 会话结束事件
type SessionStoppedEvent struct {
	*BaseEvent
	TransactionID       int     `json:"transaction_id"`
	ConnectorID         int     `json:"connector_id"`
	TagID               string  `json:"tag_id,omitempty"`
	TotalConsumptionWh  float64 `json:"total_consumption_wh"`
	TotalDurationSecs   int64   `json:"total_duration_secs"`
	TotalInactivitySecs int64   `json:"total_inactivity_secs"`
	Price               float64 `json:"price"`
	Currency            string  `json:"currency,omitempty"`
}

// ToJSON 实现Event接口
func (e *SessionStoppedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EndOfChargeEvent 充电结束事件
type EndOfChargeEvent struct {
	*BaseEvent
	TransactionID   int   `json:"transaction_id"`
	ConnectorID     int   `json:"connector_id"`
	StateOfCharge   int   `json:"state_of_charge"`
	InactivitySecs  int64 `json:"inactivity_secs"`
}

// ToJSON 实现Event接口
func (e *EndOfChargeEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ApproachingFullChargeEvent 接近充满事件
type ApproachingFullChargeEvent struct {
	*BaseEvent
	TransactionID int `json:"transaction_id"`
	ConnectorID   int `json:"connector_id"`
	StateOfCharge int `json:"state_of_charge"`
}

// ToJSON 实现Event接口
func (e *ApproachingFullChargeEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// AnomalyRecoveredEvent 幽灵交易自愈事件
// 自愈不是失败：以警告级别上报，不向设备返回错误
type AnomalyRecoveredEvent struct {
	*BaseEvent
	TransactionID int    `json:"transaction_id"`
	ConnectorID   int    `json:"connector_id"`
	Outcome       string `json:"outcome"`
}

// ToJSON 实现Event接口
func (e *AnomalyRecoveredEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
