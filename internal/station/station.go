package station

import (
	"fmt"
	"time"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
)

// Station 充电站聚合根
// 入站消息与下行指令都经由它路由；跨实体引用只保存标识符
type Station struct {
	// 基本信息
	ID              string               `json:"id"`
	Vendor          string               `json:"vendor"`
	Model           string               `json:"model"`
	SerialNumber    string               `json:"serial_number,omitempty"`
	FirmwareVersion string               `json:"firmware_version,omitempty"`
	ProtocolVersion ocpp.ProtocolVersion `json:"protocol_version"`

	// 能力信息
	CanChargeInParallel bool    `json:"can_charge_in_parallel"`
	MaximumPowerW       float64 `json:"maximum_power_w"`

	// 运行时信息
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	Deleted       bool      `json:"deleted"`

	// 指令端点
	Endpoint string `json:"endpoint,omitempty"`

	// 地理位置（可选，用于推导时区）
	Coordinates *Coordinates `json:"coordinates,omitempty"`

	// 组织关联（站区标识，站点经站区解析）
	SiteAreaID string `json:"site_area_id,omitempty"`

	// 配置快照（get-configuration往返后缓存）
	Configuration []ocpp.KeyValue `json:"configuration,omitempty"`

	// 连接器列表，按连接器编号有序
	Connectors []*Connector `json:"connectors"`
}

// Coordinates 地理坐标
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Connector 充电站上的一个物理插座
type Connector struct {
	// 连接器编号，≥1；0仅在状态消息中作为广播通配
	ID int `json:"id"`

	// 状态信息
	Status          ocpp.ChargePointStatus    `json:"status"`
	ErrorCode       ocpp.ChargePointErrorCode `json:"error_code"`
	Info            string                    `json:"info,omitempty"`
	VendorErrorCode string                    `json:"vendor_error_code,omitempty"`
	StatusTime      time.Time                 `json:"status_time"`

	// 活跃交易绑定：非零当且仅当存在未停止的交易
	ActiveTransactionID int `json:"active_transaction_id"`

	// 活跃期运行计数，会话释放时清零
	CurrentConsumptionWh  float64 `json:"current_consumption_wh"`
	CurrentStateOfCharge  int     `json:"current_state_of_charge"`
	CurrentInactivitySecs int64   `json:"current_inactivity_secs"`
}

// NewConnector 创建处于可用状态的连接器
func NewConnector(id int) *Connector {
	return &Connector{
		ID:        id,
		Status:    ocpp.StatusAvailable,
		ErrorCode: ocpp.ErrorCodeNoError,
	}
}

// ConnectorByID 按编号查找连接器
func (s *Station) ConnectorByID(id int) (*Connector, bool) {
	for _, c := range s.Connectors {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// ConnectorByTransaction 按活跃交易编号查找绑定的连接器
func (s *Station) ConnectorByTransaction(transactionID int) (*Connector, bool) {
	if transactionID == 0 {
		return nil, false
	}
	for _, c := range s.Connectors {
		if c.ActiveTransactionID == transactionID {
			return c, true
		}
	}
	return nil, false
}

// EnsureConnector 查找连接器，不存在时按需创建（状态消息可先于连接器注册到达）
func (s *Station) EnsureConnector(id int) (*Connector, error) {
	if id < 1 {
		return nil, fmt.Errorf("invalid connector id %d", id)
	}
	if c, ok := s.ConnectorByID(id); ok {
		return c, nil
	}
	c := NewConnector(id)
	s.Connectors = append(s.Connectors, c)
	return c, nil
}

// LockedStatus 非并行充电时锁定同站其他连接器所用的状态
// 老代际用Occupied，最新代际用Unavailable
func (s *Station) LockedStatus() ocpp.ChargePointStatus {
	if s.ProtocolVersion.IsLegacy() {
		return ocpp.StatusOccupied
	}
	return ocpp.StatusUnavailable
}

// IsLockedStatus 状态是否属于锁定态
func IsLockedStatus(status ocpp.ChargePointStatus) bool {
	return status == ocpp.StatusOccupied || status == ocpp.StatusUnavailable
}

// ClearSessionCounters 清空连接器的会话运行计数与交易绑定
func (c *Connector) ClearSessionCounters() {
	c.ActiveTransactionID = 0
	c.CurrentConsumptionWh = 0
	c.CurrentStateOfCharge = 0
	c.CurrentInactivitySecs = 0
}
