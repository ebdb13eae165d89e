package station

import (
	"time"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
)

// StatusChange 一次状态通知在单个连接器上的应用结果
type StatusChange struct {
	ConnectorID int
	Previous    ocpp.ChargePointStatus
	Current     ocpp.ChargePointStatus
	ErrorCode   ocpp.ChargePointErrorCode

	// Duplicate 新状态与错误码同当前值逐字节一致，不落存储只记日志
	// 部分设备每次保活都会重发相同状态
	Duplicate bool

	// EnteredFault 本次进入故障态，需上报通知协作方
	EnteredFault bool

	// ReleasedWhileBound 连接器转入空闲态但仍绑定着活跃交易
	// 非广播场景下这是幽灵交易信号，需触发会话自愈
	ReleasedWhileBound bool
}

// ApplyStatus 将状态通知应用到连接器
// 重复通知不修改任何字段
func (c *Connector) ApplyStatus(req *ocpp.StatusNotificationRequest, at time.Time) StatusChange {
	change := StatusChange{
		ConnectorID: c.ID,
		Previous:    c.Status,
		Current:     req.Status,
		ErrorCode:   req.ErrorCode,
	}

	if c.Status == req.Status && c.ErrorCode == req.ErrorCode {
		change.Duplicate = true
		return change
	}

	c.Status = req.Status
	c.ErrorCode = req.ErrorCode
	c.StatusTime = at
	if req.Info != nil {
		c.Info = *req.Info
	} else {
		c.Info = ""
	}
	if req.VendorErrorCode != nil {
		c.VendorErrorCode = *req.VendorErrorCode
	} else {
		c.VendorErrorCode = ""
	}

	change.EnteredFault = req.Status == ocpp.StatusFaulted && change.Previous != ocpp.StatusFaulted
	change.ReleasedWhileBound = isReleaseStatus(req.Status) && c.ActiveTransactionID != 0
	return change
}

// isReleaseStatus 设备报告连接器已空闲的状态
func isReleaseStatus(status ocpp.ChargePointStatus) bool {
	return status == ocpp.StatusAvailable || status == ocpp.StatusFinishing
}
