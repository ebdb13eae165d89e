package ocpp

import (
	"encoding/json"
)

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	ChargePointVendor       string  `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string  `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber *string `json:"chargePointSerialNumber,omitempty" validate:"omitempty,max=25"`
	ChargeBoxSerialNumber   *string `json:"chargeBoxSerialNumber,omitempty" validate:"omitempty,max=25"`
	FirmwareVersion         *string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
	Iccid                   *string `json:"iccid,omitempty" validate:"omitempty,max=20"`
	Imsi                    *string `json:"imsi,omitempty" validate:"omitempty,max=20"`
	MeterType               *string `json:"meterType,omitempty" validate:"omitempty,max=25"`
	MeterSerialNumber       *string `json:"meterSerialNumber,omitempty" validate:"omitempty,max=25"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status" validate:"required"`
	CurrentTime DateTime           `json:"currentTime" validate:"required"`
	Interval    int                `json:"interval" validate:"min=0"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime" validate:"required"`
}

// StatusNotificationRequest 状态通知请求
// ConnectorId为0表示广播：事件应用到该充电站的所有连接器
type StatusNotificationRequest struct {
	ConnectorId     int                  `json:"connectorId" validate:"min=0"`
	ErrorCode       ChargePointErrorCode `json:"errorCode" validate:"required"`
	Info            *string              `json:"info,omitempty" validate:"omitempty,max=50"`
	Status          ChargePointStatus    `json:"status" validate:"required"`
	Timestamp       *DateTime            `json:"timestamp,omitempty"`
	VendorId        *string              `json:"vendorId,omitempty" validate:"omitempty,max=255"`
	VendorErrorCode *string              `json:"vendorErrorCode,omitempty" validate:"omitempty,max=50"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// AuthorizeRequest 授权请求
type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

// AuthorizeResponse 授权响应
type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo" validate:"required"`
}

// StartTransactionRequest 开始交易请求
// MeterStart和Timestamp用指针建模：部分固件会漏发强制字段，缺失必须硬性拒绝
type StartTransactionRequest struct {
	ConnectorId   int       `json:"connectorId" validate:"required,min=1"`
	IdTag         string    `json:"idTag" validate:"max=20"`
	MeterStart    *int      `json:"meterStart" validate:"required"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     *DateTime `json:"timestamp" validate:"required"`
}

// StartTransactionResponse 开始交易响应
type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionId int       `json:"transactionId" validate:"required"`
}

// StopTransactionRequest 停止交易请求
type StopTransactionRequest struct {
	IdTag           *string          `json:"idTag,omitempty" validate:"omitempty,max=20"`
	MeterStop       *int             `json:"meterStop" validate:"required"`
	Timestamp       *DateTime        `json:"timestamp" validate:"required"`
	TransactionId   int              `json:"transactionId" validate:"required"`
	Reason          *Reason          `json:"reason,omitempty"`
	TransactionData []MeterValueEntry `json:"transactionData,omitempty"`
}

// StopTransactionResponse 停止交易响应
type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// MeterValuesRequest 电表值请求
// 三个协议代际共用的宽松外壳：连接器编号按数字宽松解析，
// 新代际用meterValue字段，老代际用values字段
type MeterValuesRequest struct {
	ConnectorId   json.Number       `json:"connectorId"`
	TransactionId *int              `json:"transactionId,omitempty"`
	MeterValue    []MeterValueEntry `json:"meterValue,omitempty"`
	Values        []MeterValueEntry `json:"values,omitempty"`
}

// Entries 归并两代字段名下的读数条目，保持到达顺序
func (r *MeterValuesRequest) Entries() []MeterValueEntry {
	if len(r.MeterValue) > 0 {
		return r.MeterValue
	}
	return r.Values
}

// MeterValuesResponse 电表值响应
type MeterValuesResponse struct{}

// MeterValueEntry 单条读数
// 老代际在Value里携带标量或带内联属性的对象，新代际展开为sampledValue列表
type MeterValueEntry struct {
	Timestamp    DateTime        `json:"timestamp" validate:"required"`
	Value        json.RawMessage `json:"value,omitempty"`
	SampledValue []SampledValue  `json:"sampledValue,omitempty"`
}

// SampledValue 采样值
type SampledValue struct {
	Value     string          `json:"value" validate:"required"`
	Context   *ReadingContext `json:"context,omitempty"`
	Format    *ValueFormat    `json:"format,omitempty"`
	Measurand *Measurand      `json:"measurand,omitempty"`
	Phase     *Phase          `json:"phase,omitempty"`
	Location  *Location       `json:"location,omitempty"`
	Unit      *UnitOfMeasure  `json:"unit,omitempty"`
}

// AttributedValue 最老代际的内联属性标量
type AttributedValue struct {
	Value      string       `json:"$value"`
	Attributes SampledValue `json:"$attributes"`
}

// DataTransferRequest 数据传输请求
type DataTransferRequest struct {
	VendorId  string      `json:"vendorId" validate:"required,max=255"`
	MessageId *string     `json:"messageId,omitempty" validate:"omitempty,max=50"`
	Data      interface{} `json:"data,omitempty"`
}

// DataTransferResponse 数据传输响应
type DataTransferResponse struct {
	Status DataTransferStatus `json:"status" validate:"required"`
	Data   interface{}        `json:"data,omitempty"`
}

// DiagnosticsStatusNotificationRequest 诊断状态通知请求
type DiagnosticsStatusNotificationRequest struct {
	Status DiagnosticsStatus `json:"status" validate:"required"`
}

// DiagnosticsStatusNotificationResponse 诊断状态通知响应
type DiagnosticsStatusNotificationResponse struct{}

// FirmwareStatusNotificationRequest 固件状态通知请求
type FirmwareStatusNotificationRequest struct {
	Status FirmwareStatus `json:"status" validate:"required"`
}

// FirmwareStatusNotificationResponse 固件状态通知响应
type FirmwareStatusNotificationResponse struct{}
