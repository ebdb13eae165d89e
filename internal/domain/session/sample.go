package session

import (
	"time"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
)

// MeterSample 规范化后的单条计量样本
// 设备省略的属性在规范化时填入基线默认值
type MeterSample struct {
	Timestamp     time.Time            `json:"timestamp"`
	ConnectorID   int                  `json:"connector_id"`
	TransactionID int                  `json:"transaction_id"`
	Value         float64              `json:"value"`
	Context       ocpp.ReadingContext  `json:"context"`
	Format        ocpp.ValueFormat     `json:"format"`
	Measurand     ocpp.Measurand       `json:"measurand"`
	Location      ocpp.Location        `json:"location"`
	Unit          ocpp.UnitOfMeasure   `json:"unit"`
	Phase         ocpp.Phase           `json:"phase,omitempty"`
}

// 样本属性基线默认值
const (
	DefaultContext   = ocpp.ReadingContextSamplePeriodic
	DefaultFormat    = ocpp.ValueFormatRaw
	DefaultMeasurand = ocpp.MeasurandEnergyActiveImportRegister
	DefaultLocation  = ocpp.LocationOutlet
	DefaultUnit      = ocpp.UnitWh
)

// NewMeterSample 创建带默认属性的样本
func NewMeterSample(ts time.Time, connectorID, transactionID int, value float64) MeterSample {
	return MeterSample{
		Timestamp:     ts,
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		Value:         value,
		Context:       DefaultContext,
		Format:        DefaultFormat,
		Measurand:     DefaultMeasurand,
		Location:      DefaultLocation,
		Unit:          DefaultUnit,
	}
}

// IsEnergy 是否为累计进口电能读数
func (s MeterSample) IsEnergy() bool {
	return s.Measurand == ocpp.MeasurandEnergyActiveImportRegister
}

// IsSoC 是否为电量状态读数
func (s MeterSample) IsSoC() bool {
	return s.Measurand == ocpp.MeasurandSoC
}

// IsPower 是否为瞬时功率读数
func (s MeterSample) IsPower() bool {
	return s.Measurand == ocpp.MeasurandPowerActiveImport
}

// WattHours 将样本数值折算为Wh
func (s MeterSample) WattHours() float64 {
	if s.Unit == ocpp.UnitKWh {
		return s.Value * 1000
	}
	return s.Value
}
