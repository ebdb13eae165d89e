package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	"github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/metrics"
)

// Normalizer 电表值规范化器
// 将三个协议代际的原始读数消息翻译为有序的规范样本序列，纯函数，无隐藏状态
type Normalizer struct {
	logger *logger.Logger
}

// New 创建规范化器
func New(log *logger.Logger) *Normalizer {
	return &Normalizer{logger: log.WithComponent("normalizer")}
}

// Input 规范化所需的充电站上下文
type Input struct {
	StationID string
	Vendor    string
	Version   ocpp.ProtocolVersion
	// BoundTransaction 返回连接器当前绑定的交易编号，0表示未绑定
	// 连接器编号需先经宽松解析与0到1重写，因此用回调而非定值
	BoundTransaction func(connectorID int) int
}

// Result 规范化结果
type Result struct {
	ConnectorID   int
	TransactionID int
	Samples       []session.MeterSample
}

// expandFunc 单条读数按协议代际展开为样本
type expandFunc func(entry ocpp.MeterValueEntry, connectorID, transactionID int) ([]session.MeterSample, error)

// Normalize 规范化一条入站电表值消息
// 失败时不产出任何样本：电表数据绝不允许静默归属到空会话
func (n *Normalizer) Normalize(in Input, req *ocpp.MeterValuesRequest) (*Result, error) {
	connectorID, err := n.resolveConnector(in, req.ConnectorId)
	if err != nil {
		return nil, err
	}

	transactionID, err := n.reconcileTransaction(in, connectorID, req.TransactionId)
	if err != nil {
		return nil, err
	}

	expand, err := n.strategyFor(in.Version)
	if err != nil {
		return nil, err
	}

	samples := make([]session.MeterSample, 0, len(req.Entries()))
	for i, entry := range req.Entries() {
		expanded, err := expand(entry, connectorID, transactionID)
		if err != nil {
			return nil, session.NewValidationError("meterValue",
				fmt.Sprintf("entry %d: %v", i, err))
		}
		samples = append(samples, expanded...)
	}

	quirks := LookupQuirks(in.Vendor, in.Version)
	if quirks.FilterClockAligned {
		samples = n.filterClockAligned(in.StationID, samples)
	}

	metrics.SamplesNormalized.WithLabelValues(string(in.Version)).Add(float64(len(samples)))
	return &Result{
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		Samples:       samples,
	}, nil
}

// resolveConnector 宽松解析连接器编号，0重写为1（已知的单连接器设备缺陷）
// 该重写只作用于电表读数，不作用于状态消息
func (n *Normalizer) resolveConnector(in Input, raw json.Number) (int, error) {
	if raw.String() == "" {
		return 0, session.NewValidationError("connectorId", "missing connector id")
	}
	id, err := strconv.Atoi(raw.String())
	if err != nil {
		// 个别固件把编号编码为浮点数
		f, ferr := raw.Float64()
		if ferr != nil {
			return 0, session.NewValidationError("connectorId",
				fmt.Sprintf("not a number: %q", raw.String()))
		}
		id = int(f)
	}
	if id < 0 {
		return 0, session.NewValidationError("connectorId",
			fmt.Sprintf("negative connector id %d", id))
	}
	if id == 0 {
		n.logger.Warnf("station %s sent meter values on connector 0, corrected to 1", in.StationID)
		id = 1
	}
	return id, nil
}

// reconcileTransaction 交易编号对账
// 连接器当前绑定的编号优先；消息缺编号时代入绑定编号；两者都无效则整体拒绝
func (n *Normalizer) reconcileTransaction(in Input, connectorID int, msgID *int) (int, error) {
	bound := 0
	if in.BoundTransaction != nil {
		bound = in.BoundTransaction(connectorID)
	}
	switch {
	case bound > 0 && msgID != nil && *msgID != bound:
		n.logger.Warnf("station %s connector %d reported transaction %d but %d is bound, keeping bound id",
			in.StationID, connectorID, *msgID, bound)
		return bound, nil
	case bound > 0:
		return bound, nil
	case msgID != nil && *msgID > 0:
		return *msgID, nil
	default:
		return 0, session.ErrInvalidTransactionReference
	}
}

// strategyFor 按协议代际选取展开策略，每站只需选取一次
func (n *Normalizer) strategyFor(version ocpp.ProtocolVersion) (expandFunc, error) {
	switch version {
	case ocpp.V12:
		return expandScalar, nil
	case ocpp.V15:
		return expandIntegerValues, nil
	case ocpp.V16:
		return expandSampledValues, nil
	default:
		return nil, session.NewValidationError("protocolVersion",
			fmt.Sprintf("unsupported protocol version %q", version))
	}
}

// filterClockAligned 丢弃时钟对齐样本
func (n *Normalizer) filterClockAligned(stationID string, samples []session.MeterSample) []session.MeterSample {
	kept := samples[:0]
	dropped := 0
	for _, s := range samples {
		if s.Context == ocpp.ReadingContextSampleClock {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	if dropped > 0 {
		n.logger.Debugf("station %s: dropped %d clock-aligned samples", stationID, dropped)
	}
	return kept
}

// expandScalar 最老代际：单个标量值，可选内联属性对象，恰好产出一条样本
func expandScalar(entry ocpp.MeterValueEntry, connectorID, transactionID int) ([]session.MeterSample, error) {
	if len(entry.Value) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	sample := session.NewMeterSample(entry.Timestamp.Time, connectorID, transactionID, 0)

	var attributed ocpp.AttributedValue
	if entry.Value[0] == '{' {
		if err := json.Unmarshal(entry.Value, &attributed); err != nil {
			return nil, fmt.Errorf("malformed attributed value: %w", err)
		}
		value, err := parseNumeric(attributed.Value)
		if err != nil {
			return nil, err
		}
		sample.Value = value
		applyAttributes(&sample, &attributed.Attributes)
		return []session.MeterSample{sample}, nil
	}

	scalar, err := decodeScalar(entry.Value)
	if err != nil {
		return nil, err
	}
	value, err := parseNumeric(scalar)
	if err != nil {
		return nil, err
	}
	sample.Value = value
	return []session.MeterSample{sample}, nil
}

// expandIntegerValues 中间代际：数值按整数解析
// 个别设备已携带sampledValue列表，此时逐条展开但仍按整数校验
func expandIntegerValues(entry ocpp.MeterValueEntry, connectorID, transactionID int) ([]session.MeterSample, error) {
	if len(entry.SampledValue) > 0 {
		samples := make([]session.MeterSample, 0, len(entry.SampledValue))
		for _, sv := range entry.SampledValue {
			value, err := parseInteger(sv.Value)
			if err != nil {
				return nil, err
			}
			sample := session.NewMeterSample(entry.Timestamp.Time, connectorID, transactionID, value)
			applyAttributes(&sample, &sv)
			samples = append(samples, sample)
		}
		return samples, nil
	}

	if len(entry.Value) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	scalar, err := decodeScalar(entry.Value)
	if err != nil {
		return nil, err
	}
	value, err := parseInteger(scalar)
	if err != nil {
		return nil, err
	}
	sample := session.NewMeterSample(entry.Timestamp.Time, connectorID, transactionID, value)
	return []session.MeterSample{sample}, nil
}

// expandSampledValues 最新代际：一条读数可携带多个采样子值（电能、SoC、功率同时上报），
// 每个子值产出一条样本，共享时间戳/连接器/交易编号
func expandSampledValues(entry ocpp.MeterValueEntry, connectorID, transactionID int) ([]session.MeterSample, error) {
	if len(entry.SampledValue) == 0 {
		return nil, fmt.Errorf("missing sampledValue list")
	}
	samples := make([]session.MeterSample, 0, len(entry.SampledValue))
	for _, sv := range entry.SampledValue {
		value, err := parseNumeric(sv.Value)
		if err != nil {
			return nil, err
		}
		sample := session.NewMeterSample(entry.Timestamp.Time, connectorID, transactionID, value)
		applyAttributes(&sample, &sv)
		samples = append(samples, sample)
	}
	return samples, nil
}

// applyAttributes 用设备显式携带的属性覆盖基线默认值
func applyAttributes(s *session.MeterSample, sv *ocpp.SampledValue) {
	if sv.Context != nil {
		s.Context = *sv.Context
	}
	if sv.Format != nil {
		s.Format = *sv.Format
	}
	if sv.Measurand != nil {
		s.Measurand = *sv.Measurand
	}
	if sv.Location != nil {
		s.Location = *sv.Location
	}
	if sv.Unit != nil {
		s.Unit = *sv.Unit
	}
	if sv.Phase != nil {
		s.Phase = *sv.Phase
	}
}

// decodeScalar 将JSON标量（字符串或数字）还原为文本
func decodeScalar(raw json.RawMessage) (string, error) {
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("malformed value: %w", err)
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", fmt.Errorf("malformed value: %w", err)
	}
	return num.String(), nil
}

// parseNumeric 解析十进制数值
func parseNumeric(text string) (float64, error) {
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", text)
	}
	return value, nil
}

// parseInteger 严格按整数解析
func parseInteger(text string) (float64, error) {
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-integer value %q", text)
	}
	return float64(value), nil
}
