package normalizer

import (
	"strings"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
)

// Quirks 厂商固件缺陷的行为开关
// 新的厂商特例只需追加规则条目，不引入新分支
type Quirks struct {
	// FilterClockAligned 丢弃时钟对齐样本（个别厂商在中间代际无意义地刷此类样本）
	FilterClockAligned bool
	// ComputeMaxPower 心跳时按连接器数量重算站点最大功率
	ComputeMaxPower bool
}

// quirkRule 按厂商前缀匹配的规则，version为空表示任意代际
type quirkRule struct {
	vendorPrefix string
	version      ocpp.ProtocolVersion
	quirks       Quirks
}

var quirkRules = []quirkRule{
	{vendorPrefix: "ABB", version: ocpp.V15, quirks: Quirks{FilterClockAligned: true}},
	{vendorPrefix: "KEBA", quirks: Quirks{ComputeMaxPower: true}},
}

// LookupQuirks 汇总给定厂商与协议代际命中的全部行为开关
func LookupQuirks(vendor string, version ocpp.ProtocolVersion) Quirks {
	upper := strings.ToUpper(strings.TrimSpace(vendor))
	var merged Quirks
	for _, rule := range quirkRules {
		if !strings.HasPrefix(upper, rule.vendorPrefix) {
			continue
		}
		if rule.version != "" && rule.version != version {
			continue
		}
		if rule.quirks.FilterClockAligned {
			merged.FilterClockAligned = true
		}
		if rule.quirks.ComputeMaxPower {
			merged.ComputeMaxPower = true
		}
	}
	return merged
}
