package ocpp

// ProtocolVersion 充电站接入的协议代际
type ProtocolVersion string

const (
	// V12 最老一代协议
	V12 ProtocolVersion = "1.2"
	// V15 中间一代协议
	V15 ProtocolVersion = "1.5"
	// V16 最新一代协议
	V16 ProtocolVersion = "1.6"
)

// SupportedVersions 支持的协议版本列表
func SupportedVersions() []ProtocolVersion {
	return []ProtocolVersion{V12, V15, V16}
}

// IsValid 校验协议版本
func (v ProtocolVersion) IsValid() bool {
	switch v {
	case V12, V15, V16:
		return true
	}
	return false
}

// IsLegacy 是否属于老代际（1.2/1.5）
// 老代际用Occupied代替SuspendedEV/Charging/Unavailable的细分状态
func (v ProtocolVersion) IsLegacy() bool {
	return v == V12 || v == V15
}

// Subprotocol 握手时声明的子协议名
func (v ProtocolVersion) Subprotocol() string {
	switch v {
	case V12:
		return "ocpp1.2"
	case V15:
		return "ocpp1.5"
	default:
		return "ocpp1.6"
	}
}
