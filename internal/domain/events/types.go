package events

// EventType 事件类型
type EventType string

const (
	EventTypeStationRegistered     EventType = "station.registered"
	EventTypeConnectorFaulted      EventType = "connector.faulted"
	EventTypeSessionStarted        EventType = "session.started"
	EventTypeSessionStopped        EventType = "session.stopped"
	EventTypeEndOfCharge           EventType = "session.end_of_charge"
	EventTypeApproachingFullCharge EventType = "session.approaching_full_charge"
	EventTypeAnomalyRecovered      EventType = "session.anomaly_recovered"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// Metadata 事件元数据
type Metadata struct {
	Source          string `json:"source"`
	TenantID        string `json:"tenant_id,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}
