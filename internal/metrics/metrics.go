package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundMessages 入站设备消息计数，按协议版本与动作分类
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_inbound_messages_total",
		Help: "Total number of inbound messages received from charging stations.",
	}, []string{"ocpp_version", "action"})

	// MessageProcessingDuration 工作协程内单条消息的处理耗时
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "csms_message_processing_duration_seconds",
		Help:    "Histogram of inbound message processing times.",
		Buckets: prometheus.LinearBuckets(0.01, 0.01, 10),
	}, []string{"action"})

	// SamplesNormalized 规范化产出的样本计数，按协议版本分类
	SamplesNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_meter_samples_normalized_total",
		Help: "Total number of canonical meter samples produced by the normalizer.",
	}, []string{"ocpp_version"})

	// SessionsStarted 已开始的充电会话计数
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_sessions_started_total",
		Help: "Total number of charging sessions started.",
	})

	// SessionsStopped 已停止的充电会话计数，按停止原因分类
	SessionsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_sessions_stopped_total",
		Help: "Total number of charging sessions stopped.",
	}, []string{"reason"})

	// ActiveSessions 当前活跃充电会话数
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csms_active_sessions",
		Help: "The number of currently active charging sessions.",
	})

	// GhostRecoveries 幽灵交易自愈计数，按处置结果分类（deleted、force_stopped）
	GhostRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_ghost_recoveries_total",
		Help: "Total number of ghost transaction recoveries performed.",
	}, []string{"outcome"})

	// CommandAttempts 下行指令尝试计数，按指令与结果分类
	CommandAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_command_attempts_total",
		Help: "Total number of outbound commands attempted.",
	}, []string{"command", "result"})
)
