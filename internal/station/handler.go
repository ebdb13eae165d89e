package station

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/domain/events"
	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/normalizer"
)

// 厂商未上报额定功率时按单枪22kW估算
const defaultConnectorPowerW = 22000

// SessionEngine 会话生命周期协作方
// 由会话管理器实现，所有调用都发生在本站工作协程内，保持单写者序
type SessionEngine interface {
	// Authorize 解析授权标签并留存授权记录
	Authorize(ctx context.Context, st *Station, tagID string) (*sess.Authorization, error)
	// Start 开始一笔交易
	Start(ctx context.Context, st *Station, req *ocpp.StartTransactionRequest) (*sess.Transaction, error)
	// Update 将规范化样本应用到活跃会话
	Update(ctx context.Context, st *Station, conn *Connector, samples []sess.MeterSample) error
	// Stop 停止一笔交易
	Stop(ctx context.Context, st *Station, req *ocpp.StopTransactionRequest) (*sess.Transaction, error)
	// RecoverGhost 幽灵交易自愈：零消耗删除，否则按最后读数加一个单位强制停止
	RecoverGhost(ctx context.Context, st *Station, conn *Connector, at time.Time) error
}

// Store 充电站持久化协作方
type Store interface {
	GetStation(ctx context.Context, id string) (*Station, error)
	SaveStation(ctx context.Context, st *Station) error
	SaveConnector(ctx context.Context, stationID string, conn *Connector) error
	SaveAuthorization(ctx context.Context, auth *sess.Authorization) error
	SaveOperationRecord(ctx context.Context, rec *sess.OperationRecord) error
}

// Notifier 业务事件通知协作方，发后即忘
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// ConfigPuller 配置快照拉取协作方，由指令分发器实现
type ConfigPuller interface {
	PullConfiguration(ctx context.Context, st *Station) error
}

// Scheduler 延迟任务入队器，由本站工作协程实现以保持顺序保证
type Scheduler interface {
	After(delay time.Duration, fn func(ctx context.Context))
}

// Envelope 一条已解码的入站消息
type Envelope struct {
	StationID       string
	Action          string
	ProtocolVersion ocpp.ProtocolVersion
	Payload         interface{}
	ReceivedAt      time.Time
}

// Handler 单个充电站的消息处理器
// 所有方法只在本站的工作协程内被调用，无需加锁
type Handler struct {
	stationID  string
	tenantID   string
	st         *Station
	loaded     bool
	engine     SessionEngine
	store      Store
	norm       *normalizer.Normalizer
	notifier   Notifier
	puller     ConfigPuller
	sched      Scheduler
	validate   *validator.Validate
	ocppConfig *config.OCPPConfig
	logger     *logger.Logger
}

// HandlerDeps 处理器依赖
type HandlerDeps struct {
	TenantID   string
	Engine     SessionEngine
	Store      Store
	Normalizer *normalizer.Normalizer
	Notifier   Notifier
	Puller     ConfigPuller
	OCPPConfig *config.OCPPConfig
	Logger     *logger.Logger
}

// NewHandler 创建充电站处理器
func NewHandler(stationID string, deps HandlerDeps, sched Scheduler) *Handler {
	return &Handler{
		stationID:  stationID,
		tenantID:   deps.TenantID,
		engine:     deps.Engine,
		store:      deps.Store,
		norm:       deps.Normalizer,
		notifier:   deps.Notifier,
		puller:     deps.Puller,
		sched:      sched,
		validate:   validator.New(),
		ocppConfig: deps.OCPPConfig,
		logger:     deps.Logger.WithStation(stationID),
	}
}

// Handle 按负载类型分发入站消息
func (h *Handler) Handle(ctx context.Context, env *Envelope) (interface{}, error) {
	switch req := env.Payload.(type) {
	case *ocpp.BootNotificationRequest:
		return h.onBootNotification(ctx, env, req)
	case *ocpp.HeartbeatRequest:
		return h.onHeartbeat(ctx, env)
	case *ocpp.StatusNotificationRequest:
		return h.onStatusNotification(ctx, env, req)
	case *ocpp.MeterValuesRequest:
		return h.onMeterValues(ctx, env, req)
	case *ocpp.AuthorizeRequest:
		return h.onAuthorize(ctx, env, req)
	case *ocpp.StartTransactionRequest:
		return h.onStartTransaction(ctx, env, req)
	case *ocpp.StopTransactionRequest:
		return h.onStopTransaction(ctx, env, req)
	case *ocpp.DataTransferRequest:
		return h.onDataTransfer(ctx, env, req)
	case *ocpp.DiagnosticsStatusNotificationRequest:
		return h.onDiagnosticsStatus(ctx, env, req)
	case *ocpp.FirmwareStatusNotificationRequest:
		return h.onFirmwareStatus(ctx, env, req)
	default:
		return nil, sess.NewValidationError("action",
			fmt.Sprintf("unsupported action %q", env.Action))
	}
}

// station 取当前充电站，未注册时返回状态冲突错误
func (h *Handler) station(ctx context.Context) (*Station, error) {
	if err := h.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if h.st == nil {
		return nil, sess.NewStateConflictError("station",
			fmt.Sprintf("station %s is not registered", h.stationID))
	}
	if h.st.Deleted {
		return nil, sess.NewStateConflictError("station",
			fmt.Sprintf("station %s is deleted", h.stationID))
	}
	return h.st, nil
}

// ensureLoaded 首次处理时从存储装载充电站
func (h *Handler) ensureLoaded(ctx context.Context) error {
	if h.loaded {
		return nil
	}
	st, err := h.store.GetStation(ctx, h.stationID)
	if err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	h.st = st
	h.loaded = true
	return nil
}

// onBootNotification 启动通知
// 首次启动创建充电站；重启更新厂商信息；软删除的站点复活
func (h *Handler) onBootNotification(ctx context.Context, env *Envelope, req *ocpp.BootNotificationRequest) (interface{}, error) {
	if err := h.validate.Struct(req); err != nil {
		return nil, sess.NewValidationError("bootNotification", err.Error())
	}
	if err := h.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	now := env.ReceivedAt
	registered := false
	if h.st == nil {
		h.st = &Station{
			ID:                  h.stationID,
			ProtocolVersion:     env.ProtocolVersion,
			CanChargeInParallel: true,
			RegisteredAt:        now,
			Connectors:          []*Connector{},
		}
		registered = true
		h.logger.Infof("registering new station, vendor=%s model=%s version=%s",
			req.ChargePointVendor, req.ChargePointModel, env.ProtocolVersion)
	}

	h.st.Vendor = req.ChargePointVendor
	h.st.Model = req.ChargePointModel
	if req.ChargePointSerialNumber != nil {
		h.st.SerialNumber = *req.ChargePointSerialNumber
	}
	if req.FirmwareVersion != nil {
		h.st.FirmwareVersion = *req.FirmwareVersion
	}
	if env.ProtocolVersion.IsValid() {
		h.st.ProtocolVersion = env.ProtocolVersion
	}
	h.st.Deleted = false
	h.st.LastHeartbeat = now

	if err := h.store.SaveStation(ctx, h.st); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}

	if registered {
		event := &events.StationRegisteredEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeStationRegistered, h.stationID,
				events.EventSeverityInfo, h.eventMetadata()),
			Vendor:          h.st.Vendor,
			Model:           h.st.Model,
			ProtocolVersion: string(h.st.ProtocolVersion),
		}
		if err := h.notifier.Notify(ctx, event); err != nil {
			h.logger.Warnf("failed to notify station registration: %v", err)
		}
	}

	// 延迟拉取配置快照，经本站工作协程执行以保持顺序
	if h.puller != nil && h.sched != nil {
		h.sched.After(h.ocppConfig.BootConfigPullDelay, func(taskCtx context.Context) {
			if h.st == nil {
				return
			}
			if err := h.puller.PullConfiguration(taskCtx, h.st); err != nil {
				h.logger.Warnf("deferred configuration pull failed: %v", err)
				return
			}
			if err := h.store.SaveStation(taskCtx, h.st); err != nil {
				h.logger.Warnf("failed to persist configuration snapshot: %v", err)
			}
		})
	}

	return &ocpp.BootNotificationResponse{
		Status:      ocpp.RegistrationStatusAccepted,
		CurrentTime: *ocpp.NewDateTime(now),
		Interval:    int(h.ocppConfig.HeartbeatInterval.Seconds()),
	}, nil
}

// onHeartbeat 心跳
func (h *Handler) onHeartbeat(ctx context.Context, env *Envelope) (interface{}, error) {
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}
	st.LastHeartbeat = env.ReceivedAt

	if st.MaximumPowerW == 0 {
		quirks := normalizer.LookupQuirks(st.Vendor, st.ProtocolVersion)
		if quirks.ComputeMaxPower && len(st.Connectors) > 0 {
			st.MaximumPowerW = float64(len(st.Connectors)) * defaultConnectorPowerW
			h.logger.Infof("recomputed maximum power: %.0fW over %d connectors",
				st.MaximumPowerW, len(st.Connectors))
		}
	}

	if err := h.store.SaveStation(ctx, st); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	return &ocpp.HeartbeatResponse{CurrentTime: *ocpp.NewDateTime(env.ReceivedAt)}, nil
}

// onStatusNotification 状态通知
// 连接器0为广播：事件逐个应用到本站所有连接器
func (h *Handler) onStatusNotification(ctx context.Context, env *Envelope, req *ocpp.StatusNotificationRequest) (interface{}, error) {
	if err := h.validate.Struct(req); err != nil {
		return nil, sess.NewValidationError("statusNotification", err.Error())
	}
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}

	at := env.ReceivedAt
	if req.Timestamp != nil {
		at = req.Timestamp.Time
	}

	if req.ConnectorId == 0 {
		for _, conn := range st.Connectors {
			if err := h.applyStatus(ctx, st, conn, req, at, true); err != nil {
				return nil, err
			}
		}
		return &ocpp.StatusNotificationResponse{}, nil
	}

	conn, err := st.EnsureConnector(req.ConnectorId)
	if err != nil {
		return nil, sess.NewValidationError("connectorId", err.Error())
	}
	if err := h.applyStatus(ctx, st, conn, req, at, false); err != nil {
		return nil, err
	}
	return &ocpp.StatusNotificationResponse{}, nil
}

// applyStatus 应用单个连接器的状态转换与副作用
func (h *Handler) applyStatus(ctx context.Context, st *Station, conn *Connector, req *ocpp.StatusNotificationRequest, at time.Time, broadcast bool) error {
	change := conn.ApplyStatus(req, at)
	if change.Duplicate {
		h.logger.Debugf("connector %d: duplicate status %s/%s ignored",
			conn.ID, req.Status, req.ErrorCode)
		return nil
	}

	h.logger.Infof("connector %d: %s -> %s (error=%s)",
		conn.ID, change.Previous, change.Current, change.ErrorCode)

	// 幽灵交易自愈先于落盘：自愈内部会释放并持久化连接器
	if change.ReleasedWhileBound && !broadcast {
		if err := h.engine.RecoverGhost(ctx, st, conn, at); err != nil {
			// 自愈失败不向设备返回错误
			h.logger.Errorf("ghost recovery failed on connector %d: %v", conn.ID, err)
		}
	}

	if err := h.store.SaveConnector(ctx, st.ID, conn); err != nil {
		return sess.WrapCollaborator("persistence", err)
	}

	if change.EnteredFault {
		event := &events.ConnectorFaultedEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeConnectorFaulted, st.ID,
				events.EventSeverityError, h.eventMetadata()),
			ConnectorID:     conn.ID,
			ErrorCode:       string(conn.ErrorCode),
			Info:            conn.Info,
			VendorErrorCode: conn.VendorErrorCode,
		}
		if err := h.notifier.Notify(ctx, event); err != nil {
			h.logger.Warnf("failed to notify connector fault: %v", err)
		}
	}
	return nil
}

// onMeterValues 电表值
func (h *Handler) onMeterValues(ctx context.Context, env *Envelope, req *ocpp.MeterValuesRequest) (interface{}, error) {
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}

	result, err := h.norm.Normalize(normalizer.Input{
		StationID: st.ID,
		Vendor:    st.Vendor,
		Version:   st.ProtocolVersion,
		BoundTransaction: func(connectorID int) int {
			if conn, ok := st.ConnectorByID(connectorID); ok {
				return conn.ActiveTransactionID
			}
			return 0
		},
	}, req)
	if err != nil {
		return nil, err
	}

	conn, ok := st.ConnectorByID(result.ConnectorID)
	if !ok {
		return nil, sess.NewValidationError("connectorId",
			fmt.Sprintf("connector %d does not exist", result.ConnectorID))
	}
	if err := h.engine.Update(ctx, st, conn, result.Samples); err != nil {
		return nil, err
	}
	return &ocpp.MeterValuesResponse{}, nil
}

// onAuthorize 授权
func (h *Handler) onAuthorize(ctx context.Context, env *Envelope, req *ocpp.AuthorizeRequest) (interface{}, error) {
	if err := h.validate.Struct(req); err != nil {
		return nil, sess.NewValidationError("authorize", err.Error())
	}
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := h.engine.Authorize(ctx, st, req.IdTag)
	if err != nil {
		return nil, err
	}

	status := ocpp.AuthorizationStatusInvalid
	if auth.Accepted {
		status = ocpp.AuthorizationStatusAccepted
	}
	return &ocpp.AuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: status}}, nil
}

// onStartTransaction 开始交易
// 部分固件会漏发强制字段，时间戳或起始读数缺失直接硬性拒绝
func (h *Handler) onStartTransaction(ctx context.Context, env *Envelope, req *ocpp.StartTransactionRequest) (interface{}, error) {
	if req.MeterStart == nil {
		return nil, sess.NewValidationError("meterStart", "mandatory field missing")
	}
	if req.Timestamp == nil {
		return nil, sess.NewValidationError("timestamp", "mandatory field missing")
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, sess.NewValidationError("startTransaction", err.Error())
	}
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := h.engine.Start(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return &ocpp.StartTransactionResponse{
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted},
		TransactionId: tx.ID,
	}, nil
}

// onStopTransaction 停止交易
func (h *Handler) onStopTransaction(ctx context.Context, env *Envelope, req *ocpp.StopTransactionRequest) (interface{}, error) {
	if req.MeterStop == nil {
		return nil, sess.NewValidationError("meterStop", "mandatory field missing")
	}
	if req.Timestamp == nil {
		return nil, sess.NewValidationError("timestamp", "mandatory field missing")
	}
	st, err := h.station(ctx)
	if err != nil {
		return nil, err
	}

	// 随停止消息捎带的末段读数先入账，再冻结停止记录
	if len(req.TransactionData) > 0 {
		if err := h.accrueTransactionData(ctx, st, req); err != nil {
			return nil, err
		}
	}

	tx, err := h.engine.Stop(ctx, st, req)
	if err != nil {
		return nil, err
	}

	resp := &ocpp.StopTransactionResponse{}
	if tx.Stop != nil && tx.Stop.TagID != "" {
		resp.IdTagInfo = &ocpp.IdTagInfo{Status: ocpp.AuthorizationStatusAccepted}
	}
	return resp, nil
}

// accrueTransactionData 规范化停止消息捎带的读数并应用到活跃会话
func (h *Handler) accrueTransactionData(ctx context.Context, st *Station, req *ocpp.StopTransactionRequest) error {
	conn, ok := st.ConnectorByTransaction(req.TransactionId)
	if !ok {
		h.logger.Warnf("transaction %d: transactionData without a bound connector, skipped", req.TransactionId)
		return nil
	}

	result, err := h.norm.Normalize(normalizer.Input{
		StationID: st.ID,
		Vendor:    st.Vendor,
		Version:   st.ProtocolVersion,
		BoundTransaction: func(int) int {
			return req.TransactionId
		},
	}, &ocpp.MeterValuesRequest{
		ConnectorId:   json.Number(strconv.Itoa(conn.ID)),
		TransactionId: &req.TransactionId,
		MeterValue:    req.TransactionData,
	})
	if err != nil {
		return err
	}
	return h.engine.Update(ctx, st, conn, result.Samples)
}

// onDataTransfer 数据传输直通留存
func (h *Handler) onDataTransfer(ctx context.Context, env *Envelope, req *ocpp.DataTransferRequest) (interface{}, error) {
	if err := h.validate.Struct(req); err != nil {
		return nil, sess.NewValidationError("dataTransfer", err.Error())
	}
	if _, err := h.station(ctx); err != nil {
		return nil, err
	}

	rec := &sess.OperationRecord{
		StationID: h.stationID,
		Kind:      "data_transfer",
		Timestamp: env.ReceivedAt,
		Payload:   req,
	}
	if err := h.store.SaveOperationRecord(ctx, rec); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	return &ocpp.DataTransferResponse{Status: ocpp.DataTransferStatusAccepted}, nil
}

// onDiagnosticsStatus 诊断状态通知直通留存
func (h *Handler) onDiagnosticsStatus(ctx context.Context, env *Envelope, req *ocpp.DiagnosticsStatusNotificationRequest) (interface{}, error) {
	if _, err := h.station(ctx); err != nil {
		return nil, err
	}
	rec := &sess.OperationRecord{
		StationID: h.stationID,
		Kind:      "diagnostics_status",
		Timestamp: env.ReceivedAt,
		Payload:   req,
	}
	if err := h.store.SaveOperationRecord(ctx, rec); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	return &ocpp.DiagnosticsStatusNotificationResponse{}, nil
}

// onFirmwareStatus 固件状态通知直通留存
func (h *Handler) onFirmwareStatus(ctx context.Context, env *Envelope, req *ocpp.FirmwareStatusNotificationRequest) (interface{}, error) {
	if _, err := h.station(ctx); err != nil {
		return nil, err
	}
	rec := &sess.OperationRecord{
		StationID: h.stationID,
		Kind:      "firmware_status",
		Timestamp: env.ReceivedAt,
		Payload:   req,
	}
	if err := h.store.SaveOperationRecord(ctx, rec); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	return &ocpp.FirmwareStatusNotificationResponse{}, nil
}

func (h *Handler) eventMetadata() events.Metadata {
	version := ""
	if h.st != nil {
		version = string(h.st.ProtocolVersion)
	}
	return events.Metadata{
		Source:          "csms-core",
		TenantID:        h.tenantID,
		ProtocolVersion: version,
	}
}
