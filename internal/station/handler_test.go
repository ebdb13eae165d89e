package station

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/domain/events"
	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/normalizer"
)

// fakeEngine 记录会话引擎调用的桩实现
type fakeEngine struct {
	authorized []string
	started    []*ocpp.StartTransactionRequest
	updates    [][]sess.MeterSample
	stopped    []*ocpp.StopTransactionRequest
	ghosts     []int
	ops        []string
	startErr   error
}

func (f *fakeEngine) Authorize(ctx context.Context, st *Station, tagID string) (*sess.Authorization, error) {
	f.authorized = append(f.authorized, tagID)
	return &sess.Authorization{StationID: st.ID, TagID: tagID, Accepted: tagID != "BLOCKED"}, nil
}

func (f *fakeEngine) Start(ctx context.Context, st *Station, req *ocpp.StartTransactionRequest) (*sess.Transaction, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return &sess.Transaction{ID: 7, StationID: st.ID, ConnectorID: req.ConnectorId}, nil
}

func (f *fakeEngine) Update(ctx context.Context, st *Station, conn *Connector, samples []sess.MeterSample) error {
	f.updates = append(f.updates, samples)
	f.ops = append(f.ops, "update")
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, st *Station, req *ocpp.StopTransactionRequest) (*sess.Transaction, error) {
	f.stopped = append(f.stopped, req)
	f.ops = append(f.ops, "stop")
	return &sess.Transaction{ID: req.TransactionId, StationID: st.ID}, nil
}

func (f *fakeEngine) RecoverGhost(ctx context.Context, st *Station, conn *Connector, at time.Time) error {
	f.ghosts = append(f.ghosts, conn.ID)
	conn.ActiveTransactionID = 0
	return nil
}

// fakeStationStore 内存充电站存储
type fakeStationStore struct {
	stations        map[string]*Station
	connectorSaves  int
	stationSaves    int
	authorizations  []*sess.Authorization
	operationKinds  []string
}

func newFakeStationStore() *fakeStationStore {
	return &fakeStationStore{stations: make(map[string]*Station)}
}

func (f *fakeStationStore) GetStation(ctx context.Context, id string) (*Station, error) {
	return f.stations[id], nil
}

func (f *fakeStationStore) SaveStation(ctx context.Context, st *Station) error {
	f.stationSaves++
	f.stations[st.ID] = st
	return nil
}

func (f *fakeStationStore) SaveConnector(ctx context.Context, stationID string, conn *Connector) error {
	f.connectorSaves++
	return nil
}

func (f *fakeStationStore) SaveAuthorization(ctx context.Context, auth *sess.Authorization) error {
	f.authorizations = append(f.authorizations, auth)
	return nil
}

func (f *fakeStationStore) SaveOperationRecord(ctx context.Context, rec *sess.OperationRecord) error {
	f.operationKinds = append(f.operationKinds, rec.Kind)
	return nil
}

// fakeEventSink 收集业务事件
type fakeEventSink struct {
	events []events.Event
}

func (f *fakeEventSink) Notify(ctx context.Context, event events.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventSink) byType(t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range f.events {
		if e.GetType() == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeScheduler 同步调度器：记录任务，由测试显式触发
type fakeScheduler struct {
	delays []time.Duration
	tasks  []func(ctx context.Context)
}

func (f *fakeScheduler) After(delay time.Duration, fn func(ctx context.Context)) {
	f.delays = append(f.delays, delay)
	f.tasks = append(f.tasks, fn)
}

func (f *fakeScheduler) runAll(ctx context.Context) {
	for _, fn := range f.tasks {
		fn(ctx)
	}
	f.tasks = nil
}

// fakePuller 配置拉取桩
type fakePuller struct {
	mu     sync.Mutex
	pulled []string
}

func (f *fakePuller) PullConfiguration(ctx context.Context, st *Station) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, st.ID)
	st.Configuration = []ocpp.KeyValue{{Key: "HeartbeatInterval", Value: strPtr("300")}}
	return nil
}

func (f *fakePuller) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulled)
}

type handlerFixture struct {
	engine   *fakeEngine
	store    *fakeStationStore
	notifier *fakeEventSink
	sched    *fakeScheduler
	puller   *fakePuller
	handler  *Handler
}

func newHandlerFixture(t *testing.T, stationID string) *handlerFixture {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	f := &handlerFixture{
		engine:   &fakeEngine{},
		store:    newFakeStationStore(),
		notifier: &fakeEventSink{},
		sched:    &fakeScheduler{},
		puller:   &fakePuller{},
	}
	f.handler = NewHandler(stationID, HandlerDeps{
		TenantID:   "tenant-1",
		Engine:     f.engine,
		Store:      f.store,
		Normalizer: normalizer.New(log),
		Notifier:   f.notifier,
		Puller:     f.puller,
		OCPPConfig: &config.OCPPConfig{
			HeartbeatInterval:   300 * time.Second,
			BootConfigPullDelay: 30 * time.Second,
		},
		Logger: log,
	}, f.sched)
	return f
}

// seedStation 预置一个已注册的充电站
func (f *handlerFixture) seedStation(st *Station) {
	f.store.stations[st.ID] = st
}

func envelope(stationID, action string, payload interface{}) *Envelope {
	return &Envelope{
		StationID:       stationID,
		Action:          action,
		ProtocolVersion: ocpp.V16,
		Payload:         payload,
		ReceivedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// TestHandle_BootRegistersStation 首次启动通知注册充电站并调度配置拉取
func TestHandle_BootRegistersStation(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	ctx := context.Background()

	resp, err := f.handler.Handle(ctx, envelope("CP001", "BootNotification", &ocpp.BootNotificationRequest{
		ChargePointVendor: "Schneider",
		ChargePointModel:  "EVlink",
		FirmwareVersion:   strPtr("3.2.0"),
	}))
	require.NoError(t, err)

	boot := resp.(*ocpp.BootNotificationResponse)
	assert.Equal(t, ocpp.RegistrationStatusAccepted, boot.Status)
	assert.Equal(t, 300, boot.Interval)

	st := f.store.stations["CP001"]
	require.NotNil(t, st)
	assert.Equal(t, "Schneider", st.Vendor)
	assert.Equal(t, "3.2.0", st.FirmwareVersion)
	assert.Equal(t, ocpp.V16, st.ProtocolVersion)
	assert.True(t, st.CanChargeInParallel)

	require.Len(t, f.notifier.byType(events.EventTypeStationRegistered), 1)

	// 配置拉取经延迟任务执行
	require.Len(t, f.sched.tasks, 1)
	assert.Equal(t, 30*time.Second, f.sched.delays[0])
	assert.Empty(t, f.puller.pulled)
	f.sched.runAll(ctx)
	assert.Equal(t, []string{"CP001"}, f.puller.pulled)
	assert.NotEmpty(t, st.Configuration)
}

// TestHandle_BootRevivesDeletedStation 软删除的充电站重新上线即复活，不再发注册事件
func TestHandle_BootRevivesDeletedStation(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", Vendor: "Old", ProtocolVersion: ocpp.V15, Deleted: true})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "BootNotification",
		&ocpp.BootNotificationRequest{ChargePointVendor: "Schneider", ChargePointModel: "EVlink"}))
	require.NoError(t, err)

	st := f.store.stations["CP001"]
	assert.False(t, st.Deleted)
	assert.Equal(t, "Schneider", st.Vendor)
	assert.Empty(t, f.notifier.byType(events.EventTypeStationRegistered))
}

// TestHandle_UnregisteredStationRejected 未注册充电站的业务消息被拒绝
func TestHandle_UnregisteredStationRejected(t *testing.T) {
	f := newHandlerFixture(t, "CP404")

	_, err := f.handler.Handle(context.Background(), envelope("CP404", "Heartbeat", &ocpp.HeartbeatRequest{}))
	assert.True(t, sess.IsStateConflict(err))
}

// TestHandle_HeartbeatRecomputesMaxPower 厂商怪癖：按连接器数估算额定功率
func TestHandle_HeartbeatRecomputesMaxPower(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{
		ID:              "CP001",
		Vendor:          "KEBA",
		ProtocolVersion: ocpp.V16,
		Connectors:      []*Connector{NewConnector(1), NewConnector(2)},
	})

	resp, err := f.handler.Handle(context.Background(), envelope("CP001", "Heartbeat", &ocpp.HeartbeatRequest{}))
	require.NoError(t, err)
	assert.IsType(t, &ocpp.HeartbeatResponse{}, resp)

	st := f.store.stations["CP001"]
	assert.Equal(t, float64(44000), st.MaximumPowerW)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), st.LastHeartbeat)

	// 已有额定功率不被覆盖
	st.MaximumPowerW = 50000
	_, err = f.handler.Handle(context.Background(), envelope("CP001", "Heartbeat", &ocpp.HeartbeatRequest{}))
	require.NoError(t, err)
	assert.Equal(t, float64(50000), st.MaximumPowerW)
}

// TestHandle_StatusBroadcast 连接器0广播到全部连接器，且不触发幽灵自愈
func TestHandle_StatusBroadcast(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	bound := NewConnector(2)
	bound.Status = ocpp.StatusCharging
	bound.ActiveTransactionID = 42
	f.seedStation(&Station{
		ID:              "CP001",
		ProtocolVersion: ocpp.V16,
		Connectors:      []*Connector{NewConnector(1), bound},
	})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification",
		&ocpp.StatusNotificationRequest{
			ConnectorId: 0,
			Status:      ocpp.StatusAvailable,
			ErrorCode:   ocpp.ErrorCodeNoError,
		}))
	require.NoError(t, err)

	st := f.store.stations["CP001"]
	for _, conn := range st.Connectors {
		assert.Equal(t, ocpp.StatusAvailable, conn.Status)
	}
	// 广播路径不做幽灵自愈
	assert.Empty(t, f.engine.ghosts)
	// 连接器1已是Available，重复通知不落盘；只有连接器2被持久化
	assert.Equal(t, 1, f.store.connectorSaves)
}

// TestHandle_DuplicateStatusNotPersisted 重复状态通知不产生任何写入
func TestHandle_DuplicateStatusNotPersisted(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{
		ID:              "CP001",
		ProtocolVersion: ocpp.V16,
		Connectors:      []*Connector{NewConnector(1)},
	})
	req := &ocpp.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      ocpp.StatusCharging,
		ErrorCode:   ocpp.ErrorCodeNoError,
	}

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification", req))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.connectorSaves)

	_, err = f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification", req))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.connectorSaves)
}

// TestHandle_StatusTriggersGhostRecovery 带活跃交易的连接器回到空闲态触发自愈
func TestHandle_StatusTriggersGhostRecovery(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	conn := NewConnector(1)
	conn.Status = ocpp.StatusCharging
	conn.ActiveTransactionID = 42
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{conn}})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification",
		&ocpp.StatusNotificationRequest{
			ConnectorId: 1,
			Status:      ocpp.StatusAvailable,
			ErrorCode:   ocpp.ErrorCodeNoError,
		}))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, f.engine.ghosts)
}

// TestHandle_FaultedStatusNotifies 进入故障态发出连接器故障事件
func TestHandle_FaultedStatusNotifies(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{NewConnector(1)}})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification",
		&ocpp.StatusNotificationRequest{
			ConnectorId: 1,
			Status:      ocpp.StatusFaulted,
			ErrorCode:   ocpp.ErrorCodeGroundFailure,
		}))
	require.NoError(t, err)

	faults := f.notifier.byType(events.EventTypeConnectorFaulted)
	require.Len(t, faults, 1)
	fault := faults[0].(*events.ConnectorFaultedEvent)
	assert.Equal(t, 1, fault.ConnectorID)
	assert.Equal(t, "GroundFailure", fault.ErrorCode)
}

// TestHandle_StatusCreatesConnectorOnDemand 未见过的连接器编号按需建档
func TestHandle_StatusCreatesConnectorOnDemand(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StatusNotification",
		&ocpp.StatusNotificationRequest{
			ConnectorId: 3,
			Status:      ocpp.StatusPreparing,
			ErrorCode:   ocpp.ErrorCodeNoError,
		}))
	require.NoError(t, err)

	st := f.store.stations["CP001"]
	conn, ok := st.ConnectorByID(3)
	require.True(t, ok)
	assert.Equal(t, ocpp.StatusPreparing, conn.Status)
}

// TestHandle_MeterValuesNormalizedAndApplied 电表值经规范化后灌入会话引擎
func TestHandle_MeterValuesNormalizedAndApplied(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	conn := NewConnector(1)
	conn.ActiveTransactionID = 42
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{conn}})

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "MeterValues",
		&ocpp.MeterValuesRequest{
			ConnectorId: "1",
			MeterValue: []ocpp.MeterValueEntry{{
				Timestamp: *ocpp.NewDateTime(time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)),
				SampledValue: []ocpp.SampledValue{
					{Value: "1500"},
				},
			}},
		}))
	require.NoError(t, err)

	require.Len(t, f.engine.updates, 1)
	samples := f.engine.updates[0]
	require.Len(t, samples, 1)
	// 消息未携带交易号时回填连接器上绑定的交易
	assert.Equal(t, 42, samples[0].TransactionID)
	assert.Equal(t, 1, samples[0].ConnectorID)
	assert.Equal(t, float64(1500), samples[0].Value)
}

// TestHandle_StartTransactionMissingMandatoryFields 缺失强制字段硬性拒绝，不触发会话引擎
func TestHandle_StartTransactionMissingMandatoryFields(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{NewConnector(1)}})
	meterStart := 100

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StartTransaction",
		&ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "TAG-A",
			Timestamp: ocpp.NewDateTime(time.Now().UTC())}))
	assert.True(t, sess.IsValidation(err))

	_, err = f.handler.Handle(context.Background(), envelope("CP001", "StartTransaction",
		&ocpp.StartTransactionRequest{ConnectorId: 1, IdTag: "TAG-A", MeterStart: &meterStart}))
	assert.True(t, sess.IsValidation(err))

	assert.Empty(t, f.engine.started)
}

// TestHandle_StartTransactionAccepted 合法开始请求返回交易号
func TestHandle_StartTransactionAccepted(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{NewConnector(1)}})
	meterStart := 100

	resp, err := f.handler.Handle(context.Background(), envelope("CP001", "StartTransaction",
		&ocpp.StartTransactionRequest{
			ConnectorId: 1,
			IdTag:       "TAG-A",
			MeterStart:  &meterStart,
			Timestamp:   ocpp.NewDateTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		}))
	require.NoError(t, err)

	start := resp.(*ocpp.StartTransactionResponse)
	assert.Equal(t, 7, start.TransactionId)
	assert.Equal(t, ocpp.AuthorizationStatusAccepted, start.IdTagInfo.Status)
}

// TestHandle_StopTransactionDataAccrued 停止消息捎带的末段读数先入账再冻结停止记录
func TestHandle_StopTransactionDataAccrued(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	conn := NewConnector(1)
	conn.ActiveTransactionID = 42
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{conn}})
	meterStop := 1800

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StopTransaction",
		&ocpp.StopTransactionRequest{
			TransactionId: 42,
			MeterStop:     &meterStop,
			Timestamp:     ocpp.NewDateTime(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)),
			TransactionData: []ocpp.MeterValueEntry{{
				Timestamp:    *ocpp.NewDateTime(time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)),
				SampledValue: []ocpp.SampledValue{{Value: "1790"}},
			}},
		}))
	require.NoError(t, err)

	require.Len(t, f.engine.updates, 1)
	samples := f.engine.updates[0]
	require.Len(t, samples, 1)
	assert.Equal(t, 42, samples[0].TransactionID)
	assert.Equal(t, 1, samples[0].ConnectorID)
	assert.Equal(t, float64(1790), samples[0].Value)

	require.Len(t, f.engine.stopped, 1)
	assert.Equal(t, []string{"update", "stop"}, f.engine.ops)
}

// TestHandle_StopTransactionDataWithoutBinding 无绑定连接器时跳过入账，停止照常
func TestHandle_StopTransactionDataWithoutBinding(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16, Connectors: []*Connector{NewConnector(1)}})
	meterStop := 1800

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "StopTransaction",
		&ocpp.StopTransactionRequest{
			TransactionId: 99,
			MeterStop:     &meterStop,
			Timestamp:     ocpp.NewDateTime(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)),
			TransactionData: []ocpp.MeterValueEntry{{
				Timestamp:    *ocpp.NewDateTime(time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)),
				SampledValue: []ocpp.SampledValue{{Value: "1790"}},
			}},
		}))
	require.NoError(t, err)

	assert.Empty(t, f.engine.updates)
	require.Len(t, f.engine.stopped, 1)
}

// TestHandle_AuthorizeMapsOutcome 授权结果映射到响应状态
func TestHandle_AuthorizeMapsOutcome(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16})

	resp, err := f.handler.Handle(context.Background(), envelope("CP001", "Authorize",
		&ocpp.AuthorizeRequest{IdTag: "TAG-A"}))
	require.NoError(t, err)
	assert.Equal(t, ocpp.AuthorizationStatusAccepted, resp.(*ocpp.AuthorizeResponse).IdTagInfo.Status)

	resp, err = f.handler.Handle(context.Background(), envelope("CP001", "Authorize",
		&ocpp.AuthorizeRequest{IdTag: "BLOCKED"}))
	require.NoError(t, err)
	assert.Equal(t, ocpp.AuthorizationStatusInvalid, resp.(*ocpp.AuthorizeResponse).IdTagInfo.Status)
}

// TestHandle_PassthroughRecords 直通消息留存操作记录
func TestHandle_PassthroughRecords(t *testing.T) {
	f := newHandlerFixture(t, "CP001")
	f.seedStation(&Station{ID: "CP001", ProtocolVersion: ocpp.V16})
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, envelope("CP001", "DataTransfer",
		&ocpp.DataTransferRequest{VendorId: "Generic"}))
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, envelope("CP001", "DiagnosticsStatusNotification",
		&ocpp.DiagnosticsStatusNotificationRequest{Status: "Uploaded"}))
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, envelope("CP001", "FirmwareStatusNotification",
		&ocpp.FirmwareStatusNotificationRequest{Status: "Installed"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"data_transfer", "diagnostics_status", "firmware_status"},
		f.store.operationKinds)
}

// TestHandle_UnsupportedAction 未知负载类型返回校验错误
func TestHandle_UnsupportedAction(t *testing.T) {
	f := newHandlerFixture(t, "CP001")

	_, err := f.handler.Handle(context.Background(), envelope("CP001", "Bogus", struct{}{}))
	assert.True(t, sess.IsValidation(err))
}
