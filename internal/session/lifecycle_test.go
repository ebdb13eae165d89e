package session

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/domain/events"
	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/station"
)

// memStore 内存版持久化协作方，同时充当交易存储与充电站存储
type memStore struct {
	txs       map[int]*sess.Transaction
	active    map[string]int
	nextID    int
	samples   []*sess.MeterSample
	auths     []*sess.Authorization
	records   []*sess.OperationRecord
	connSaves int
}

func newMemStore() *memStore {
	return &memStore{
		txs:    make(map[int]*sess.Transaction),
		active: make(map[string]int),
	}
}

func (m *memStore) activeKey(stationID string, connectorID int) string {
	return fmt.Sprintf("%s/%d", stationID, connectorID)
}

func (m *memStore) NextTransactionID(ctx context.Context) (int, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *memStore) SaveTransaction(ctx context.Context, tx *sess.Transaction) error {
	copied := *tx
	m.txs[tx.ID] = &copied
	key := m.activeKey(tx.StationID, tx.ConnectorID)
	if tx.IsActive() {
		m.active[key] = tx.ID
	} else if m.active[key] == tx.ID {
		delete(m.active, key)
	}
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id int) (*sess.Transaction, error) {
	tx, ok := m.txs[id]
	if !ok {
		return nil, nil
	}
	copied := *tx
	return &copied, nil
}

func (m *memStore) DeleteTransaction(ctx context.Context, id int) error {
	if tx, ok := m.txs[id]; ok {
		delete(m.active, m.activeKey(tx.StationID, tx.ConnectorID))
	}
	delete(m.txs, id)
	return nil
}

func (m *memStore) GetActiveTransactionByConnector(ctx context.Context, stationID string, connectorID int) (*sess.Transaction, error) {
	id, ok := m.active[m.activeKey(stationID, connectorID)]
	if !ok {
		return nil, nil
	}
	return m.GetTransaction(ctx, id)
}

func (m *memStore) SaveMeterSample(ctx context.Context, sample *sess.MeterSample) error {
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memStore) GetStation(ctx context.Context, id string) (*station.Station, error) {
	return nil, nil
}

func (m *memStore) SaveStation(ctx context.Context, st *station.Station) error { return nil }

func (m *memStore) SaveConnector(ctx context.Context, stationID string, conn *station.Connector) error {
	m.connSaves++
	return nil
}

func (m *memStore) SaveAuthorization(ctx context.Context, auth *sess.Authorization) error {
	m.auths = append(m.auths, auth)
	return nil
}

func (m *memStore) SaveOperationRecord(ctx context.Context, rec *sess.OperationRecord) error {
	m.records = append(m.records, rec)
	return nil
}

// fakeAuthorizer 可配置的授权协作方
type fakeAuthorizer struct {
	identities map[string]*Identity
	denied     map[string]bool
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, stationID, tagID string, intent Intent) (*Identity, error) {
	if f.denied[tagID] {
		return nil, ErrNotAuthorized
	}
	return f.identities[tagID], nil
}

// fakeNotifier 收集事件的通知协作方
type fakeNotifier struct {
	events []events.Event
}

func (f *fakeNotifier) Notify(ctx context.Context, event events.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) byType(t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range f.events {
		if e.GetType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	lifecycle *Lifecycle
	store     *memStore
	auth      *fakeAuthorizer
	notifier  *fakeNotifier
	config    *config.SessionConfig
}

func newFixture(t *testing.T) *fixture {
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	cfg := &config.SessionConfig{
		RemoteStopWindow:      60 * time.Second,
		EndOfChargeInactivity: 30 * time.Minute,
		EndOfChargeSoC:        100,
		ApproachingFullSoC:    85,
	}
	store := newMemStore()
	auth := &fakeAuthorizer{
		identities: map[string]*Identity{
			"TAG-A": {UserID: "user-a", TagID: "TAG-A"},
			"TAG-B": {UserID: "user-b", TagID: "TAG-B"},
			"ADMIN": {UserID: "admin", TagID: "ADMIN", Admin: true},
		},
		denied: map[string]bool{"BLOCKED": true},
	}
	notifier := &fakeNotifier{}
	pricer := FlatRatePricer{PerKWh: 0.30, Currency: "EUR"}

	return &fixture{
		lifecycle: NewLifecycle(cfg, auth, store, store, pricer, notifier, nil, "tenant-1", log),
		store:     store,
		auth:      auth,
		notifier:  notifier,
		config:    cfg,
	}
}

func newTestStation(version ocpp.ProtocolVersion, parallel bool, connectors int) *station.Station {
	st := &station.Station{
		ID:                  "CP001",
		Vendor:              "Wallbox",
		ProtocolVersion:     version,
		CanChargeInParallel: parallel,
	}
	for i := 1; i <= connectors; i++ {
		st.Connectors = append(st.Connectors, station.NewConnector(i))
	}
	return st
}

func startRequest(connectorID, meterStart int, tag string, at time.Time) *ocpp.StartTransactionRequest {
	return &ocpp.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       tag,
		MeterStart:  &meterStart,
		Timestamp:   ocpp.NewDateTime(at),
	}
}

func stopRequest(txID, meterStop int, tag string, at time.Time) *ocpp.StopTransactionRequest {
	req := &ocpp.StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     &meterStop,
		Timestamp:     ocpp.NewDateTime(at),
	}
	if tag != "" {
		req.IdTag = &tag
	}
	return req
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// TestStart_CreatesTransactionAndBindsConnector 开始交易并绑定连接器
func TestStart_CreatesTransactionAndBindsConnector(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 2)

	tx, err := f.lifecycle.Start(context.Background(), st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	assert.Equal(t, sess.StateActive, tx.State)
	assert.Equal(t, 1000, tx.MeterStart)
	assert.Equal(t, "TAG-A", tx.TagID)
	assert.Equal(t, "user-a", tx.UserID)

	conn, _ := st.ConnectorByID(1)
	assert.Equal(t, tx.ID, conn.ActiveTransactionID)

	// 并行充电站不锁定兄弟连接器
	other, _ := st.ConnectorByID(2)
	assert.Equal(t, ocpp.StatusAvailable, other.Status)

	assert.Len(t, f.notifier.byType(events.EventTypeSessionStarted), 1)
}

// TestStart_UnknownConnectorRejected 不存在的连接器拒绝开始
func TestStart_UnknownConnectorRejected(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)

	_, err := f.lifecycle.Start(context.Background(), st, startRequest(5, 1000, "TAG-A", t0))
	require.Error(t, err)
	assert.True(t, sess.IsStateConflict(err))
	assert.Empty(t, f.store.txs)
}

// TestStart_NonParallelLocksSiblings 非并行充电按代际锁定兄弟连接器
func TestStart_NonParallelLocksSiblings(t *testing.T) {
	t.Run("newest generation uses Unavailable", func(t *testing.T) {
		f := newFixture(t)
		st := newTestStation(ocpp.V16, false, 2)

		_, err := f.lifecycle.Start(context.Background(), st, startRequest(1, 0, "TAG-A", t0))
		require.NoError(t, err)

		other, _ := st.ConnectorByID(2)
		assert.Equal(t, ocpp.StatusUnavailable, other.Status)
	})

	t.Run("legacy generations use Occupied", func(t *testing.T) {
		f := newFixture(t)
		st := newTestStation(ocpp.V15, false, 2)

		_, err := f.lifecycle.Start(context.Background(), st, startRequest(1, 0, "TAG-A", t0))
		require.NoError(t, err)

		other, _ := st.ConnectorByID(2)
		assert.Equal(t, ocpp.StatusOccupied, other.Status)
	})
}

// TestStart_SweepsDanglingTransaction 开始前清扫同连接器遗留的活跃交易
func TestStart_SweepsDanglingTransaction(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	first, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	// 模拟崩溃后设备重新发起开始：旧交易零消耗，应被删除
	second, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-B", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	gone, err := f.store.GetTransaction(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	conn, _ := st.ConnectorByID(1)
	assert.Equal(t, second.ID, conn.ActiveTransactionID)
}

func advance(t *testing.T, f *fixture, st *station.Station, samples ...sess.MeterSample) {
	t.Helper()
	conn, _ := st.ConnectorByID(1)
	require.NoError(t, f.lifecycle.Update(context.Background(), st, conn, samples))
}

// TestUpdate_AccruesConsumptionAndTriggers 电量累计、非活跃计时与阈值触发
func TestUpdate_AccruesConsumptionAndTriggers(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	energy := sess.NewMeterSample(t0.Add(time.Minute), 1, tx.ID, 1500)
	advance(t, f, st, energy)

	got, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.CumulatedConsumptionWh)
	assert.Equal(t, 500.0, got.CurrentConsumptionWh)
	assert.InDelta(t, 0.15, got.CumulatedPrice, 0.0001)

	// 读数停滞累计非活跃时长
	idle := sess.NewMeterSample(t0.Add(3*time.Minute), 1, tx.ID, 1500)
	advance(t, f, st, idle)

	got, err = f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.CurrentInactivitySecs)

	// SoC越过接近充满阈值，触发一次且仅一次
	soc := sess.NewMeterSample(t0.Add(4*time.Minute), 1, tx.ID, 90)
	soc.Measurand = ocpp.MeasurandSoC
	soc.Unit = ocpp.UnitPercent
	advance(t, f, st, soc)
	advance(t, f, st, soc)
	assert.Len(t, f.notifier.byType(events.EventTypeApproachingFullCharge), 1)

	// 充满后触发充电结束，同样只一次
	full := sess.NewMeterSample(t0.Add(5*time.Minute), 1, tx.ID, 100)
	full.Measurand = ocpp.MeasurandSoC
	full.Unit = ocpp.UnitPercent
	advance(t, f, st, full)
	advance(t, f, st, full)
	assert.Len(t, f.notifier.byType(events.EventTypeEndOfCharge), 1)
}

// TestUpdate_StoppedTransactionRejected 停止后的交易不再接受样本
func TestUpdate_StoppedTransactionRejected(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)
	_, err = f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "", t0.Add(time.Hour)))
	require.NoError(t, err)

	conn, _ := st.ConnectorByID(1)
	sample := sess.NewMeterSample(t0.Add(2*time.Hour), 1, tx.ID, 1600)
	err = f.lifecycle.Update(ctx, st, conn, []sess.MeterSample{sample})
	require.Error(t, err)
	assert.True(t, sess.IsStateConflict(err))
}

// TestStop_RemoteStopTagWinsWithinWindow 窗口内的远程停止标签优先于显式停止标签
func TestStop_RemoteStopTagWinsWithinWindow(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	stopTime := t0.Add(time.Hour)
	require.NoError(t, f.lifecycle.RegisterRemoteStop(ctx, tx.ID, "ADMIN", stopTime.Add(-30*time.Second)))

	// 30秒后带着另一个标签到达的停止消息归属到远程标签
	stopped, err := f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "TAG-B", stopTime))
	require.NoError(t, err)
	assert.Equal(t, "ADMIN", stopped.Stop.TagID)
	assert.Equal(t, ocpp.ReasonRemote, stopped.Stop.Reason)
}

// TestStop_RemoteStopExpiredOutsideWindow 窗口外的远程停止不再影响归属
func TestStop_RemoteStopExpiredOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.config.AllowCrossUserStop = true
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	stopTime := t0.Add(time.Hour)
	require.NoError(t, f.lifecycle.RegisterRemoteStop(ctx, tx.ID, "ADMIN", stopTime.Add(-2*time.Minute)))

	stopped, err := f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "TAG-B", stopTime))
	require.NoError(t, err)
	assert.Equal(t, "TAG-B", stopped.Stop.TagID)
}

// TestStop_AlternateTagNeedsPrivilege 替代身份需要管理员或站点策略放行
func TestStop_AlternateTagNeedsPrivilege(t *testing.T) {
	t.Run("unprivileged alternate tag rejected", func(t *testing.T) {
		f := newFixture(t)
		st := newTestStation(ocpp.V16, true, 1)
		ctx := context.Background()

		tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
		require.NoError(t, err)

		_, err = f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "TAG-B", t0.Add(time.Hour)))
		require.Error(t, err)
		assert.True(t, sess.IsAuthorization(err))
		// 审计信息包含双方身份
		assert.Contains(t, err.Error(), "TAG-B")
		assert.Contains(t, err.Error(), "TAG-A")
	})

	t.Run("admin may always stop", func(t *testing.T) {
		f := newFixture(t)
		st := newTestStation(ocpp.V16, true, 1)
		ctx := context.Background()

		tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
		require.NoError(t, err)

		stopped, err := f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "ADMIN", t0.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, "ADMIN", stopped.Stop.TagID)
	})

	t.Run("site policy may allow cross-user stop", func(t *testing.T) {
		f := newFixture(t)
		f.config.AllowCrossUserStop = true
		st := newTestStation(ocpp.V16, true, 1)
		ctx := context.Background()

		tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
		require.NoError(t, err)

		stopped, err := f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "TAG-B", t0.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, "TAG-B", stopped.Stop.TagID)
		assert.Equal(t, "user-b", stopped.Stop.UserID)
	})
}

// TestStop_AlreadyStoppedRejected 重复停止是硬性错误
func TestStop_AlreadyStoppedRejected(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)
	_, err = f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "", t0.Add(time.Hour)))
	require.NoError(t, err)

	_, err = f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "", t0.Add(2*time.Hour)))
	require.Error(t, err)
	assert.True(t, sess.IsStateConflict(err))
}

// TestStop_FreesConnectorAndUnlocksSiblings 停止释放连接器并恢复被锁定的兄弟
func TestStop_FreesConnectorAndUnlocksSiblings(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, false, 2)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	other, _ := st.ConnectorByID(2)
	require.Equal(t, ocpp.StatusUnavailable, other.Status)

	stopped, err := f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1800, "", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 800.0, stopped.Stop.TotalConsumptionWh)
	assert.Equal(t, int64(3600), stopped.Stop.TotalDurationSecs)
	assert.Equal(t, sess.StateStopped, stopped.State)

	conn, _ := st.ConnectorByID(1)
	assert.Equal(t, 0, conn.ActiveTransactionID)
	assert.Equal(t, ocpp.StatusAvailable, other.Status)

	// 活跃索引已清空
	active, err := f.store.GetActiveTransactionByConnector(ctx, st.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.Len(t, f.notifier.byType(events.EventTypeSessionStopped), 1)
}

// TestRecoverGhost_ZeroConsumptionDeleted 零消耗的幽灵交易被删除
func TestRecoverGhost_ZeroConsumptionDeleted(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	conn, _ := st.ConnectorByID(1)
	require.NoError(t, f.lifecycle.RecoverGhost(ctx, st, conn, t0.Add(time.Hour)))

	assert.Equal(t, 0, conn.ActiveTransactionID)
	gone, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	recovered := f.notifier.byType(events.EventTypeAnomalyRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, events.EventSeverityWarning, recovered[0].GetSeverity())
	assert.Equal(t, "deleted", recovered[0].(*events.AnomalyRecoveredEvent).Outcome)
}

// TestRecoverGhost_ForceStopsWithConsumption 有消耗的幽灵交易按最后读数加一强制停止
func TestRecoverGhost_ForceStopsWithConsumption(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)

	conn, _ := st.ConnectorByID(1)
	energy := sess.NewMeterSample(t0.Add(time.Minute), 1, tx.ID, 1500)
	require.NoError(t, f.lifecycle.Update(ctx, st, conn, []sess.MeterSample{energy}))

	at := t0.Add(time.Hour)
	require.NoError(t, f.lifecycle.RecoverGhost(ctx, st, conn, at))

	stopped, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stopped.Stop)
	assert.Equal(t, 1501, stopped.Stop.MeterStop)
	assert.Equal(t, at, stopped.Stop.Timestamp)
	assert.Equal(t, 0, conn.ActiveTransactionID)

	recovered := f.notifier.byType(events.EventTypeAnomalyRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, "force_stopped", recovered[0].(*events.AnomalyRecoveredEvent).Outcome)
}

// TestRecoverGhost_MeterStopSaturatesAtCeiling 强制停止读数在表值上限处饱和而非回绕
func TestRecoverGhost_MeterStopSaturatesAtCeiling(t *testing.T) {
	cases := []struct {
		name      string
		lastValue float64
	}{
		{"last value at ceiling", float64(math.MaxInt32)},
		{"last value beyond ceiling", float64(math.MaxInt32) + 4096},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			st := newTestStation(ocpp.V16, true, 1)
			ctx := context.Background()

			tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
			require.NoError(t, err)

			conn, _ := st.ConnectorByID(1)
			energy := sess.NewMeterSample(t0.Add(time.Minute), 1, tx.ID, tc.lastValue)
			require.NoError(t, f.lifecycle.Update(ctx, st, conn, []sess.MeterSample{energy}))

			require.NoError(t, f.lifecycle.RecoverGhost(ctx, st, conn, t0.Add(time.Hour)))

			stopped, err := f.store.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)
			require.NotNil(t, stopped.Stop)
			assert.Equal(t, math.MaxInt32, stopped.Stop.MeterStop)

			recovered := f.notifier.byType(events.EventTypeAnomalyRecovered)
			require.Len(t, recovered, 1)
			assert.Equal(t, "force_stopped", recovered[0].(*events.AnomalyRecoveredEvent).Outcome)
		})
	}
}

// TestRegisterRemoteStop_StoppedTransactionRejected 已停止交易不接受远程停止归属
func TestRegisterRemoteStop_StoppedTransactionRejected(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	tx, err := f.lifecycle.Start(ctx, st, startRequest(1, 1000, "TAG-A", t0))
	require.NoError(t, err)
	_, err = f.lifecycle.Stop(ctx, st, stopRequest(tx.ID, 1500, "", t0.Add(time.Hour)))
	require.NoError(t, err)

	err = f.lifecycle.RegisterRemoteStop(ctx, tx.ID, "ADMIN", t0.Add(2*time.Hour))
	require.Error(t, err)
	assert.True(t, sess.IsStateConflict(err))
}

// TestAuthorize_PersistsOutcome 授权记录直通留存
func TestAuthorize_PersistsOutcome(t *testing.T) {
	f := newFixture(t)
	st := newTestStation(ocpp.V16, true, 1)
	ctx := context.Background()

	accepted, err := f.lifecycle.Authorize(ctx, st, "TAG-A")
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)
	assert.Equal(t, "user-a", accepted.UserID)

	rejected, err := f.lifecycle.Authorize(ctx, st, "BLOCKED")
	require.NoError(t, err)
	assert.False(t, rejected.Accepted)

	require.Len(t, f.store.auths, 2)
}
