package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/domain/events"
	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/metrics"
	"github.com/charging-platform/csms-core/internal/station"
)

// 电表寄存器按32位Wh计数器建模，强制停止时加一个单位需在此饱和
const maxMeterValueWh = math.MaxInt32

// Lifecycle 充电会话生命周期管理器
// 状态机：Starting -> Active -> Stopping -> Stopped，停止后不再回到Active。
// 所有方法都由充电站工作协程串行调用，检查再行动无需额外加锁
type Lifecycle struct {
	config   *config.SessionConfig
	auth     Authorizer
	txs      TransactionStore
	stations station.Store
	pricer   Pricer
	notifier station.Notifier
	sites    SiteResolver
	tenantID string
	logger   *logger.Logger
}

// NewLifecycle 创建会话生命周期管理器
// sites可为nil：组织能力未启用时不解析站点
func NewLifecycle(cfg *config.SessionConfig, auth Authorizer, txs TransactionStore,
	stations station.Store, pricer Pricer, notifier station.Notifier,
	sites SiteResolver, tenantID string, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		config:   cfg,
		auth:     auth,
		txs:      txs,
		stations: stations,
		pricer:   pricer,
		notifier: notifier,
		sites:    sites,
		tenantID: tenantID,
		logger:   log.WithComponent("session-lifecycle"),
	}
}

// Authorize 解析授权标签并留存授权记录
func (l *Lifecycle) Authorize(ctx context.Context, st *station.Station, tagID string) (*sess.Authorization, error) {
	identity, err := l.auth.Authorize(ctx, st.ID, tagID, IntentStart)
	if err != nil && err != ErrNotAuthorized {
		return nil, sess.WrapCollaborator("authorization", err)
	}

	record := &sess.Authorization{
		StationID: st.ID,
		TagID:     tagID,
		Timestamp: time.Now().UTC(),
		Accepted:  err == nil && identity != nil,
	}
	if identity != nil {
		record.UserID = identity.UserID
	}
	if err := l.stations.SaveAuthorization(ctx, record); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	return record, nil
}

// Start 开始一笔交易
// 同一连接器上遗留的活跃交易先被清扫，绝不允许两笔并发活跃交易
func (l *Lifecycle) Start(ctx context.Context, st *station.Station, req *ocpp.StartTransactionRequest) (*sess.Transaction, error) {
	conn, ok := st.ConnectorByID(req.ConnectorId)
	if !ok {
		return nil, sess.NewStateConflictError("connector",
			fmt.Sprintf("connector %d does not exist on station %s", req.ConnectorId, st.ID))
	}

	// 解析身份：授权为空时允许匿名会话，是否放行由外部策略决定
	var identity *Identity
	if req.IdTag != "" {
		resolved, err := l.auth.Authorize(ctx, st.ID, req.IdTag, IntentStart)
		if err == ErrNotAuthorized {
			l.logger.Warnf("station %s: tag %s not authorized to start, continuing anonymously",
				st.ID, req.IdTag)
		} else if err != nil {
			return nil, sess.WrapCollaborator("authorization", err)
		} else {
			identity = resolved
		}
	}

	// 清扫崩溃或重启遗留的悬挂交易
	if dangling, err := l.txs.GetActiveTransactionByConnector(ctx, st.ID, conn.ID); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	} else if dangling != nil {
		l.logger.Warnf("station %s connector %d: sweeping dangling transaction %d before start",
			st.ID, conn.ID, dangling.ID)
		if err := l.reconcile(ctx, st, conn, dangling, req.Timestamp.Time); err != nil {
			return nil, err
		}
	}

	id, err := l.txs.NextTransactionID(ctx)
	if err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}

	tx := &sess.Transaction{
		ID:               id,
		StationID:        st.ID,
		ConnectorID:      conn.ID,
		TagID:            req.IdTag,
		StartTime:        req.Timestamp.Time,
		MeterStart:       *req.MeterStart,
		State:            sess.StateActive,
		LastMeterValueWh: float64(*req.MeterStart),
		LastSampleTime:   req.Timestamp.Time,
	}
	if identity != nil {
		tx.UserID = identity.UserID
	}

	if l.config.OrganizationsEnabled && st.SiteAreaID != "" && l.sites != nil {
		siteID, err := l.sites.ResolveSite(ctx, st.SiteAreaID)
		if err != nil {
			return nil, sess.WrapCollaborator("site-resolver", err)
		}
		tx.SiteAreaID = st.SiteAreaID
		tx.SiteID = siteID
	}

	if err := l.txs.SaveTransaction(ctx, tx); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}

	conn.ClearSessionCounters()
	conn.ActiveTransactionID = tx.ID
	if err := l.stations.SaveConnector(ctx, st.ID, conn); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}

	// 不支持并行充电的站点：锁定其余可用连接器
	if !st.CanChargeInParallel {
		l.lockSiblings(ctx, st, conn.ID)
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	l.logger.Infof("station %s connector %d: transaction %d started by tag %q",
		st.ID, conn.ID, tx.ID, tx.TagID)

	l.notify(ctx, &events.SessionStartedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeSessionStarted, st.ID,
			events.EventSeverityInfo, l.eventMetadata(st)),
		TransactionID: tx.ID,
		ConnectorID:   conn.ID,
		TagID:         tx.TagID,
		UserID:        tx.UserID,
	})
	return tx, nil
}

// Update 将规范化样本按序应用到活跃会话
func (l *Lifecycle) Update(ctx context.Context, st *station.Station, conn *station.Connector, samples []sess.MeterSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := l.txs.GetTransaction(ctx, samples[0].TransactionID)
	if err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	if tx == nil {
		return sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d does not exist", samples[0].TransactionID))
	}
	if !tx.IsActive() {
		return sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d is already stopped", tx.ID))
	}

	for i := range samples {
		sample := &samples[i]
		if err := l.txs.SaveMeterSample(ctx, sample); err != nil {
			return sess.WrapCollaborator("persistence", err)
		}
		l.applySample(tx, sample)
	}

	conn.CurrentConsumptionWh = tx.CurrentConsumptionWh
	conn.CurrentStateOfCharge = tx.CurrentStateOfCharge
	conn.CurrentInactivitySecs = tx.CurrentInactivitySecs

	quote, err := l.pricer.Price(ctx, tx)
	if err != nil {
		return sess.WrapCollaborator("pricing", err)
	}
	tx.CurrentPrice = quote.Amount
	tx.CumulatedPrice = quote.CumulatedAmount
	tx.Currency = quote.Currency

	l.evaluateTriggers(ctx, st, tx)

	if err := l.txs.SaveTransaction(ctx, tx); err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	if err := l.stations.SaveConnector(ctx, st.ID, conn); err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	return nil
}

// applySample 应用单条样本到会话运行计数
func (l *Lifecycle) applySample(tx *sess.Transaction, sample *sess.MeterSample) {
	switch {
	case sample.IsEnergy():
		value := sample.WattHours()
		delta := value - tx.LastMeterValueWh
		if delta < 0 {
			// 电表回绕或乱序读数，忽略负增量
			delta = 0
		}
		tx.CurrentConsumptionWh = delta
		tx.CumulatedConsumptionWh += delta
		if delta == 0 && !tx.LastSampleTime.IsZero() && sample.Timestamp.After(tx.LastSampleTime) {
			tx.CurrentInactivitySecs += int64(sample.Timestamp.Sub(tx.LastSampleTime).Seconds())
		}
		tx.LastMeterValueWh = value
		tx.LastSampleTime = sample.Timestamp
	case sample.IsSoC():
		tx.CurrentStateOfCharge = int(sample.Value)
	}
}

// evaluateTriggers 评估阈值通知触发器，每个触发器每笔交易至多发送一次
func (l *Lifecycle) evaluateTriggers(ctx context.Context, st *station.Station, tx *sess.Transaction) {
	inactivityLimit := int64(l.config.EndOfChargeInactivity.Seconds())
	endOfCharge := tx.CurrentInactivitySecs >= inactivityLimit ||
		(tx.CurrentStateOfCharge > 0 && tx.CurrentStateOfCharge >= l.config.EndOfChargeSoC)

	if endOfCharge && !tx.EndOfChargeSent {
		tx.EndOfChargeSent = true
		l.notify(ctx, &events.EndOfChargeEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeEndOfCharge, st.ID,
				events.EventSeverityInfo, l.eventMetadata(st)),
			TransactionID:  tx.ID,
			ConnectorID:    tx.ConnectorID,
			StateOfCharge:  tx.CurrentStateOfCharge,
			InactivitySecs: tx.CurrentInactivitySecs,
		})
		return
	}

	if tx.CurrentStateOfCharge >= l.config.ApproachingFullSoC &&
		tx.CurrentStateOfCharge > 0 && !tx.ApproachingFullSent && !tx.EndOfChargeSent {
		tx.ApproachingFullSent = true
		l.notify(ctx, &events.ApproachingFullChargeEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeApproachingFullCharge, st.ID,
				events.EventSeverityInfo, l.eventMetadata(st)),
			TransactionID: tx.ID,
			ConnectorID:   tx.ConnectorID,
			StateOfCharge: tx.CurrentStateOfCharge,
		})
	}
}

// Stop 停止一笔交易
// 停止标签按严格优先级解析：窗口内的远程停止标签 > 显式停止标签 > 起始标签
func (l *Lifecycle) Stop(ctx context.Context, st *station.Station, req *ocpp.StopTransactionRequest) (*sess.Transaction, error) {
	tx, err := l.txs.GetTransaction(ctx, req.TransactionId)
	if err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}
	if tx == nil {
		return nil, sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d does not exist", req.TransactionId))
	}
	if !tx.IsActive() {
		return nil, sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d is already stopped", tx.ID))
	}

	stopTime := req.Timestamp.Time
	reason := ocpp.ReasonLocal
	if req.Reason != nil {
		reason = *req.Reason
	}

	stopTag := tx.TagID
	switch {
	case tx.RemoteStopWithin(l.config.RemoteStopWindow, stopTime):
		stopTag = tx.RemoteStopTagID
		reason = ocpp.ReasonRemote
	case req.IdTag != nil && *req.IdTag != "":
		stopTag = *req.IdTag
	}

	stopUserID := tx.UserID
	if stopTag != tx.TagID {
		identity, err := l.auth.Authorize(ctx, st.ID, stopTag, IntentStop)
		if err == ErrNotAuthorized || (err == nil && identity == nil) {
			return nil, &sess.AuthorizationError{StationID: st.ID, TagID: stopTag, OwnerTag: tx.TagID}
		}
		if err != nil {
			return nil, sess.WrapCollaborator("authorization", err)
		}
		if !identity.Admin && !l.config.AllowCrossUserStop {
			return nil, &sess.AuthorizationError{StationID: st.ID, TagID: stopTag, OwnerTag: tx.TagID}
		}
		stopUserID = identity.UserID
	}

	tx.State = sess.StateStopping

	totalConsumption := float64(*req.MeterStop - tx.MeterStart)
	if totalConsumption < 0 {
		totalConsumption = 0
	}
	tx.CumulatedConsumptionWh = totalConsumption

	stop := &sess.TransactionStop{
		Timestamp:           stopTime,
		MeterStop:           *req.MeterStop,
		TagID:               stopTag,
		UserID:              stopUserID,
		TotalConsumptionWh:  totalConsumption,
		TotalDurationSecs:   int64(stopTime.Sub(tx.StartTime).Seconds()),
		TotalInactivitySecs: tx.CurrentInactivitySecs,
		Reason:              reason,
	}

	if quote, err := l.pricer.Price(ctx, tx); err != nil {
		return nil, sess.WrapCollaborator("pricing", err)
	} else {
		stop.Price = quote.CumulatedAmount
		stop.Currency = quote.Currency
	}

	tx.Stop = stop
	tx.State = sess.StateStopped
	if err := l.txs.SaveTransaction(ctx, tx); err != nil {
		return nil, sess.WrapCollaborator("persistence", err)
	}

	if conn, ok := st.ConnectorByID(tx.ConnectorID); ok {
		if err := l.freeConnector(ctx, st, conn); err != nil {
			// 释放是幂等的，局部失败不回滚已停止的交易
			l.logger.Errorf("failed to free connector %d after stop: %v", tx.ConnectorID, err)
		}
	}

	metrics.SessionsStopped.WithLabelValues(string(reason)).Inc()
	metrics.ActiveSessions.Dec()
	l.logger.Infof("station %s connector %d: transaction %d stopped by tag %q, %.0fWh in %ds",
		st.ID, tx.ConnectorID, tx.ID, stopTag, totalConsumption, stop.TotalDurationSecs)

	l.notify(ctx, &events.SessionStoppedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeSessionStopped, st.ID,
			events.EventSeverityInfo, l.eventMetadata(st)),
		TransactionID:       tx.ID,
		ConnectorID:         tx.ConnectorID,
		TagID:               stopTag,
		TotalConsumptionWh:  stop.TotalConsumptionWh,
		TotalDurationSecs:   stop.TotalDurationSecs,
		TotalInactivitySecs: stop.TotalInactivitySecs,
		Price:               stop.Price,
		Currency:            stop.Currency,
	})
	return tx, nil
}

// RecoverGhost 幽灵交易自愈
// 设备报告连接器空闲但仍有绑定交易：零消耗删除，否则强制停止；自愈不是失败
func (l *Lifecycle) RecoverGhost(ctx context.Context, st *station.Station, conn *station.Connector, at time.Time) error {
	tx, err := l.txs.GetTransaction(ctx, conn.ActiveTransactionID)
	if err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	if tx == nil || !tx.IsActive() {
		// 绑定已经陈旧，只需释放连接器
		return l.freeConnector(ctx, st, conn)
	}
	return l.reconcile(ctx, st, conn, tx, at)
}

// RegisterRemoteStop 记录远程停止指令的归属标签与时刻
// 后续窗口内到达的停止消息将把会话归属到该标签
func (l *Lifecycle) RegisterRemoteStop(ctx context.Context, transactionID int, tagID string, at time.Time) error {
	tx, err := l.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	if tx == nil {
		return sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d does not exist", transactionID))
	}
	if !tx.IsActive() {
		return sess.NewStateConflictError("transaction",
			fmt.Sprintf("transaction %d is already stopped", transactionID))
	}
	tx.RemoteStopTagID = tagID
	tx.RemoteStopTime = at
	if err := l.txs.SaveTransaction(ctx, tx); err != nil {
		return sess.WrapCollaborator("persistence", err)
	}
	return nil
}

// reconcile 清理幽灵或悬挂交易：零消耗删除，否则按最后读数加一个单位强制停止
func (l *Lifecycle) reconcile(ctx context.Context, st *station.Station, conn *station.Connector, tx *sess.Transaction, at time.Time) error {
	outcome := "force_stopped"
	if !tx.HasConsumption() {
		if err := l.txs.DeleteTransaction(ctx, tx.ID); err != nil {
			return sess.WrapCollaborator("persistence", err)
		}
		outcome = "deleted"
		l.logger.Warnf("station %s connector %d: ghost transaction %d had no consumption, deleted",
			st.ID, conn.ID, tx.ID)
	} else {
		// 最后读数加一个单位，避免零长度的收尾区间
		meterStop := int(tx.LastMeterValueWh) + 1
		if tx.LastMeterValueWh >= maxMeterValueWh {
			meterStop = maxMeterValueWh
		}
		tx.State = sess.StateStopping
		stop := &sess.TransactionStop{
			Timestamp:           at,
			MeterStop:           meterStop,
			TagID:               tx.TagID,
			UserID:              tx.UserID,
			TotalConsumptionWh:  tx.CumulatedConsumptionWh,
			TotalDurationSecs:   int64(at.Sub(tx.StartTime).Seconds()),
			TotalInactivitySecs: tx.CurrentInactivitySecs,
			Reason:              ocpp.ReasonOther,
		}
		if quote, err := l.pricer.Price(ctx, tx); err != nil {
			l.logger.Warnf("pricing failed during ghost recovery of transaction %d: %v", tx.ID, err)
		} else {
			stop.Price = quote.CumulatedAmount
			stop.Currency = quote.Currency
		}
		tx.Stop = stop
		tx.State = sess.StateStopped
		if err := l.txs.SaveTransaction(ctx, tx); err != nil {
			return sess.WrapCollaborator("persistence", err)
		}
		metrics.SessionsStopped.WithLabelValues(string(ocpp.ReasonOther)).Inc()
		metrics.ActiveSessions.Dec()
		l.logger.Warnf("station %s connector %d: ghost transaction %d force-stopped at %dWh",
			st.ID, conn.ID, tx.ID, meterStop)
	}

	if err := l.freeConnector(ctx, st, conn); err != nil {
		return err
	}

	metrics.GhostRecoveries.WithLabelValues(outcome).Inc()
	l.notify(ctx, &events.AnomalyRecoveredEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeAnomalyRecovered, st.ID,
			events.EventSeverityWarning, l.eventMetadata(st)),
		TransactionID: tx.ID,
		ConnectorID:   conn.ID,
		Outcome:       outcome,
	})
	return nil
}

// freeConnector 释放连接器，幂等可重复
// 不支持并行充电的站点：其余处于锁定态的连接器逐个恢复可用并单独持久化，
// 局部失败时站点仍可重查重试，而非全有全无
func (l *Lifecycle) freeConnector(ctx context.Context, st *station.Station, conn *station.Connector) error {
	conn.ClearSessionCounters()
	if err := l.stations.SaveConnector(ctx, st.ID, conn); err != nil {
		return sess.WrapCollaborator("persistence", err)
	}

	if st.CanChargeInParallel {
		return nil
	}
	var lastErr error
	for _, sibling := range st.Connectors {
		if sibling.ID == conn.ID || !station.IsLockedStatus(sibling.Status) {
			continue
		}
		sibling.Status = ocpp.StatusAvailable
		sibling.ErrorCode = ocpp.ErrorCodeNoError
		if err := l.stations.SaveConnector(ctx, st.ID, sibling); err != nil {
			l.logger.Errorf("failed to unlock connector %d on station %s: %v", sibling.ID, st.ID, err)
			lastErr = err
		}
	}
	if lastErr != nil {
		return sess.WrapCollaborator("persistence", lastErr)
	}
	return nil
}

// lockSiblings 锁定其余可用连接器，逐个持久化
func (l *Lifecycle) lockSiblings(ctx context.Context, st *station.Station, activeConnectorID int) {
	locked := st.LockedStatus()
	for _, sibling := range st.Connectors {
		if sibling.ID == activeConnectorID || sibling.Status != ocpp.StatusAvailable {
			continue
		}
		sibling.Status = locked
		if err := l.stations.SaveConnector(ctx, st.ID, sibling); err != nil {
			l.logger.Errorf("failed to lock connector %d on station %s: %v", sibling.ID, st.ID, err)
		}
	}
}

// notify 发后即忘的事件通知
func (l *Lifecycle) notify(ctx context.Context, event events.Event) {
	if err := l.notifier.Notify(ctx, event); err != nil {
		l.logger.Warnf("failed to notify %s: %v", event.GetType(), err)
	}
}

func (l *Lifecycle) eventMetadata(st *station.Station) events.Metadata {
	return events.Metadata{
		Source:          "csms-core",
		TenantID:        l.tenantID,
		ProtocolVersion: string(st.ProtocolVersion),
	}
}
