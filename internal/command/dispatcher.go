package command

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/metrics"
	"github.com/charging-platform/csms-core/internal/station"
)

// CallClient 绑定到单个充电站的请求应答传输客户端
// 超时与重试策略属于传输层，本层不重试
type CallClient interface {
	Call(ctx context.Context, action string, request, response interface{}) error
}

// ClientResolver 按充电站的协议代际与端点解析传输客户端
type ClientResolver interface {
	ClientFor(ctx context.Context, st *station.Station) (CallClient, error)
}

// RemoteStopRecorder 远程停止归属记录协作方，由会话生命周期管理器实现
type RemoteStopRecorder interface {
	RegisterRemoteStop(ctx context.Context, transactionID int, tagID string, at time.Time) error
}

// TaskScheduler 把任务排入充电站专属工作队列的协作方，由站点注册表实现
// 经队列执行的任务与该站入站消息共用同一工作协程，聚合只有一个写者
type TaskScheduler interface {
	Schedule(stationID string, delay time.Duration, fn func(ctx context.Context)) error
}

// Dispatcher 下行指令分发器
// 每次指令尝试与其结构化结果都会被记录，包括失败；传输错误原样返回给操作方
type Dispatcher struct {
	resolver ClientResolver
	recorder RemoteStopRecorder
	store    station.Store
	sched    TaskScheduler
	validate *validator.Validate
	logger   *logger.Logger
}

// NewDispatcher 创建指令分发器
// recorder与store可为nil：远程停止归属与配置快照持久化按需装配
func NewDispatcher(resolver ClientResolver, recorder RemoteStopRecorder, store station.Store, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		recorder: recorder,
		store:    store,
		validate: validator.New(),
		logger:   log.WithComponent("command-dispatcher"),
	}
}

// BindScheduler 绑定站点任务调度器
// 分发器先于注册表构建，调度器在注册表就绪后回填
func (d *Dispatcher) BindScheduler(sched TaskScheduler) {
	d.sched = sched
}

// call 发送一条指令并等待结构化应答
func (d *Dispatcher) call(ctx context.Context, st *station.Station, action string, request, response interface{}) error {
	if err := d.validate.Struct(request); err != nil {
		metrics.CommandAttempts.WithLabelValues(action, "invalid").Inc()
		return fmt.Errorf("invalid %s request: %w", action, err)
	}

	client, err := d.resolver.ClientFor(ctx, st)
	if err != nil {
		metrics.CommandAttempts.WithLabelValues(action, "no_client").Inc()
		return fmt.Errorf("no transport client for station %s: %w", st.ID, err)
	}

	d.logger.Infof("station %s: sending %s %+v", st.ID, action, request)
	if err := client.Call(ctx, action, request, response); err != nil {
		metrics.CommandAttempts.WithLabelValues(action, "error").Inc()
		d.logger.Errorf("station %s: %s failed: %v", st.ID, action, err)
		return err
	}

	metrics.CommandAttempts.WithLabelValues(action, "ok").Inc()
	d.logger.Infof("station %s: %s answered %+v", st.ID, action, response)
	return nil
}

// Reset 重置充电站
func (d *Dispatcher) Reset(ctx context.Context, st *station.Station, req *ocpp.ResetRequest) (*ocpp.ResetResponse, error) {
	var resp ocpp.ResetResponse
	if err := d.call(ctx, st, "Reset", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearCache 清除授权缓存
func (d *Dispatcher) ClearCache(ctx context.Context, st *station.Station) (*ocpp.ClearCacheResponse, error) {
	var resp ocpp.ClearCacheResponse
	if err := d.call(ctx, st, "ClearCache", &ocpp.ClearCacheRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConfiguration 读取配置
func (d *Dispatcher) GetConfiguration(ctx context.Context, st *station.Station, req *ocpp.GetConfigurationRequest) (*ocpp.GetConfigurationResponse, error) {
	var resp ocpp.GetConfigurationResponse
	if err := d.call(ctx, st, "GetConfiguration", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangeConfiguration 改写配置
// 成功后异步刷新本地配置快照，保证缓存不偏离设备已确认的状态
func (d *Dispatcher) ChangeConfiguration(ctx context.Context, st *station.Station, req *ocpp.ChangeConfigurationRequest) (*ocpp.ChangeConfigurationResponse, error) {
	var resp ocpp.ChangeConfigurationResponse
	if err := d.call(ctx, st, "ChangeConfiguration", req, &resp); err != nil {
		return nil, err
	}

	if resp.Status == ocpp.ConfigurationStatusAccepted || resp.Status == ocpp.ConfigurationStatusRebootRequired {
		d.scheduleRefresh(st)
	}
	return &resp, nil
}

// scheduleRefresh 把配置快照刷新排入该站的工作队列
// 聚合改写只在站点工作协程上发生；未绑定调度器时退化为后台协程
func (d *Dispatcher) scheduleRefresh(st *station.Station) {
	if d.sched != nil {
		err := d.sched.Schedule(st.ID, 0, func(ctx context.Context) {
			d.refreshConfiguration(ctx, st)
		})
		if err == nil {
			return
		}
		d.logger.Warnf("station %s: failed to schedule configuration refresh: %v", st.ID, err)
	}
	go d.refreshConfiguration(context.Background(), st)
}

// refreshConfiguration 拉取并持久化完整配置快照
func (d *Dispatcher) refreshConfiguration(ctx context.Context, st *station.Station) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := d.PullConfiguration(ctx, st); err != nil {
		d.logger.Warnf("station %s: configuration refresh failed: %v", st.ID, err)
		return
	}
	if d.store == nil {
		return
	}
	if err := d.store.SaveStation(ctx, st); err != nil {
		d.logger.Warnf("station %s: failed to persist configuration snapshot: %v", st.ID, err)
	}
}

// PullConfiguration 全量拉取配置快照到充电站聚合
func (d *Dispatcher) PullConfiguration(ctx context.Context, st *station.Station) error {
	resp, err := d.GetConfiguration(ctx, st, &ocpp.GetConfigurationRequest{})
	if err != nil {
		return err
	}
	st.Configuration = resp.ConfigurationKey
	d.logger.Infof("station %s: configuration snapshot refreshed, %d keys", st.ID, len(resp.ConfigurationKey))
	return nil
}

// UnlockConnector 解锁连接器
func (d *Dispatcher) UnlockConnector(ctx context.Context, st *station.Station, req *ocpp.UnlockConnectorRequest) (*ocpp.UnlockConnectorResponse, error) {
	var resp ocpp.UnlockConnectorResponse
	if err := d.call(ctx, st, "UnlockConnector", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoteStartTransaction 远程开始交易
func (d *Dispatcher) RemoteStartTransaction(ctx context.Context, st *station.Station, req *ocpp.RemoteStartTransactionRequest) (*ocpp.RemoteStartTransactionResponse, error) {
	var resp ocpp.RemoteStartTransactionResponse
	if err := d.call(ctx, st, "RemoteStartTransaction", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoteStopTransaction 远程停止交易
// 设备接受后记录发起标签与时刻：窗口内随后到达的停止消息归属到该标签
func (d *Dispatcher) RemoteStopTransaction(ctx context.Context, st *station.Station, req *ocpp.RemoteStopTransactionRequest, issuerTag string) (*ocpp.RemoteStopTransactionResponse, error) {
	var resp ocpp.RemoteStopTransactionResponse
	if err := d.call(ctx, st, "RemoteStopTransaction", req, &resp); err != nil {
		return nil, err
	}

	if resp.Status == ocpp.RemoteStartStopStatusAccepted && d.recorder != nil && issuerTag != "" {
		if err := d.recorder.RegisterRemoteStop(ctx, req.TransactionId, issuerTag, time.Now().UTC()); err != nil {
			d.logger.Warnf("station %s: failed to record remote stop attribution for transaction %d: %v",
				st.ID, req.TransactionId, err)
		}
	}
	return &resp, nil
}

// SetChargingProfile 设置充电曲线
func (d *Dispatcher) SetChargingProfile(ctx context.Context, st *station.Station, req *ocpp.SetChargingProfileRequest) (*ocpp.SetChargingProfileResponse, error) {
	var resp ocpp.SetChargingProfileResponse
	if err := d.call(ctx, st, "SetChargingProfile", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearChargingProfile 清除充电曲线
func (d *Dispatcher) ClearChargingProfile(ctx context.Context, st *station.Station, req *ocpp.ClearChargingProfileRequest) (*ocpp.ClearChargingProfileResponse, error) {
	var resp ocpp.ClearChargingProfileResponse
	if err := d.call(ctx, st, "ClearChargingProfile", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCompositeSchedule 获取复合充电计划
func (d *Dispatcher) GetCompositeSchedule(ctx context.Context, st *station.Station, req *ocpp.GetCompositeScheduleRequest) (*ocpp.GetCompositeScheduleResponse, error) {
	var resp ocpp.GetCompositeScheduleResponse
	if err := d.call(ctx, st, "GetCompositeSchedule", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDiagnostics 请求上传诊断文件
func (d *Dispatcher) GetDiagnostics(ctx context.Context, st *station.Station, req *ocpp.GetDiagnosticsRequest) (*ocpp.GetDiagnosticsResponse, error) {
	var resp ocpp.GetDiagnosticsResponse
	if err := d.call(ctx, st, "GetDiagnostics", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateFirmware 下发固件更新
func (d *Dispatcher) UpdateFirmware(ctx context.Context, st *station.Station, req *ocpp.UpdateFirmwareRequest) (*ocpp.UpdateFirmwareResponse, error) {
	var resp ocpp.UpdateFirmwareResponse
	if err := d.call(ctx, st, "UpdateFirmware", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangeAvailability 改变连接器可用性
func (d *Dispatcher) ChangeAvailability(ctx context.Context, st *station.Station, req *ocpp.ChangeAvailabilityRequest) (*ocpp.ChangeAvailabilityResponse, error) {
	var resp ocpp.ChangeAvailabilityResponse
	if err := d.call(ctx, st, "ChangeAvailability", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DataTransfer 厂商扩展指令直通
func (d *Dispatcher) DataTransfer(ctx context.Context, st *station.Station, req *ocpp.DataTransferRequest) (*ocpp.DataTransferResponse, error) {
	var resp ocpp.DataTransferResponse
	if err := d.call(ctx, st, "DataTransfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
