package station

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/metrics"
)

// RegistryConfig 工作协程注册表配置
type RegistryConfig struct {
	// QueueSize 每站入站队列长度
	QueueSize int
	// DrainTimeout 停机时等待工作协程退出的时限
	DrainTimeout time.Duration
}

// DefaultRegistryConfig 默认配置
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		QueueSize:    256,
		DrainTimeout: 10 * time.Second,
	}
}

// Registry 充电站工作协程注册表
// 每站一个工作协程，站内消息严格按到达顺序串行处理，站间完全并行；
// 慢协作方只会拖住自己站的队列，不影响其他站
type Registry struct {
	config  *RegistryConfig
	deps    HandlerDeps
	workers map[string]*worker
	mu      sync.RWMutex
	logger  *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRegistry 创建注册表
func NewRegistry(config *RegistryConfig, deps HandlerDeps) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	return &Registry{
		config:  config,
		deps:    deps,
		workers: make(map[string]*worker),
		logger:  deps.Logger.WithComponent("station-registry"),
	}
}

// Start 启动注册表
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("station registry already started")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true
	r.logger.Info("station registry started")
	return nil
}

// Stop 停机：不再接收新消息，等待在途消息处理完毕
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("station registry stopped")
		return nil
	case <-time.After(r.config.DrainTimeout):
		return fmt.Errorf("station registry drain timed out after %s", r.config.DrainTimeout)
	}
}

// Deliver 投递一条入站消息并等待处理结果
// 同站消息经同一队列保证处理顺序与到达顺序一致
func (r *Registry) Deliver(ctx context.Context, env *Envelope) (interface{}, error) {
	w, err := r.workerFor(env.StationID)
	if err != nil {
		return nil, err
	}

	reply := make(chan jobResult, 1)
	j := job{env: env, reply: reply}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, fmt.Errorf("station registry is shutting down")
	}

	select {
	case res := <-reply:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Schedule 延迟任务排入指定充电站的工作队列
// 任务与该站入站消息在同一工作协程上串行执行，维持单写者约束
func (r *Registry) Schedule(stationID string, delay time.Duration, fn func(ctx context.Context)) error {
	w, err := r.workerFor(stationID)
	if err != nil {
		return err
	}
	w.After(delay, fn)
	return nil
}

// WorkerCount 当前工作协程数量
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// workerFor 取或建充电站工作协程
func (r *Registry) workerFor(stationID string) (*worker, error) {
	if stationID == "" {
		return nil, fmt.Errorf("empty station id")
	}

	r.mu.RLock()
	w, ok := r.workers[stationID]
	started := r.started
	r.mu.RUnlock()
	if ok {
		return w, nil
	}
	if !started {
		return nil, fmt.Errorf("station registry not started")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.workers[stationID]; ok {
		return w, nil
	}
	// 写锁下复核运行状态：并发Stop可能已在读锁放开后关停注册表
	if !r.started {
		return nil, fmt.Errorf("station registry not started")
	}

	w = &worker{
		stationID: stationID,
		jobs:      make(chan job, r.config.QueueSize),
		registry:  r,
		logger:    r.logger.WithStation(stationID),
	}
	w.handler = NewHandler(stationID, r.deps, w)
	r.workers[stationID] = w

	r.wg.Add(1)
	go w.run(r.ctx, &r.wg)
	r.logger.Debugf("spawned worker for station %s", stationID)
	return w, nil
}

// job 队列中的一个工作单元：入站消息或延迟任务
type job struct {
	env      *Envelope
	deferred func(ctx context.Context)
	reply    chan jobResult
}

type jobResult struct {
	payload interface{}
	err     error
}

// worker 单个充电站的工作协程
type worker struct {
	stationID string
	jobs      chan job
	handler   *Handler
	registry  *Registry
	logger    *logger.Logger
}

// run 工作循环
func (w *worker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			w.process(ctx, j)
		}
	}
}

// process 处理一个工作单元
func (w *worker) process(ctx context.Context, j job) {
	if j.deferred != nil {
		j.deferred(ctx)
		return
	}

	start := time.Now()
	metrics.InboundMessages.WithLabelValues(string(j.env.ProtocolVersion), j.env.Action).Inc()

	payload, err := w.handler.Handle(ctx, j.env)
	if err != nil {
		w.logger.Warnf("message %s rejected: %v", j.env.Action, err)
	}

	metrics.MessageProcessingDuration.WithLabelValues(j.env.Action).Observe(time.Since(start).Seconds())
	if j.reply != nil {
		j.reply <- jobResult{payload: payload, err: err}
	}
}

// After 延迟任务入队：到期后经本站队列执行，保持与入站消息相同的顺序保证
func (w *worker) After(delay time.Duration, fn func(ctx context.Context)) {
	time.AfterFunc(delay, func() {
		select {
		case w.jobs <- job{deferred: fn}:
		case <-w.registry.ctx.Done():
		default:
			w.logger.Warn("deferred task dropped: station queue is full")
		}
	})
}
