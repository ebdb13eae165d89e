package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/csms-core/internal/command"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/station"
)

// Resolver 按充电站缓存传输客户端
// 连接断开后下一次解析会重新拨号
type Resolver struct {
	timeout time.Duration
	logger  *logger.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewResolver 创建客户端解析器
func NewResolver(timeout time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		timeout: timeout,
		logger:  log,
		clients: make(map[string]*Client),
	}
}

// ClientFor 解析绑定到充电站协议代际与端点的客户端
func (r *Resolver) ClientFor(ctx context.Context, st *station.Station) (command.CallClient, error) {
	if st.Endpoint == "" {
		return nil, fmt.Errorf("station %s has no command endpoint", st.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[st.ID]; ok {
		select {
		case <-c.closed:
			delete(r.clients, st.ID)
		default:
			return c, nil
		}
	}

	c, err := Dial(ctx, st.ID, st.Endpoint, st.ProtocolVersion, r.timeout, r.logger)
	if err != nil {
		return nil, err
	}
	r.clients[st.ID] = c
	return c, nil
}

// Close 关闭全部缓存连接
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Warnf("failed to close client for station %s: %v", id, err)
		}
		delete(r.clients, id)
	}
}
