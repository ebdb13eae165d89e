package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	"github.com/charging-platform/csms-core/internal/logger"
)

// OCPP-J帧类型
const (
	messageTypeCall       = 2
	messageTypeCallResult = 3
	messageTypeCallError  = 4
)

// CallError 设备返回的协议级错误帧
type CallError struct {
	Code        string
	Description string
}

// Error 实现error接口
func (e *CallError) Error() string {
	return fmt.Sprintf("call error %s: %s", e.Code, e.Description)
}

// Client 单个充电站的websocket请求应答客户端
// 出站帧按消息ID与入站应答帧关联，同一连接上的并发调用互不串扰
type Client struct {
	stationID   string
	endpoint    string
	subprotocol string
	conn        *websocket.Conn
	timeout     time.Duration
	logger      *logger.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callOutcome

	closeOnce sync.Once
	closed    chan struct{}
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// Dial 建立到充电站端点的连接并启动读循环
func Dial(ctx context.Context, stationID, endpoint string, version ocpp.ProtocolVersion, timeout time.Duration, log *logger.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{version.Subprotocol()},
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	c := &Client{
		stationID:   stationID,
		endpoint:    endpoint,
		subprotocol: version.Subprotocol(),
		conn:        conn,
		timeout:     timeout,
		logger:      log.WithComponent("transport").WithStation(stationID),
		pending:     make(map[string]chan callOutcome),
		closed:      make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Call 发送一条指令并等待对应的应答帧
func (c *Client) Call(ctx context.Context, action string, request, response interface{}) error {
	messageID := uuid.New().String()
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", action, err)
	}
	frame, err := json.Marshal([]interface{}{messageTypeCall, messageID, action, json.RawMessage(payload)})
	if err != nil {
		return fmt.Errorf("failed to marshal call frame: %w", err)
	}

	outcome := make(chan callOutcome, 1)
	c.pendingMu.Lock()
	c.pending[messageID] = outcome
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, messageID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", action, err)
	}

	timeout := c.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case res := <-outcome:
		if res.err != nil {
			return res.err
		}
		if response == nil {
			return nil
		}
		if err := json.Unmarshal(res.payload, response); err != nil {
			return fmt.Errorf("failed to unmarshal %s response: %w", action, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s timed out after %s", action, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("connection to %s closed", c.endpoint)
	}
}

// readPump 读循环：把应答帧路由到等待中的调用
func (c *Client) readPump() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debugf("read loop ended: %v", err)
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 3 {
			c.logger.Warnf("discarding malformed frame: %s", data)
			continue
		}

		var messageType int
		var messageID string
		if err := json.Unmarshal(frame[0], &messageType); err != nil {
			continue
		}
		if err := json.Unmarshal(frame[1], &messageID); err != nil {
			continue
		}

		switch messageType {
		case messageTypeCallResult:
			c.resolve(messageID, callOutcome{payload: frame[2]})
		case messageTypeCallError:
			var callErr CallError
			_ = json.Unmarshal(frame[2], &callErr.Code)
			if len(frame) > 3 {
				_ = json.Unmarshal(frame[3], &callErr.Description)
			}
			c.resolve(messageID, callOutcome{err: &callErr})
		default:
			c.logger.Debugf("ignoring frame type %d", messageType)
		}
	}
}

// resolve 将应答送达等待中的调用，无人等待时丢弃
func (c *Client) resolve(messageID string, outcome callOutcome) {
	c.pendingMu.Lock()
	ch, ok := c.pending[messageID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warnf("no pending call for message %s", messageID)
		return
	}
	ch <- outcome
}

// Close 关闭连接
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
