package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charging-platform/csms-core/internal/domain/ocpp"
	sess "github.com/charging-platform/csms-core/internal/domain/session"
	"github.com/charging-platform/csms-core/internal/logger"
	"github.com/charging-platform/csms-core/internal/station"
)

// Ingress 已解码入站消息的HTTP入口
// 线缆级成帧由网关层负责，这里只接收语义消息并投递到充电站工作协程
type Ingress struct {
	registry *station.Registry
	logger   *logger.Logger
}

// NewIngress 创建入站入口
func NewIngress(registry *station.Registry, log *logger.Logger) *Ingress {
	return &Ingress{
		registry: registry,
		logger:   log.WithComponent("ingress"),
	}
}

// Routes 注册路由
func (i *Ingress) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ocpp/{version}/{station}/{action}", i.handleMessage)
	mux.HandleFunc("GET /health", i.handleHealth)
	return mux
}

// handleMessage 接收一条入站消息并同步返回处理结果
func (i *Ingress) handleMessage(w http.ResponseWriter, r *http.Request) {
	version := ocpp.ProtocolVersion(r.PathValue("version"))
	stationID := r.PathValue("station")
	action := r.PathValue("action")

	if !version.IsValid() {
		i.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported protocol version %q", version))
		return
	}

	payload, err := decodePayload(action, r)
	if err != nil {
		i.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, err := i.registry.Deliver(r.Context(), &station.Envelope{
		StationID:       stationID,
		Action:          action,
		ProtocolVersion: version,
		Payload:         payload,
		ReceivedAt:      time.Now().UTC(),
	})
	if err != nil {
		i.writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		i.logger.Errorf("failed to encode %s response: %v", action, err)
	}
}

func (i *Ingress) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","workers":%d}`, i.registry.WorkerCount())
}

// decodePayload 按动作名解码为类型化载荷
func decodePayload(action string, r *http.Request) (interface{}, error) {
	var payload interface{}
	switch action {
	case "BootNotification":
		payload = &ocpp.BootNotificationRequest{}
	case "Heartbeat":
		payload = &ocpp.HeartbeatRequest{}
	case "StatusNotification":
		payload = &ocpp.StatusNotificationRequest{}
	case "MeterValues":
		payload = &ocpp.MeterValuesRequest{}
	case "Authorize":
		payload = &ocpp.AuthorizeRequest{}
	case "StartTransaction":
		payload = &ocpp.StartTransactionRequest{}
	case "StopTransaction":
		payload = &ocpp.StopTransactionRequest{}
	case "DataTransfer":
		payload = &ocpp.DataTransferRequest{}
	case "DiagnosticsStatusNotification":
		payload = &ocpp.DiagnosticsStatusNotificationRequest{}
	case "FirmwareStatusNotification":
		payload = &ocpp.FirmwareStatusNotificationRequest{}
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", action, err)
	}
	return payload, nil
}

// statusFor 将错误分类映射到HTTP状态码
func statusFor(err error) int {
	switch {
	case sess.IsValidation(err) || errors.Is(err, sess.ErrInvalidTransactionReference):
		return http.StatusBadRequest
	case sess.IsStateConflict(err):
		return http.StatusConflict
	case sess.IsAuthorization(err):
		return http.StatusForbidden
	default:
		var ce *sess.CollaboratorError
		if errors.As(err, &ce) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func (i *Ingress) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
