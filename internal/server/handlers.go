package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"campeek/internal/camera"
	"campeek/internal/config"
	"campeek/internal/preview"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status    string         `json:"status"`
	Server    ServerInfo     `json:"server"`
	Preview   preview.Status `json:"preview"`
	Devices   int            `json:"devices"`
	Timestamp time.Time      `json:"timestamp"`
}

// DevicesResponse はデバイス一覧の応答
type DevicesResponse struct {
	Devices  []camera.DeviceInfo `json:"devices"`
	Selected string              `json:"selected"`
}

// ActionResponse は非同期に受け付けた操作の応答
type ActionResponse struct {
	Action   string `json:"action"`
	Accepted bool   `json:"accepted"`
	Device   string `json:"device,omitempty"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CampeekHandler はAPIエンドポイントを実装する
type CampeekHandler struct {
	config     *config.Config
	controller PreviewController
	devices    DeviceSource
	hub        *Hub
	openapi    *openapi3.T
	logger     *slog.Logger
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *CampeekHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *CampeekHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Preview:   h.controller.Status(),
		Devices:   len(h.devices.Devices()),
		Timestamp: time.Now(),
	})
}

// GetDevices はデバイス一覧取得エンドポイントの実装
func (h *CampeekHandler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, DevicesResponse{
		Devices:  nonNil(h.devices.Devices()),
		Selected: h.controller.Status().Device,
	})
}

// RefreshDevices はデバイスを再スキャンする
func (h *CampeekHandler) RefreshDevices(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	devices, err := h.devices.Refresh(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "scan_failed",
			Message:   "デバイスのスキャンに失敗しました",
			Details:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	h.hub.BroadcastDevices(devices)

	c.JSON(http.StatusOK, DevicesResponse{
		Devices:  nonNil(devices),
		Selected: h.controller.Status().Device,
	})
}

// SelectDevice は使用するデバイスを変更する
func (h *CampeekHandler) SelectDevice(c *gin.Context) {
	var device string
	if err := runtime.BindQueryParameter("form", true, true, "device", c.Request.URL.Query(), &device); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid_parameter",
			Message:   "deviceパラメータが不正です",
			Details:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	known := h.devices.Devices()
	if len(known) > 0 && !slices.ContainsFunc(known, func(d camera.DeviceInfo) bool { return d.Device == device }) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "device_not_found",
			Message:   "指定されたデバイスが見つかりません",
			Details:   device,
			Timestamp: time.Now(),
		})
		return
	}

	h.controller.SelectDevice(device)
	c.JSON(http.StatusAccepted, ActionResponse{Action: "select", Accepted: true, Device: device})
}

// OpenPreview はプレビューを開始する
func (h *CampeekHandler) OpenPreview(c *gin.Context) {
	h.controller.Open()
	c.JSON(http.StatusAccepted, ActionResponse{Action: "open", Accepted: true})
}

// ClosePreview はプレビューを停止する
func (h *CampeekHandler) ClosePreview(c *gin.Context) {
	h.controller.Close()
	c.JSON(http.StatusAccepted, ActionResponse{Action: "close", Accepted: true})
}

// RetryPreview はエラーから再試行する
func (h *CampeekHandler) RetryPreview(c *gin.Context) {
	h.controller.Retry()
	c.JSON(http.StatusAccepted, ActionResponse{Action: "retry", Accepted: true})
}

// GetFrame は最後に表示したフレームを返す
func (h *CampeekHandler) GetFrame(c *gin.Context) {
	frame, ok := h.hub.LatestFrame()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "no_frame",
			Message:   "表示中のフレームがありません",
			Timestamp: time.Now(),
		})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

// GetOpenAPI はAPI定義を返す
func (h *CampeekHandler) GetOpenAPI(c *gin.Context) {
	c.JSON(http.StatusOK, h.openapi)
}

// PreviewWebSocket はWebSocket接続を受け付ける
func (h *CampeekHandler) PreviewWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// Index はトップページを返す
func (h *CampeekHandler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", getIndexHTML())
}

// handleCommand はWebSocketから届いた操作をコントローラーに渡す
func (h *CampeekHandler) handleCommand(cmd Command) {
	switch cmd.Action {
	case "open":
		h.controller.Open()
	case "close":
		h.controller.Close()
	case "retry":
		h.controller.Retry()
	case "select":
		if cmd.Device != "" {
			h.controller.SelectDevice(cmd.Device)
		}
	default:
		h.logger.Debug("未知のコマンドを無視します", "action", cmd.Action)
	}
}

// nonNil は空の一覧をJSONでnullではなく[]にする
func nonNil(devices []camera.DeviceInfo) []camera.DeviceInfo {
	if devices == nil {
		return []camera.DeviceInfo{}
	}
	return devices
}
