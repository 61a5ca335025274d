package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campeek/internal/camera"
	"campeek/internal/preview"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	clientBuffer = 16
)

// Event はWebSocketで送るJSONイベント
// フレーム本体はバイナリメッセージで送る
type Event struct {
	Type      string              `json:"type"` // loading, error, clear, state, devices
	Message   string              `json:"message,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
	State     *preview.Status     `json:"state,omitempty"`
	Devices   []camera.DeviceInfo `json:"devices,omitempty"`
}

// Command はブラウザから届く操作
type Command struct {
	Action string `json:"action"` // open, close, retry, select
	Device string `json:"device,omitempty"`
}

type outbound struct {
	messageType int
	data        []byte
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan outbound
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub は接続中のブラウザにプレビューを配信するRenderer
// 最新フレームは1つのバッファを使い回して保持する
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*wsClient]struct{}
	frame     bytes.Buffer
	hasFrame  bool
	last      *Event // 最後の表示イベント（loading/error）
	state     *Event
	retry     func()
	onCommand func(Command)
	closed    bool
}

// NewHub は新しいHubを作成する
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// OnCommand はブラウザからの操作を受け取る関数を設定する
func (h *Hub) OnCommand(fn func(Command)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCommand = fn
}

// ShowLoading は読み込み中イベントを送る
func (h *Hub) ShowLoading() {
	h.mu.Lock()
	h.retry = nil
	h.hasFrame = false
	h.last = &Event{Type: "loading"}
	h.mu.Unlock()
	h.broadcastJSON(Event{Type: "loading"})
}

// ShowFrame はフレームを読み込んで全クライアントに送る
func (h *Hub) ShowFrame(path string) {
	f, err := os.Open(path)
	if err != nil {
		// ローテーションで消えたフレームは次のtickで拾う
		h.logger.Debug("フレームを開けませんでした", "path", path, "error", err)
		return
	}
	defer f.Close()

	h.mu.Lock()
	h.frame.Reset()
	if _, err := h.frame.ReadFrom(f); err != nil {
		h.hasFrame = false
		h.mu.Unlock()
		h.logger.Debug("フレームの読み込みに失敗", "path", path, "error", err)
		return
	}
	h.hasFrame = true
	h.last = nil
	data := bytes.Clone(h.frame.Bytes())
	h.mu.Unlock()

	h.broadcast(outbound{messageType: websocket.BinaryMessage, data: data})
}

// ShowError はエラーイベントを送り、再試行の操作を覚えておく
func (h *Hub) ShowError(message string, retry func()) {
	event := Event{Type: "error", Message: message, Retryable: retry != nil}

	h.mu.Lock()
	h.retry = retry
	h.hasFrame = false
	h.last = &event
	h.mu.Unlock()
	h.broadcastJSON(event)
}

// Clear は表示を片付ける
func (h *Hub) Clear() {
	h.mu.Lock()
	h.retry = nil
	h.frame.Reset()
	h.hasFrame = false
	h.last = nil
	h.mu.Unlock()
	h.broadcastJSON(Event{Type: "clear"})
}

// BroadcastState はコントローラーの状態を送る
func (h *Hub) BroadcastState(status preview.Status) {
	event := Event{Type: "state", State: &status}

	h.mu.Lock()
	h.state = &event
	h.mu.Unlock()
	h.broadcastJSON(event)
}

// BroadcastDevices はデバイス一覧を送る
func (h *Hub) BroadcastDevices(devices []camera.DeviceInfo) {
	h.broadcastJSON(Event{Type: "devices", Devices: devices})
}

// LatestFrame は最後に表示したフレームのコピーを返す
func (h *Hub) LatestFrame() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasFrame {
		return nil, false
	}
	return bytes.Clone(h.frame.Bytes()), true
}

// Clients は接続中のクライアント数を返す
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS はWebSocket接続を受け付ける
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan outbound, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	// 接続直後に現在の表示を送る
	for _, event := range []*Event{h.state, h.last} {
		if event == nil {
			continue
		}
		if data, err := json.Marshal(event); err == nil {
			client.send <- outbound{messageType: websocket.TextMessage, data: data}
		}
	}
	if h.hasFrame {
		client.send <- outbound{messageType: websocket.BinaryMessage, data: bytes.Clone(h.frame.Bytes())}
	}
	h.mu.Unlock()

	h.logger.Info("WebSocketクライアントが接続しました", "remote", r.RemoteAddr)

	go h.writePump(client)
	h.readPump(client)
}

// Close は全てのクライアントを切断する
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocketの読み込みエラー", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("不正なコマンドを無視します", "error", err)
			continue
		}
		h.dispatch(cmd)
	}
}

func (h *Hub) dispatch(cmd Command) {
	h.mu.Lock()
	retry, onCommand := h.retry, h.onCommand
	h.mu.Unlock()

	if cmd.Action == "retry" && retry != nil {
		retry()
		return
	}
	if onCommand != nil {
		onCommand(cmd)
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				h.logger.Debug("WebSocketの書き込みに失敗", "error", err)
				h.remove(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) broadcastJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("イベントのエンコードに失敗", "type", event.Type, "error", err)
		return
	}
	h.broadcast(outbound{messageType: websocket.TextMessage, data: data})
}

// broadcast は全クライアントに送る。送信待ちが溢れたクライアントには送らない
func (h *Hub) broadcast(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.logger.Debug("送信待ちが溢れたためメッセージを破棄しました")
		}
	}
}
