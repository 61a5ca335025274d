// Package notify はプレビューの状態をMQTTで通知し、リモートからの操作を受け付ける
//
// トピック:
//   - <prefix>/<client_id>/state   状態のJSON（retained）
//   - <prefix>/<client_id>/online  "true" / "false"（切断時はwillで"false"）
//   - <prefix>/<client_id>/command 操作（JSONまたは "open" などの文字列）
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"campeek/internal/config"
	"campeek/internal/preview"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // ミリ秒
)

// ErrUnknownCommand は解釈できない操作
var ErrUnknownCommand = errors.New("未知のコマンドです")

// Commander はリモート操作の受け先
type Commander interface {
	Open()
	Close()
	Retry()
	SelectDevice(device string)
}

// Command はcommandトピックで受け取る操作
type Command struct {
	Action string `json:"action"`
	Device string `json:"device,omitempty"`
}

// StatePayload はstateトピックに送るJSON
type StatePayload struct {
	State     string    `json:"state"`
	Device    string    `json:"device"`
	LastFrame int       `json:"last_frame"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// broker はNotifierが使うmqtt.Clientの一部
type broker interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Notifier はMQTTブローカーとの接続を管理する
type Notifier struct {
	client    broker
	commander Commander
	logger    *slog.Logger

	stateTopic   string
	onlineTopic  string
	commandTopic string

	mu   sync.Mutex
	last []byte // 最後に送った状態。再接続時に送り直す
}

// New はブローカー設定からNotifierを作成する
func New(cfg config.MQTTConfig, commander Commander, logger *slog.Logger) *Notifier {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID()
	}

	n := newNotifier(nil, cfg.TopicPrefix, clientID, commander, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetWill(n.onlineTopic, "false", 1, true).
		SetOnConnectHandler(func(mqtt.Client) { n.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTTブローカーとの接続が切れました", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	n.client = mqtt.NewClient(opts)
	return n
}

func newNotifier(client broker, prefix, clientID string, commander Commander, logger *slog.Logger) *Notifier {
	base := strings.Trim(prefix, "/") + "/" + clientID
	return &Notifier{
		client:       client,
		commander:    commander,
		logger:       logger,
		stateTopic:   base + "/state",
		onlineTopic:  base + "/online",
		commandTopic: base + "/command",
	}
}

// defaultClientID はホスト名からクライアントIDを作る。取得できなければUUIDを使う
func defaultClientID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "campeek-" + host
	}
	return "campeek-" + uuid.NewString()[:8]
}

// StateTopic は状態を送るトピックを返す
func (n *Notifier) StateTopic() string {
	return n.stateTopic
}

// CommandTopic は操作を受け取るトピックを返す
func (n *Notifier) CommandTopic() string {
	return n.commandTopic
}

// Start はブローカーに接続し、ctxが終わるまで待ってから切断する
func (n *Notifier) Start(ctx context.Context) error {
	token := n.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("MQTTブローカーへの接続に失敗: %w", err)
		}
	case <-ctx.Done():
		n.client.Disconnect(disconnectWait)
		return nil
	}

	<-ctx.Done()

	// willはブローカー側の切断検知でしか送られないため自分で送る
	n.await(n.publish(n.onlineTopic, []byte("false")), n.onlineTopic)
	n.client.Disconnect(disconnectWait)
	n.logger.Info("MQTTブローカーから切断しました")
	return nil
}

// PublishState は状態をretainedで送る。未接続の場合は接続時に送る
// 送信の完了は待たない
func (n *Notifier) PublishState(status preview.Status) {
	payload, err := json.Marshal(StatePayload{
		State:     status.State.String(),
		Device:    status.Device,
		LastFrame: status.LastFrame,
		Error:     status.Error,
		Timestamp: time.Now(),
	})
	if err != nil {
		n.logger.Error("状態のエンコードに失敗", "error", err)
		return
	}

	n.mu.Lock()
	n.last = payload
	n.mu.Unlock()

	token := n.publish(n.stateTopic, payload)
	go n.await(token, n.stateTopic)
}

func (n *Notifier) publish(topic string, payload []byte) mqtt.Token {
	return n.client.Publish(topic, 1, true, payload)
}

// await は送信の完了を待ち、失敗をログに残す
func (n *Notifier) await(token mqtt.Token, topic string) {
	if !token.WaitTimeout(publishTimeout) {
		n.logger.Warn("MQTTの送信がタイムアウトしました", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		n.logger.Debug("MQTTの送信に失敗", "topic", topic, "error", err)
	}
}

// onConnect は接続（再接続を含む）のたびに購読と状態の再送を行う
func (n *Notifier) onConnect() {
	n.logger.Info("MQTTブローカーに接続しました", "command_topic", n.commandTopic)

	token := n.client.Subscribe(n.commandTopic, 1, n.handleMessage)
	if !token.WaitTimeout(publishTimeout) {
		n.logger.Warn("コマンドトピックの購読がタイムアウトしました", "topic", n.commandTopic)
	} else if err := token.Error(); err != nil {
		n.logger.Warn("コマンドトピックの購読に失敗", "topic", n.commandTopic, "error", err)
	}

	n.await(n.publish(n.onlineTopic, []byte("true")), n.onlineTopic)

	n.mu.Lock()
	last := n.last
	n.mu.Unlock()
	if last != nil {
		n.await(n.publish(n.stateTopic, last), n.stateTopic)
	}
}

func (n *Notifier) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		n.logger.Warn("MQTTコマンドを無視します", "payload", string(msg.Payload()), "error", err)
		return
	}

	n.logger.Info("MQTTコマンドを受信しました", "action", cmd.Action, "device", cmd.Device)
	switch cmd.Action {
	case "open":
		n.commander.Open()
	case "close":
		n.commander.Close()
	case "retry":
		n.commander.Retry()
	case "select":
		n.commander.SelectDevice(cmd.Device)
	}
}

// ParseCommand はペイロードを操作に変換する
// JSON {"action":"select","device":"/dev/video2"} と "open" / "select /dev/video2" の形式を受け付ける
func ParseCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Command{}, fmt.Errorf("%w: 空のペイロード", ErrUnknownCommand)
	}

	var cmd Command
	if payload[0] == '{' {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Command{}, fmt.Errorf("コマンドの解析に失敗: %w", err)
		}
	} else {
		action, device, _ := strings.Cut(string(payload), " ")
		cmd = Command{Action: action, Device: strings.TrimSpace(device)}
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))

	switch cmd.Action {
	case "open", "close", "retry":
		return Command{Action: cmd.Action}, nil
	case "select":
		if cmd.Device == "" {
			return Command{}, fmt.Errorf("%w: selectにはdeviceが必要です", ErrUnknownCommand)
		}
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Action)
	}
}
