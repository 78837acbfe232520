package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/octoforge/octogate/internal/types"
)

// MQTTClient abstracts the paho client so the adapter can be tested
// without a broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

type defaultMQTTClient struct {
	client mqtt.Client
}

func (d *defaultMQTTClient) Connect() mqtt.Token     { return d.client.Connect() }
func (d *defaultMQTTClient) Disconnect(quiesce uint) { d.client.Disconnect(quiesce) }
func (d *defaultMQTTClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}
func (d *defaultMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return d.client.Subscribe(topic, qos, callback)
}
func (d *defaultMQTTClient) IsConnected() bool { return d.client.IsConnected() }

// mqttInbound is the JSON payload expected on the inbound topic.
type mqttInbound struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	SentAt    int64  `json:"sent_at,omitempty"`
}

// mqttOutbound is the JSON payload published on the outbound topic.
type mqttOutbound struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	SentAt    int64  `json:"sent_at"`
}

// MQTTAdapter bridges a bot to an MQTT broker. Inbound messages arrive on
// <prefix>/in, replies are published to <prefix>/out/<channel_id>.
type MQTTAdapter struct {
	statusState
	broker      string
	port        int
	username    string
	password    string
	topicPrefix string
	clientID    string
	logger      *slog.Logger
	inbox       chan types.IncomingMessage
	errs        chan error
	client      MQTTClient

	// stopMu orders late paho callbacks against Stop closing the channels.
	stopMu  sync.RWMutex
	stopped bool

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTT creates an MQTT adapter from channel settings. The broker
// setting is required; port defaults to 1883 and topic_prefix to
// "octogate/<botID>".
func NewMQTT(botID string, settings map[string]string, logger *slog.Logger) (*MQTTAdapter, error) {
	broker := settings["broker"]
	if broker == "" {
		return nil, fmt.Errorf("mqtt: broker setting required: %w", types.ErrConfigMissing)
	}
	port := 1883
	if raw := settings["port"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("mqtt: invalid port %q: %w", raw, types.ErrConfigInvalid)
		}
		port = parsed
	}
	prefix := settings["topic_prefix"]
	if prefix == "" {
		prefix = "octogate/" + botID
	}

	return &MQTTAdapter{
		broker:      broker,
		port:        port,
		username:    settings["username"],
		password:    settings["password"],
		topicPrefix: prefix,
		clientID:    fmt.Sprintf("octogate-%s-%d", botID, time.Now().Unix()),
		logger:      logger.With("channel", "mqtt"),
		inbox:       make(chan types.IncomingMessage, inboxSize),
		errs:        make(chan error, 8),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &defaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}, nil
}

func (m *MQTTAdapter) Name() string { return "mqtt" }

func (m *MQTTAdapter) Start(ctx context.Context) error {
	m.setStatus(types.StatusStarting)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.broker, m.port))
	opts.SetClientID(m.clientID)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.setStatus(types.StatusReconnecting)
		m.logger.Warn("mqtt connection lost", "error", err)
		m.report(types.NewUpstreamError("mqtt", err))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.setStatus(types.StatusConnected)
		if err := m.subscribe(); err != nil {
			m.logger.Error("subscribe failed", "error", err)
			m.report(err)
		}
	})

	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", m.broker, "port", m.port)
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		m.setStatus(types.StatusError)
		return types.NewUpstreamError("mqtt", fmt.Errorf("connection timeout"))
	}
	if err := token.Error(); err != nil {
		m.setStatus(types.StatusError)
		return types.NewUpstreamError("mqtt", err)
	}

	m.logger.Info("mqtt adapter started", "prefix", m.topicPrefix)
	return nil
}

func (m *MQTTAdapter) Stop() error {
	m.logger.Info("stopping mqtt adapter")
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.stopMu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.inbox)
		close(m.errs)
	}
	m.stopMu.Unlock()
	m.setStatus(types.StatusStopped)
	return nil
}

// report forwards a transport error unless the adapter has been stopped.
func (m *MQTTAdapter) report(err error) {
	m.stopMu.RLock()
	defer m.stopMu.RUnlock()
	if m.stopped {
		return
	}
	reportErr(m.errs, err)
}

func (m *MQTTAdapter) Receive() <-chan types.IncomingMessage { return m.inbox }
func (m *MQTTAdapter) Errors() <-chan error                  { return m.errs }

func (m *MQTTAdapter) Send(ctx context.Context, msg types.OutgoingMessage) error {
	if !m.client.IsConnected() {
		return types.NewUpstreamError("mqtt", fmt.Errorf("not connected"))
	}

	payload, err := json.Marshal(mqttOutbound{
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyToID,
		SentAt:    time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}

	topic := fmt.Sprintf("%s/out/%s", m.topicPrefix, msg.ChannelID)
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return types.NewUpstreamError("mqtt", fmt.Errorf("publish timeout"))
	}
	if err := token.Error(); err != nil {
		return types.NewUpstreamError("mqtt", err)
	}

	m.logger.Debug("message published", "topic", topic, "size", len(payload))
	return nil
}

func (m *MQTTAdapter) subscribe() error {
	topic := m.topicPrefix + "/in"
	token := m.client.Subscribe(topic, 1, m.handleInbound)
	if !token.WaitTimeout(5 * time.Second) {
		return types.NewUpstreamError("mqtt", fmt.Errorf("subscribe timeout"))
	}
	if err := token.Error(); err != nil {
		return types.NewUpstreamError("mqtt", fmt.Errorf("subscribe %s: %w", topic, err))
	}
	m.logger.Info("subscribed", "topic", topic)
	return nil
}

func (m *MQTTAdapter) handleInbound(client mqtt.Client, mqttMsg mqtt.Message) {
	var payload mqttInbound
	if err := json.Unmarshal(mqttMsg.Payload(), &payload); err != nil {
		m.logger.Error("malformed inbound payload", "topic", mqttMsg.Topic(), "error", err)
		return
	}
	if payload.ChannelID == "" || payload.UserID == "" || payload.Content == "" {
		m.logger.Warn("inbound payload missing fields", "topic", mqttMsg.Topic())
		return
	}

	ts := time.Now()
	if payload.SentAt > 0 {
		ts = time.Unix(payload.SentAt, 0)
	}

	msg := types.IncomingMessage{
		ChannelType: "mqtt",
		ChannelID:   payload.ChannelID,
		UserID:      payload.UserID,
		UserName:    payload.UserName,
		Content:     payload.Content,
		ReplyToID:   payload.ReplyTo,
		Timestamp:   ts,
		Metadata:    map[string]string{"mqtt_topic": mqttMsg.Topic()},
	}

	// paho may still deliver while Stop is closing the inbox.
	m.stopMu.RLock()
	defer m.stopMu.RUnlock()
	if m.stopped {
		m.logger.Debug("adapter stopped, dropping message", "channel", msg.ChannelID)
		return
	}

	select {
	case m.inbox <- msg:
		m.logger.Debug("message received", "channel", msg.ChannelID, "user", msg.UserID)
	default:
		m.logger.Warn("inbox full, dropping message", "channel", msg.ChannelID)
	}
}
