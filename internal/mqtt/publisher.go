package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mailsync/internal/config"
	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/mailsync"
)

// Publisher owns the broker connection and the retained state of
// every mailbox it has seen a pass for.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	states map[string][]byte // topic -> last payload
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultTopicPrefix
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		states:     make(map[string][]byte),
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. A broker that is down at startup is not an error;
// autopaho keeps retrying in the background.
func (p *Publisher) Start(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.republish(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-ch:
			p.forward(ctx, e)
		}
	}
}

// Stop publishes "offline" and disconnects. The context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// PublishResult records a pass result as its mailbox's retained state
// and publishes it when connected. Results arriving while the broker
// is unreachable are sent on the next connect.
func (p *Publisher) PublishResult(ctx context.Context, res *mailsync.Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		p.logger.Error("mqtt marshal pass result", "error", err)
		return
	}
	topic := p.stateTopic(res.Account, res.Mailbox)

	p.mu.Lock()
	p.states[topic] = payload
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "mailsync-" + id
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventsTopic() string {
	return p.cfg.TopicPrefix + "/events"
}

func (p *Publisher) stateTopic(account, mailboxName string) string {
	return p.cfg.TopicPrefix + "/" + Slug(account) + "/" + Slug(mailboxName) + "/state"
}

// Slug turns a name into a single MQTT topic level: lower case, with
// every run of characters other than letters, digits and underscore
// replaced by one dash. "[Gmail]/All Mail" becomes "gmail-all-mail".
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
		}
		dash = true
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "_"
	}
	return s
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// republish sends every cached mailbox state, in topic order.
func (p *Publisher) republish(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	topics := make([]string, 0, len(p.states))
	for t := range p.states {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	payloads := make([][]byte, len(topics))
	for i, t := range topics {
		payloads[i] = p.states[t]
	}
	p.mu.Unlock()

	for i, topic := range topics {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payloads[i],
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state republish failed", "topic", topic, "error", err)
		}
	}
	if len(topics) > 0 {
		p.logger.Debug("mqtt mailbox states republished", "count", len(topics))
	}
}

func (p *Publisher) forward(ctx context.Context, e events.Event) {
	cm := p.conn()
	if cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}
