package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/mcp"
)

// Fleet is the view of the MCP manager the publisher needs. It is
// satisfied by *mcp.Manager.
type Fleet interface {
	ServerStatus() []mcp.ServerStatus
	Statistics() mcp.Statistics
	RefreshTools(ctx context.Context) error
}

// publisher is the subset of *autopaho.ConnectionManager used to send
// messages.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes fleet
// state to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	fleet      Fleet
	logger     *slog.Logger
	limiter    *commandRateLimiter

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	announced map[string]string // server name -> entity suffix with discovery published
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, fleet Fleet, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		fleet:      fleet,
		logger:     logger,
		limiter:    newCommandRateLimiter(defaultCommandLimit, time.Minute, logger),
		announced:  make(map[string]string),
	}
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
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
			p.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcphub-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					go p.handleCommand(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
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
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	// The broker may have lost retained configs; announce everything again.
	p.mu.Lock()
	clear(p.announced)
	p.mu.Unlock()

	p.publishDiscovery(ctx, cm)
	p.publishAvailability(ctx, cm, "online")

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mcphub/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/refresh_tools/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// serverEntity returns the entity suffix for an MCP server name, made
// safe for HA object IDs.
func serverEntity(name string) string {
	var b strings.Builder
	b.WriteString("server_")
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// --- Discovery ---

type entityDef struct {
	component    string
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) staticDefinitions() []entityDef {
	avail := p.availabilityTopic()
	sensor := func(suffix, name, icon string, measurement bool) entityDef {
		c := EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            p.device,
			Icon:              icon,
		}
		if measurement {
			c.StateClass = "measurement"
		} else {
			c.EntityCategory = "diagnostic"
		}
		return entityDef{component: "sensor", entitySuffix: suffix, config: c}
	}

	return []entityDef{
		sensor("connected_servers", "Connected Servers", "mdi:lan-connect", true),
		sensor("total_tools", "Total Tools", "mdi:tools", true),
		sensor("uptime", "Uptime", "mdi:clock-outline", false),
		sensor("version", "Version", "mdi:tag", false),
		{
			component:    "button",
			entitySuffix: "refresh_tools",
			config: EntityConfig{
				Name:              "Refresh Tools",
				ObjectID:          "refresh_tools",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_refresh_tools",
				CommandTopic:      p.commandTopic(),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:refresh",
				PayloadPress:      "PRESS",
			},
		},
	}
}

func (p *Publisher) serverDefinition(st mcp.ServerStatus) entityDef {
	suffix := serverEntity(st.Name)
	return entityDef{
		component:    "binary_sensor",
		entitySuffix: suffix,
		config: EntityConfig{
			Name:                st.Name,
			ObjectID:            suffix,
			HasEntityName:       true,
			UniqueID:            p.instanceID + "_" + suffix,
			StateTopic:          p.stateTopic(suffix),
			AvailabilityTopic:   p.availabilityTopic(),
			JsonAttributesTopic: p.attributesTopic(suffix),
			Device:              p.device,
			Icon:                "mdi:server-network",
			DeviceClass:         "connectivity",
			PayloadOn:           "ON",
			PayloadOff:          "OFF",
		},
	}
}

func (p *Publisher) discoveryMessage(def entityDef) (message, error) {
	payload, err := json.Marshal(def.config)
	if err != nil {
		return message{}, err
	}
	return message{
		topic:   p.discoveryTopic(def.component, def.entitySuffix),
		payload: payload,
		qos:     1,
		retain:  true,
	}, nil
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub publisher) {
	var msgs []message
	for _, def := range p.staticDefinitions() {
		msg, err := p.discoveryMessage(def)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", def.entitySuffix, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	p.send(ctx, pub, msgs)
	p.logger.Debug("mqtt discovery published", "entities", len(msgs))

	p.syncServers(ctx, pub, p.fleet.ServerStatus())
}

// syncServers announces servers that have no discovery config yet and
// withdraws entities of servers that are no longer configured.
func (p *Publisher) syncServers(ctx context.Context, pub publisher, statuses []mcp.ServerStatus) {
	var msgs []message

	p.mu.Lock()
	current := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		current[st.Name] = true
		if _, ok := p.announced[st.Name]; ok {
			continue
		}
		def := p.serverDefinition(st)
		msg, err := p.discoveryMessage(def)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", def.entitySuffix, "error", err)
			continue
		}
		msgs = append(msgs, msg)
		p.announced[st.Name] = def.entitySuffix
	}
	for name, suffix := range p.announced {
		if current[name] {
			continue
		}
		// An empty retained config removes the entity from HA.
		msgs = append(msgs, message{
			topic:  p.discoveryTopic("binary_sensor", suffix),
			qos:    1,
			retain: true,
		})
		delete(p.announced, name)
	}
	p.mu.Unlock()

	if len(msgs) > 0 {
		p.send(ctx, pub, msgs)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
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

// send publishes msgs and returns how many failed.
func (p *Publisher) send(ctx context.Context, pub publisher, msgs []message) int {
	failed := 0
	for _, m := range msgs {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     m.qos,
			Retain:  m.retain,
		}); err != nil {
			failed++
			p.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
	return failed
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultPublishIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	p.publishStatesTo(ctx, cm)
}

func (p *Publisher) publishStatesTo(ctx context.Context, pub publisher) {
	statuses := p.fleet.ServerStatus()
	p.syncServers(ctx, pub, statuses)

	msgs := p.stateMessages(statuses, p.fleet.Statistics())
	failed := p.send(ctx, pub, msgs)

	p.logger.Debug("mqtt fleet state published",
		"messages", len(msgs),
		"failed", failed,
	)
}

// serverAttributes is the JSON attributes payload of a server entity.
type serverAttributes struct {
	ToolsCount    int       `json:"tools_count"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	Enabled       bool      `json:"enabled"`
	AutoRestart   bool      `json:"auto_restart"`
	SessionID     string    `json:"session_id,omitempty"`
	LastCheck     time.Time `json:"last_check,omitzero"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
}

func (p *Publisher) stateMessages(statuses []mcp.ServerStatus, stats mcp.Statistics) []message {
	state := func(entity, value string) message {
		return message{topic: p.stateTopic(entity), payload: []byte(value), retain: true}
	}

	msgs := []message{
		state("connected_servers", strconv.Itoa(stats.ConnectedServers)),
		state("total_tools", strconv.Itoa(stats.TotalTools)),
		state("uptime", buildinfo.Uptime().String()),
		state("version", buildinfo.Version),
	}

	for _, st := range statuses {
		suffix := serverEntity(st.Name)
		onOff := "OFF"
		if st.Connected {
			onOff = "ON"
		}
		msgs = append(msgs, state(suffix, onOff))

		attrs, err := json.Marshal(serverAttributes{
			ToolsCount:    st.ToolsCount,
			State:         st.State,
			Error:         st.Error,
			Enabled:       st.Enabled,
			AutoRestart:   st.AutoRestart,
			SessionID:     st.SessionID,
			LastCheck:     st.LastCheck,
			LastHeartbeat: st.LastHeartbeat,
		})
		if err != nil {
			p.logger.Error("mqtt marshal server attributes", "mcp_server", st.Name, "error", err)
			continue
		}
		msgs = append(msgs, message{topic: p.attributesTopic(suffix), payload: attrs, retain: true})
	}
	return msgs
}
