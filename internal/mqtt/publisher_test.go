package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphub/internal/config"
	"github.com/nugget/mcphub/internal/mcp"
)

type fakeFleet struct {
	mu        sync.Mutex
	statuses  []mcp.ServerStatus
	refreshes int
	err       error
}

func (f *fakeFleet) ServerStatus() []mcp.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mcp.ServerStatus(nil), f.statuses...)
}

func (f *fakeFleet) Statistics() mcp.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := mcp.Statistics{TotalServers: len(f.statuses), ToolsByServer: map[string]int{}}
	for _, st := range f.statuses {
		if st.Connected {
			stats.ConnectedServers++
			stats.TotalTools += st.ToolsCount
			stats.ToolsByServer[st.Name] = st.ToolsCount
		}
	}
	return stats
}

func (f *fakeFleet) RefreshTools(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.err
}

type recordingPublisher struct {
	msgs []*paho.Publish
	fail bool
}

func (r *recordingPublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.msgs = append(r.msgs, p)
	if r.fail {
		return nil, errors.New("not connected")
	}
	return &paho.PublishResponse{}, nil
}

func (r *recordingPublisher) byTopic() map[string]*paho.Publish {
	out := make(map[string]*paho.Publish)
	for _, m := range r.msgs {
		out[m.Topic] = m
	}
	return out
}

func testPublisher(fleet Fleet) *Publisher {
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "hub",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	return New(cfg, "instance-123", fleet, nil)
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Manufacturer != "mcphub" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(&fakeFleet{})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "mcphub/hub"},
		{"availabilityTopic", p.availabilityTopic(), "mcphub/hub/availability"},
		{"stateTopic", p.stateTopic("total_tools"), "mcphub/hub/total_tools/state"},
		{"attributesTopic", p.attributesTopic("server_files"), "mcphub/hub/server_files/attributes"},
		{"commandTopic", p.commandTopic(), "mcphub/hub/refresh_tools/set"},
		{"discoveryTopic", p.discoveryTopic("binary_sensor", "server_files"), "homeassistant/binary_sensor/hub/server_files/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestServerEntity(t *testing.T) {
	tests := map[string]string{
		"files":         "server_files",
		"GitHub-MCP":    "server_github_mcp",
		"home.assist 2": "server_home_assist_2",
	}
	for in, want := range tests {
		if got := serverEntity(in); got != want {
			t.Errorf("serverEntity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublisher_StaticDefinitions(t *testing.T) {
	p := testPublisher(&fakeFleet{})

	want := map[string]string{
		"connected_servers": "sensor",
		"total_tools":       "sensor",
		"uptime":            "sensor",
		"version":           "sensor",
		"refresh_tools":     "button",
	}
	defs := p.staticDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}

	for _, d := range defs {
		if want[d.entitySuffix] != d.component {
			t.Errorf("%s: component = %q, want %q", d.entitySuffix, d.component, want[d.entitySuffix])
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("%s: ObjectID = %q", d.entitySuffix, d.config.ObjectID)
		}
		if !d.config.HasEntityName {
			t.Errorf("%s: HasEntityName = false", d.entitySuffix)
		}
		if strings.Contains(d.config.Name, "hub") {
			t.Errorf("%s: Name %q repeats the device name", d.entitySuffix, d.config.Name)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("%s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.AvailabilityTopic != "mcphub/hub/availability" {
			t.Errorf("%s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
	}

	button := defs[len(defs)-1]
	if button.config.CommandTopic != p.commandTopic() || button.config.StateTopic != "" {
		t.Errorf("button topics = %+v", button.config)
	}
}

func TestPublisher_DiscoveryIncludesServers(t *testing.T) {
	fleet := &fakeFleet{statuses: []mcp.ServerStatus{{Name: "files"}, {Name: "github"}}}
	p := testPublisher(fleet)
	pub := &recordingPublisher{}

	p.publishDiscovery(context.Background(), pub)

	got := pub.byTopic()
	msg, ok := got["homeassistant/binary_sensor/hub/server_files/config"]
	if !ok {
		t.Fatalf("no discovery for files; topics: %v", got)
	}
	if !msg.Retain || msg.QoS != 1 {
		t.Errorf("discovery should be retained QoS 1: %+v", msg)
	}

	var cfg EntityConfig
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if cfg.DeviceClass != "connectivity" || cfg.PayloadOn != "ON" || cfg.PayloadOff != "OFF" {
		t.Errorf("binary_sensor config = %+v", cfg)
	}
	if cfg.JsonAttributesTopic != "mcphub/hub/server_files/attributes" {
		t.Errorf("JsonAttributesTopic = %q", cfg.JsonAttributesTopic)
	}
	if _, ok := got["homeassistant/button/hub/refresh_tools/config"]; !ok {
		t.Error("refresh button not announced")
	}
	if len(pub.msgs) != 5+2 {
		t.Errorf("published %d discovery messages, want 7", len(pub.msgs))
	}
}

func TestPublisher_SyncServersAnnouncesAndWithdraws(t *testing.T) {
	fleet := &fakeFleet{statuses: []mcp.ServerStatus{{Name: "files"}}}
	p := testPublisher(fleet)
	ctx := context.Background()

	pub := &recordingPublisher{}
	p.syncServers(ctx, pub, fleet.ServerStatus())
	if len(pub.msgs) != 1 {
		t.Fatalf("first sync published %d, want 1", len(pub.msgs))
	}

	// Nothing new: nothing published.
	pub = &recordingPublisher{}
	p.syncServers(ctx, pub, fleet.ServerStatus())
	if len(pub.msgs) != 0 {
		t.Errorf("repeat sync published %d, want 0", len(pub.msgs))
	}

	// files removed, time added.
	pub = &recordingPublisher{}
	p.syncServers(ctx, pub, []mcp.ServerStatus{{Name: "time"}})
	got := pub.byTopic()
	if m, ok := got["homeassistant/binary_sensor/hub/server_files/config"]; !ok || len(m.Payload) != 0 || !m.Retain {
		t.Errorf("files should be withdrawn with an empty retained config: %+v", m)
	}
	if m, ok := got["homeassistant/binary_sensor/hub/server_time/config"]; !ok || len(m.Payload) == 0 {
		t.Errorf("time should be announced: %+v", m)
	}
}

func TestPublisher_StateMessages(t *testing.T) {
	fleet := &fakeFleet{statuses: []mcp.ServerStatus{
		{Name: "files", Connected: true, ToolsCount: 3, State: "connected", Enabled: true},
		{Name: "github", Error: "launch failed", State: "disconnected", Enabled: true, AutoRestart: true},
	}}
	p := testPublisher(fleet)
	pub := &recordingPublisher{}

	p.publishStatesTo(context.Background(), pub)
	got := pub.byTopic()

	checks := map[string]string{
		"mcphub/hub/connected_servers/state": "1",
		"mcphub/hub/total_tools/state":       "3",
		"mcphub/hub/server_files/state":      "ON",
		"mcphub/hub/server_github/state":     "OFF",
	}
	for topic, want := range checks {
		m, ok := got[topic]
		if !ok {
			t.Errorf("no message on %s", topic)
			continue
		}
		if string(m.Payload) != want {
			t.Errorf("%s = %q, want %q", topic, m.Payload, want)
		}
	}

	var attrs serverAttributes
	if err := json.Unmarshal(got["mcphub/hub/server_github/attributes"].Payload, &attrs); err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if attrs.Error != "launch failed" || !attrs.AutoRestart || attrs.ToolsCount != 0 {
		t.Errorf("attributes = %+v", attrs)
	}

	// Discovery for both servers went out first.
	if _, ok := got["homeassistant/binary_sensor/hub/server_github/config"]; !ok {
		t.Error("state publish should announce unannounced servers")
	}
}

func TestPublisher_PublishFailuresCounted(t *testing.T) {
	p := testPublisher(&fakeFleet{})
	pub := &recordingPublisher{fail: true}

	msgs := p.stateMessages(nil, mcp.Statistics{})
	if failed := p.send(context.Background(), pub, msgs); failed != len(msgs) {
		t.Errorf("failed = %d, want %d", failed, len(msgs))
	}
}

func TestPublisher_HandleCommand(t *testing.T) {
	fleet := &fakeFleet{}
	p := testPublisher(fleet)
	ctx := context.Background()

	if p.handleCommand(ctx, "some/other/topic", []byte("PRESS")) {
		t.Error("unexpected topic should be ignored")
	}
	if !p.handleCommand(ctx, p.commandTopic(), []byte("PRESS")) {
		t.Fatal("refresh press was not handled")
	}
	if fleet.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", fleet.refreshes)
	}

	fleet.err = errors.New("server down")
	if !p.handleCommand(ctx, p.commandTopic(), []byte("PRESS")) {
		t.Error("a failed refresh is still a handled command")
	}
}

func TestPublisher_HandleCommandRateLimited(t *testing.T) {
	fleet := &fakeFleet{}
	p := testPublisher(fleet)
	p.limiter = newCommandRateLimiter(2, time.Hour, p.logger)

	for range 5 {
		p.handleCommand(context.Background(), p.commandTopic(), []byte("PRESS"))
	}
	if fleet.refreshes != 2 {
		t.Errorf("refreshes = %d, want 2", fleet.refreshes)
	}
	if got := p.limiter.dropped.Load(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestCommandRateLimiter_Resets(t *testing.T) {
	r := newCommandRateLimiter(1, 10*time.Millisecond, testPublisher(&fakeFleet{}).logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.start(ctx)

	if !r.allow() {
		t.Fatal("first command should be allowed")
	}
	if r.allow() {
		t.Fatal("second command should be dropped")
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.count.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.allow() {
		t.Error("limiter did not reset")
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := testPublisher(&fakeFleet{})
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	// Without a connection publishStates is a no-op.
	p.publishStates(context.Background())
}

func TestEntityConfig_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(EntityConfig{Name: "x", UniqueID: "u", AvailabilityTopic: "a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, key := range []string{"json_attributes_topic", "command_topic", "state_topic", "device_class"} {
		if strings.Contains(string(data), key) {
			t.Errorf("%s should be omitted when empty:\n%s", key, data)
		}
	}
}
