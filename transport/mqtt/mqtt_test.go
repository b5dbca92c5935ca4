package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/uartbridge-go/core/codec"
	"github.com/kabili207/uartbridge-go/device/port"
	"github.com/kabili207/uartbridge-go/device/port/porttest"
	"github.com/kabili207/uartbridge-go/device/registry"
	"github.com/kabili207/uartbridge-go/device/session"
	"github.com/kabili207/uartbridge-go/transport"
)

// fakeMessage implements paho.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

// capture replaces the bridge's publish function and records every publish.
func capture(b *Bridge) <-chan published {
	ch := make(chan published, 64)
	b.publish = func(topic string, payload []byte, _ bool, _ <-chan struct{}) error {
		ch <- published{topic: topic, payload: payload}
		return nil
	}
	return ch
}

func next(t *testing.T, ch <-chan published) published {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
		return published{}
	}
}

func newTestBridge(t *testing.T, idle time.Duration) (*Bridge, *porttest.Driver) {
	t.Helper()
	drv := porttest.NewDriver()
	reg := registry.FromSpecs(registry.DefaultSpecs, drv, port.Config{
		PollTimeout:  time.Millisecond,
		LockWait:     2 * time.Millisecond,
		IdleInterval: time.Millisecond,
		StopWait:     100 * time.Millisecond,
	}, nil)
	b := New(Config{Broker: "tcp://localhost:1883", Ports: reg, IdleTimeout: idle})
	t.Cleanup(func() {
		_ = b.Stop()
		reg.Shutdown()
	})
	return b, drv
}

func request(b *Bridge, id string, typ codec.MessageType, payload []byte) {
	b.handleMessage(nil, &fakeMessage{
		topic:   b.clientTopic(id, topicRequest),
		payload: codec.BuildRequest(typ, payload),
	})
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Broker: "tcp://localhost:1883"})

	if b.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("expected default topic prefix %q, got %q", DefaultTopicPrefix, b.cfg.TopicPrefix)
	}
	if b.cfg.InboxSize != DefaultInboxSize {
		t.Errorf("InboxSize = %d, want %d", b.cfg.InboxSize, DefaultInboxSize)
	}
	if b.cfg.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("WriteTimeout = %v, want %v", b.cfg.WriteTimeout, DefaultWriteTimeout)
	}
	if b.qos != 1 {
		t.Errorf("qos = %d, want 1", b.qos)
	}
	if b.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestNew_CustomConfig(t *testing.T) {
	qos := byte(0)
	b := New(Config{
		Broker:      "tcp://broker.example.com:1883",
		Username:    "user",
		Password:    "pass",
		TopicPrefix: "custom",
		QoS:         &qos,
	})

	if b.cfg.TopicPrefix != "custom" {
		t.Errorf("expected topic prefix %q, got %q", "custom", b.cfg.TopicPrefix)
	}
	if b.qos != 0 {
		t.Errorf("qos = %d, want 0", b.qos)
	}
	if got := b.requestFilter(); got != "custom/+/tx" {
		t.Errorf("requestFilter = %q", got)
	}
}

func TestStart_MissingBroker(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	b.cfg.Broker = ""
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty broker")
	}
}

func TestStart_MissingPorts(t *testing.T) {
	b := New(Config{Broker: "tcp://localhost:1883"})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected error without port registry")
	}
}

func TestIsConnected_Default(t *testing.T) {
	b := New(Config{Broker: "tcp://localhost:1883"})
	if b.IsConnected() {
		t.Error("expected not connected initially")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	b := New(Config{Broker: "tcp://localhost:1883"})
	err := b.pahoPublish("uartbridge/a/rx", []byte{1}, false, make(chan struct{}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientIDFromTopic(t *testing.T) {
	b := New(Config{TopicPrefix: "lab/bridge"})

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"lab/bridge/alice/tx", "alice", true},
		{"lab/bridge/node-7/tx", "node-7", true},
		{"lab/bridge/alice/rx", "", false},
		{"lab/bridge//tx", "", false},
		{"lab/bridge/a/b/tx", "", false},
		{"other/alice/tx", "", false},
		{"lab/bridgealice/tx", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := b.clientIDFromTopic(tt.topic)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("clientIDFromTopic(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestHandleMessage_PortList(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	out := capture(b)

	request(b, "alice", codec.MessageTypeGetPortList, nil)

	p := next(t, out)
	if p.topic != "uartbridge/alice/rx" {
		t.Errorf("topic = %q", p.topic)
	}
	if len(p.payload) == 0 || codec.MessageType(p.payload[0]) != codec.MessageTypeGetPortList {
		t.Fatalf("payload = %v", p.payload)
	}
	names, err := codec.ParsePortList(p.payload[codec.TagSize:])
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "UART 0" {
		t.Errorf("names = %v", names)
	}
	if b.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", b.SessionCount())
	}
}

func TestHandleMessage_ErrorTopic(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	out := capture(b)

	request(b, "bob", codec.MessageTypeReadData, codec.BuildReadDataPayload(4, 10))

	p := next(t, out)
	if p.topic != "uartbridge/bob/err" {
		t.Errorf("topic = %q", p.topic)
	}
	want := codec.EncodeError(codec.MessageTypeReadData, session.TextPortClosed)
	if string(p.payload) != string(want) {
		t.Errorf("payload = %q, want %q", p.payload, want)
	}
}

func TestHandleMessage_ExclusiveOwnership(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	out := capture(b)

	open, err := codec.BuildOpenPortPayload("UART 1")
	if err != nil {
		t.Fatal(err)
	}
	request(b, "alice", codec.MessageTypeOpen, open)
	if p := next(t, out); p.topic != "uartbridge/alice/rx" {
		t.Fatalf("alice open went to %q: %q", p.topic, p.payload)
	}

	request(b, "bob", codec.MessageTypeOpen, open)
	p := next(t, out)
	if p.topic != "uartbridge/bob/err" {
		t.Fatalf("bob open went to %q", p.topic)
	}
	if string(p.payload[codec.TagSize:]) != session.TextPortInUse {
		t.Errorf("error text = %q", p.payload[codec.TagSize:])
	}
}

func TestHandleMessage_InboxFull(t *testing.T) {
	reg := registry.FromSpecs(registry.DefaultSpecs, porttest.NewDriver(), port.Config{
		PollTimeout:  time.Millisecond,
		LockWait:     2 * time.Millisecond,
		IdleInterval: time.Millisecond,
		StopWait:     100 * time.Millisecond,
	}, nil)
	b := New(Config{Broker: "tcp://localhost:1883", Ports: reg, InboxSize: 1})

	// Responses stall until gate closes so the worker holds its request.
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	errs := make(chan published, 8)
	b.publish = func(topic string, payload []byte, _ bool, _ <-chan struct{}) error {
		if topic == b.clientTopic("carol", topicError) {
			errs <- published{topic: topic, payload: payload}
			return nil
		}
		started <- struct{}{}
		<-gate
		return nil
	}
	t.Cleanup(func() {
		_ = b.Stop()
		reg.Shutdown()
	})
	defer close(gate)

	request(b, "carol", codec.MessageTypeGetPortList, nil)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first request")
	}
	request(b, "carol", codec.MessageTypeGetPortList, nil) // queued
	request(b, "carol", codec.MessageTypeWriteData, []byte("x"))

	p := next(t, errs)
	want := codec.EncodeError(codec.MessageTypeWriteData, session.TextBusy)
	if string(p.payload) != string(want) {
		t.Errorf("payload = %q, want %q", p.payload, want)
	}
}

func TestHandleMessage_OrderPreserved(t *testing.T) {
	b, drv := newTestBridge(t, time.Minute)
	out := capture(b)

	open, _ := codec.BuildOpenPortPayload("UART 2")
	write, _ := codec.BuildWriteDataPayload([]byte("hi"))
	request(b, "alice", codec.MessageTypeOpen, open)
	request(b, "alice", codec.MessageTypeWriteData, write)
	request(b, "alice", codec.MessageTypeClose, nil)

	want := []codec.MessageType{codec.MessageTypeOpen, codec.MessageTypeWriteData, codec.MessageTypeClose}
	for _, typ := range want {
		p := next(t, out)
		if p.topic != "uartbridge/alice/rx" || codec.MessageType(p.payload[0]) != typ {
			t.Fatalf("got %q %v, want response to %s", p.topic, p.payload, typ)
		}
	}
	if got := string(drv.Written(2)); got != "hi" {
		t.Errorf("written = %q, want %q", got, "hi")
	}
}

func TestCloseClient_ReleasesPort(t *testing.T) {
	b, _ := newTestBridge(t, time.Minute)
	out := capture(b)

	var mu sync.Mutex
	var events []transport.Event
	b.SetStateHandler(func(_ transport.Transport, e transport.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	open, _ := codec.BuildOpenPortPayload("UART 0")
	request(b, "alice", codec.MessageTypeOpen, open)
	next(t, out)

	reg := b.cfg.Ports.(*registry.Registry)
	if !reg.IsOwned("UART 0") {
		t.Fatal("port should be owned after open")
	}

	b.closeClient("alice")

	if reg.IsOwned("UART 0") {
		t.Error("port still owned after client closed")
	}
	if b.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", b.SessionCount())
	}
	if b.tracker.IsTracked("alice") {
		t.Error("client still tracked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != transport.EventClientJoined || events[1] != transport.EventClientLeft {
		t.Errorf("events = %v", events)
	}
}

func TestIdleClientClosed(t *testing.T) {
	b, _ := newTestBridge(t, 10*time.Millisecond)
	out := capture(b)

	open, _ := codec.BuildOpenPortPayload("UART 1")
	request(b, "alice", codec.MessageTypeOpen, open)
	next(t, out)

	time.Sleep(30 * time.Millisecond)
	b.tracker.CheckTimeouts()

	if b.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", b.SessionCount())
	}
	if b.cfg.Ports.(*registry.Registry).IsOwned("UART 1") {
		t.Error("idle client's port not released")
	}
}
