package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/runtime/event"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingDispatcher struct {
	events []event.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev event.Event) error {
	d.events = append(d.events, ev)
	return d.err
}

func mqttConfig() config.MQTTConfig {
	cfg := config.DefaultConfig().Push.MQTT
	cfg.Broker = "tcp://127.0.0.1:1"
	return cfg
}

func TestMessagesBecomePushEvents(t *testing.T) {
	d := &recordingDispatcher{}
	s, err := New(mqttConfig(), d, nil)
	require.NoError(t, err)

	s.handleMessage(nil, fakeMessage{topic: "swgate/push", payload: []byte(`{"title":"Storm"}`)})
	s.handleMessage(nil, fakeMessage{topic: "swgate/push"})

	require.Len(t, d.events, 2)
	first, ok := d.events[0].(event.PushEvent)
	require.True(t, ok)
	require.JSONEq(t, `{"title":"Storm"}`, string(first.Data))
	require.False(t, d.events[1].(event.PushEvent).HasData())

	d.err = errors.New("no handler")
	s.handleMessage(nil, fakeMessage{topic: "swgate/push", payload: []byte(`{}`)})
	require.Len(t, d.events, 3)
}

func TestNewValidatesConfig(t *testing.T) {
	d := &recordingDispatcher{}
	cfg := mqttConfig()
	cfg.Broker = ""
	_, err := New(cfg, d, nil)
	require.Error(t, err)

	cfg = mqttConfig()
	cfg.Topic = ""
	_, err = New(cfg, d, nil)
	require.Error(t, err)

	_, err = New(mqttConfig(), nil, nil)
	require.Error(t, err)
}

func TestStartFailsWithoutBroker(t *testing.T) {
	s, err := New(mqttConfig(), &recordingDispatcher{}, nil)
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
	s.Stop()
}
