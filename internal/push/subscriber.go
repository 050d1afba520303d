package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/l0p7/swgate/internal/config"
	"github.com/l0p7/swgate/internal/logging"
	"github.com/l0p7/swgate/internal/runtime/event"
)

const (
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

// Subscriber feeds messages from an MQTT topic into the worker as push
// events.
type Subscriber struct {
	cfg        config.MQTTConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	client     mqtt.Client

	mu  sync.Mutex
	ctx context.Context
}

func New(cfg config.MQTTConfig, dispatcher Dispatcher, logger *slog.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("push: mqtt broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("push: mqtt topic required")
	}
	if dispatcher == nil {
		return nil, errors.New("push: dispatcher required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Subscriber{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("agent", "push")),
		ctx:        context.Background(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	// Subscriptions are restored on every (re)connect.
	opts.SetOnConnectHandler(s.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker. Messages are dispatched with ctx until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("push: connect %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("push: connect %s: %w", s.cfg.Broker, err)
	}
	s.logger.InfoContext(ctx, "mqtt connected", slog.String("broker", s.cfg.Broker), slog.String("topic", s.cfg.Topic))
	return nil
}

func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectWait)
	}
}

func (s *Subscriber) subscribe(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.handleMessage)
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Error("mqtt subscribe timed out", slog.String("topic", s.cfg.Topic))
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt subscribe failed", slog.String("topic", s.cfg.Topic), slog.String("error", err.Error()))
	}
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := s.dispatcher.Dispatch(ctx, event.PushEvent{Data: msg.Payload()})
	if err != nil {
		s.logger.WarnContext(ctx, "push event failed", slog.String("topic", msg.Topic()), slog.String("error", err.Error()))
		return
	}
	s.logger.DebugContext(ctx, "push event dispatched", slog.String("topic", msg.Topic()), slog.Int("bytes", len(msg.Payload())))
}
