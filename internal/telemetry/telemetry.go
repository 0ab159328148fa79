// Package telemetry publishes rover status snapshots to bench and fleet
// consumers. Both channels are optional: a UDP datagram sender for local
// monitoring and an MQTT publisher for anything subscribed to the broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Source produces the status document to publish. Called on every publish
// interval; must be safe for concurrent use.
type Source func() any

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	Interval time.Duration
}

type UDPConfig struct {
	Dest     string
	Interval time.Duration
}

type Config struct {
	MQTT MQTTConfig
	UDP  UDPConfig
}

type Snapshot struct {
	MQTTEnabled   bool   `json:"mqtt_enabled"`
	MQTTConnected bool   `json:"mqtt_connected"`
	UDPEnabled    bool   `json:"udp_enabled"`
	Published     uint64 `json:"published"`
	LastError     string `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config
	src Source

	mu        sync.Mutex
	published uint64
	lastErr   string

	udp  *statusFeed
	mqtt mqtt.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, src Source) *Service {
	return &Service{cfg: cfg, src: src}
}

// Start brings up the configured channels. A channel that fails to
// initialize is reported but does not take the service down.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("telemetry: service is nil")
	}
	if s.src == nil {
		return fmt.Errorf("telemetry: source is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.UDP.Dest != "" {
		feed, err := dialStatusFeed(s.cfg.UDP.Dest)
		if err != nil {
			s.lastErr = err.Error()
			log.Printf("telemetry udp init failed: %v", err)
		} else {
			s.udp = feed
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.publishLoop(childCtx, s.cfg.UDP.Interval, s.sendUDP)
			}()
			log.Printf("telemetry udp dest=%s interval=%s", s.cfg.UDP.Dest, s.cfg.UDP.Interval)
		}
	}

	if s.cfg.MQTT.Broker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(s.cfg.MQTT.Broker).
			SetClientID(s.cfg.MQTT.ClientID).
			SetUsername(s.cfg.MQTT.Username).
			SetPassword(s.cfg.MQTT.Password).
			SetAutoReconnect(true).
			SetMaxReconnectInterval(10 * time.Second).
			SetConnectRetry(true).
			SetConnectRetryInterval(5 * time.Second).
			SetCleanSession(true)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("telemetry mqtt connection lost: %v", err)
		})

		client := mqtt.NewClient(opts)
		// ConnectRetry keeps trying in the background; don't block startup.
		client.Connect()
		s.mqtt = client

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishLoop(childCtx, s.cfg.MQTT.Interval, s.sendMQTT)
		}()
		log.Printf("telemetry mqtt broker=%s topic=%s interval=%s",
			s.cfg.MQTT.Broker, s.cfg.MQTT.Topic, s.cfg.MQTT.Interval)
	}

	return nil
}

func (s *Service) publishLoop(ctx context.Context, interval time.Duration, send func([]byte) error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			payload, err := json.Marshal(s.src())
			if err != nil {
				s.setError(fmt.Sprintf("telemetry marshal failed: %v", err))
				continue
			}
			if err := send(payload); err != nil {
				s.setError(err.Error())
				continue
			}
			s.mu.Lock()
			s.published++
			s.mu.Unlock()
		}
	}
}

func (s *Service) sendUDP(payload []byte) error {
	s.mu.Lock()
	feed := s.udp
	s.mu.Unlock()
	return feed.Publish(payload)
}

func (s *Service) sendMQTT(payload []byte) error {
	s.mu.Lock()
	client := s.mqtt
	s.mu.Unlock()
	if client == nil || !client.IsConnected() {
		// The broker link heals on its own; skip this round quietly.
		return nil
	}
	token := client.Publish(s.cfg.MQTT.Topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.setError(fmt.Sprintf("telemetry mqtt publish failed: %v", token.Error()))
		}
	}()
	return nil
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		MQTTEnabled: s.cfg.MQTT.Broker != "",
		UDPEnabled:  s.udp != nil,
		Published:   s.published,
		LastError:   s.lastErr,
	}
	if s.mqtt != nil {
		snap.MQTTConnected = s.mqtt.IsConnected()
	}
	return snap
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	udp := s.udp
	client := s.mqtt
	s.udp = nil
	s.mqtt = nil
	s.mu.Unlock()

	if udp != nil {
		_ = udp.Close()
	}
	if client != nil {
		client.Disconnect(250)
	}
}
