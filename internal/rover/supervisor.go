// Package rover wires the GNSS pipeline, correction link, navigator and
// motor controller together and runs the control tick. It also exposes the
// query/command surface consumed by external transports.
package rover

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"rtk-rover/internal/config"
	"rtk-rover/internal/gnss"
	"rtk-rover/internal/motor"
	"rtk-rover/internal/nav"
	"rtk-rover/internal/ntrip"
	"rtk-rover/internal/receiver"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/track"
)

// failStreakLimit pauses the navigator after this many consecutive failed
// ticks; resuming is explicit.
const failStreakLimit = 3

// SystemStatus is the health document served to external transports.
type SystemStatus struct {
	Running       bool   `json:"running"`
	GPSConnected  bool   `json:"gps_connected"`
	NTRIPState    string `json:"ntrip_state"`
	NTRIPEnabled  bool   `json:"ntrip_enabled"`
	FixQuality    string `json:"fix_quality"`
	Satellites    int    `json:"satellites"`
	HDOP          *float64 `json:"hdop,omitempty"`
	SignalQuality string `json:"signal_quality"`
	StreamFresh   bool   `json:"stream_fresh"`
	Mode          string `json:"mode"`
	TickFailures  int    `json:"tick_failures"`
	Degraded      bool   `json:"degraded"`

	Receiver receiver.Snapshot  `json:"receiver"`
	Link     *ntrip.Snapshot    `json:"link,omitempty"`
	Motor    motor.Status       `json:"motor"`
	Nav      nav.State          `json:"nav"`
	Tele     telemetry.Snapshot `json:"telemetry"`
}

// Supervisor owns the control cadence and the lifecycle of every subsystem.
type Supervisor struct {
	cfg config.Config

	store    *gnss.Store
	composer *gnss.Composer
	recv     *receiver.Service
	link     *ntrip.Client
	nav      *nav.Navigator
	motor    *motor.Controller
	tele     *telemetry.Service

	trackStore   *track.Store
	trackSession int64

	sub <-chan gnss.Sample

	mu         sync.Mutex
	running    bool
	failStreak int
	degraded   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	globalMu  sync.Mutex
	globalSup *Supervisor
)

// Init builds the process-wide supervisor. The first call wins; later calls
// return the existing instance, making construction idempotent under
// concurrent first access.
func Init(cfg config.Config) (*Supervisor, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSup != nil {
		return globalSup, nil
	}
	sup, err := New(cfg)
	if err != nil {
		return nil, err
	}
	globalSup = sup
	return sup, nil
}

// Get returns the process-wide supervisor, or nil before Init.
func Get() *Supervisor {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalSup
}

// New builds an unstarted supervisor from configuration.
func New(cfg config.Config) (*Supervisor, error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, err
	}

	s := &Supervisor{cfg: cfg}
	s.store = gnss.NewStore()
	s.sub = s.store.Subscribe(64)

	s.composer = gnss.NewComposer(gnss.ComposerConfig{}, func(sample gnss.Sample) {
		s.store.Update(sample)
	}, nil)

	s.recv = receiver.New(receiver.Config{
		Device: cfg.Receiver.Device,
		Baud:   cfg.Receiver.Baud,
		Driver: cfg.Receiver.Driver,
	}, s.composer)

	if cfg.Caster.Enabled() {
		s.link = ntrip.New(ntrip.Config{
			Host:       cfg.Caster.Host,
			Port:       cfg.Caster.Port,
			Mountpoint: cfg.Caster.Mountpoint,
			Username:   cfg.Caster.Username,
			Password:   cfg.Caster.Password,
		}, s.recv, s.store)
	}

	s.nav = nav.New(nav.Config{
		MaxSpeed:            cfg.Nav.MaxSpeed,
		AlignToleranceDeg:   cfg.Nav.AlignToleranceDeg,
		RealignThresholdDeg: cfg.Nav.RealignThresholdDeg,
		AlignSpeed:          cfg.Nav.AlignSpeed,
		AlignTimeout:        cfg.Nav.AlignTimeout,
		CalibrationDuration: cfg.Nav.CalibrationDuration,
		DriveGain:           cfg.Nav.DriveCorrectionGain,
	})
	s.nav.SetLoopMode(cfg.Nav.LoopMode)

	sink, err := motor.OpenSink(motor.SinkConfig{
		Backend:         cfg.Motor.Backend,
		LeftForwardPin:  cfg.Motor.LeftForwardPin,
		LeftReversePin:  cfg.Motor.LeftReversePin,
		RightForwardPin: cfg.Motor.RightForwardPin,
		RightReversePin: cfg.Motor.RightReversePin,
	})
	if err != nil {
		return nil, fmt.Errorf("rover: motor sink: %w", err)
	}
	s.motor = motor.New(motor.Config{
		MaxSpeed:        cfg.Motor.MaxSpeed,
		TurnSensitivity: cfg.Motor.TurnSensitivity,
		RampRate:        cfg.Motor.RampRate,
		SafetyTimeout:   cfg.Motor.SafetyTimeout,
	}, sink)

	if cfg.Telemetry.MQTT.Broker != "" || cfg.Telemetry.UDP.Dest != "" {
		s.tele = telemetry.New(telemetry.Config{
			MQTT: telemetry.MQTTConfig{
				Broker:   cfg.Telemetry.MQTT.Broker,
				ClientID: cfg.Telemetry.MQTT.ClientID,
				Topic:    cfg.Telemetry.MQTT.Topic,
				Username: cfg.Telemetry.MQTT.Username,
				Password: cfg.Telemetry.MQTT.Password,
				Interval: cfg.Telemetry.MQTT.Interval,
			},
			UDP: telemetry.UDPConfig{
				Dest:     cfg.Telemetry.UDP.Dest,
				Interval: cfg.Telemetry.UDP.Interval,
			},
		}, func() any { return s.GetSystemStatus() })
	}

	if cfg.Track.Path != "" {
		s.trackStore = track.NewStore(cfg.Track.Path)
	}

	return s, nil
}

// Start brings the stack up. A receiver that fails to open is fatal; the
// correction link and telemetry degrade gracefully.
func (s *Supervisor) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("rover: supervisor is nil")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.recv.Start(childCtx); err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("rover: receiver start: %w", err)
	}

	if s.link != nil {
		if err := s.link.Start(childCtx); err != nil {
			// Keep the rover running GPS-only.
			log.Printf("rover ntrip start failed: %v", err)
		}
	}

	if err := s.motor.Start(childCtx); err != nil {
		cancel()
		s.recv.Close()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("rover: motor start: %w", err)
	}

	if s.tele != nil {
		if err := s.tele.Start(childCtx); err != nil {
			log.Printf("rover telemetry start failed: %v", err)
		}
	}

	if s.trackStore != nil {
		id, err := s.trackStore.BeginSession(childCtx, time.Now())
		if err != nil {
			log.Printf("rover track logging disabled: %v", err)
			s.trackStore = nil
		} else {
			s.trackSession = id
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(childCtx)
	}()

	log.Printf("rover started tick=%s motor=%s", s.cfg.Tick.Period, s.cfg.Motor.Backend)
	return nil
}

func (s *Supervisor) tickLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick.Period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.runTick(ctx, now)
		}
	}
}

// runTick is one control cycle: drain position updates, tick the navigator,
// hand the command to the motors, account failures.
func (s *Supervisor) runTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rover tick panic: %v", r)
			s.noteTickFailure()
			// Never leave the wheels live after a broken tick.
			s.motor.EmergencyStop()
		}
	}()

	s.drainPositions(ctx)

	cmd := s.nav.Tick(now)

	if _, _, err := s.motor.Drive(cmd.Speed, cmd.TurnRate); err != nil {
		s.noteTickFailure()
		return
	}
	s.noteTickOK()
}

func (s *Supervisor) drainPositions(ctx context.Context) {
	for {
		select {
		case sample := <-s.sub:
			s.nav.UpdatePosition(sample)
			if s.trackStore != nil {
				if err := s.trackStore.Append(ctx, s.trackSession, sample); err != nil {
					log.Printf("rover track append failed: %v", err)
				}
			}
		default:
			return
		}
	}
}

func (s *Supervisor) noteTickFailure() {
	s.mu.Lock()
	s.failStreak++
	strikeOut := s.failStreak == failStreakLimit
	if strikeOut {
		s.degraded = true
	}
	s.mu.Unlock()

	if strikeOut {
		log.Printf("rover pausing navigator after %d failed ticks", failStreakLimit)
		s.nav.Pause()
	}
}

func (s *Supervisor) noteTickOK() {
	s.mu.Lock()
	s.failStreak = 0
	s.mu.Unlock()
}

// Close shuts everything down and joins all contexts.
func (s *Supervisor) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.link != nil {
		s.link.Close()
	}
	s.recv.Close()
	if s.tele != nil {
		s.tele.Close()
	}
	s.motor.Close()
	if s.trackStore != nil {
		_ = s.trackStore.Close()
	}
	log.Printf("rover stopped")
}
