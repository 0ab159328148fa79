package motor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEmergencyActive is returned by Drive while an emergency stop is latched.
var ErrEmergencyActive = errors.New("motor: emergency stop active")

const (
	DefaultMaxSpeed        = 0.8
	DefaultTurnSensitivity = 1.0
	DefaultRampRate        = 0.5
	DefaultSafetyTimeout   = 500 * time.Millisecond
	DefaultWatchdogPoll    = 100 * time.Millisecond
)

type Config struct {
	MaxSpeed        float64       // output magnitude cap, default 0.8
	TurnSensitivity float64       // turn weighting, default 1.0
	RampRate        float64       // max per-tick change per side, default 0.5
	SafetyTimeout   time.Duration // dead-man, default 500ms
	WatchdogPoll    time.Duration // watchdog cadence, default 100ms
}

func (c *Config) setDefaults() {
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = DefaultMaxSpeed
	}
	if c.TurnSensitivity <= 0 {
		c.TurnSensitivity = DefaultTurnSensitivity
	}
	if c.RampRate == 0 {
		c.RampRate = DefaultRampRate
	}
	c.RampRate = clampF(c.RampRate, 0.01, 1.0)
	if c.SafetyTimeout <= 0 {
		c.SafetyTimeout = DefaultSafetyTimeout
	}
	if c.WatchdogPoll <= 0 {
		c.WatchdogPoll = DefaultWatchdogPoll
	}
}

// Status is the controller's observable state.
type Status struct {
	Left           float64    `json:"left"`
	Right          float64    `json:"right"`
	Emergency      bool       `json:"emergency"`
	LastCommandAt  *time.Time `json:"last_command_utc,omitempty"`
	MaxSpeed       float64    `json:"max_speed"`
	RampRate       float64    `json:"ramp_rate"`
	SafetyTimeoutS float64    `json:"safety_timeout_s"`
}

// Controller owns the wheel state: it translates (speed, turn) pairs into
// ramped per-side outputs and supervises them with a watchdog.
//
// The emergency flag is lock-free so EmergencyStop can be called from any
// goroutine, including signal handlers, without contending on the wheel lock.
type Controller struct {
	cfg  Config
	sink Sink

	estop   atomic.Bool
	estopCh chan struct{}

	mu        sync.Mutex
	left      float64
	right     float64
	lastCmdAt time.Time
	haveCmd   bool
	maxSpeed  float64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
}

func New(cfg Config, sink Sink) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:      cfg,
		sink:     sink,
		maxSpeed: cfg.MaxSpeed,
		estopCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the watchdog. Safe to call once.
func (c *Controller) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("motor: controller is nil")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdog(ctx)
	}()
	return nil
}

// Drive translates one normalized command and applies it to the sink.
// Returns the wheel pair actually emitted.
func (c *Controller) Drive(speed, turn float64) (left, right float64, err error) {
	if c.estop.Load() {
		return 0, 0, ErrEmergencyActive
	}

	speed = clampF(speed, -1, 1)
	turn = clampF(turn, -1, 1)

	// Differential mix.
	leftRaw := speed - turn*c.cfg.TurnSensitivity
	rightRaw := speed + turn*c.cfg.TurnSensitivity

	// Magnitude normalization preserves the signed difference, so the turn
	// ratio survives scaling.
	m := math.Max(math.Max(math.Abs(leftRaw), math.Abs(rightRaw)), 1.0)
	leftRaw /= m
	rightRaw /= m

	c.mu.Lock()
	limit := c.maxSpeed
	targetL := clampF(leftRaw*limit, -1, 1)
	targetR := clampF(rightRaw*limit, -1, 1)

	nextL := rampToward(c.left, targetL, c.cfg.RampRate)
	nextR := rampToward(c.right, targetR, c.cfg.RampRate)
	c.left, c.right = nextL, nextR
	c.lastCmdAt = time.Now()
	c.haveCmd = true
	c.mu.Unlock()

	if err := c.sink.ApplyWheels(nextL, nextR); err != nil {
		return nextL, nextR, fmt.Errorf("motor: apply wheels: %w", err)
	}
	return nextL, nextR, nil
}

// DriveWheels applies a raw wheel pair directly, still subject to the
// emergency latch, the speed cap and ramp limiting. Used for manual control.
func (c *Controller) DriveWheels(left, right float64) (outLeft, outRight float64, err error) {
	if c.estop.Load() {
		return 0, 0, ErrEmergencyActive
	}
	left = clampF(left, -1, 1)
	right = clampF(right, -1, 1)

	c.mu.Lock()
	limit := c.maxSpeed
	targetL := clampF(left*limit, -1, 1)
	targetR := clampF(right*limit, -1, 1)
	nextL := rampToward(c.left, targetL, c.cfg.RampRate)
	nextR := rampToward(c.right, targetR, c.cfg.RampRate)
	c.left, c.right = nextL, nextR
	c.lastCmdAt = time.Now()
	c.haveCmd = true
	c.mu.Unlock()

	if err := c.sink.ApplyWheels(nextL, nextR); err != nil {
		return nextL, nextR, fmt.Errorf("motor: apply wheels: %w", err)
	}
	return nextL, nextR, nil
}

// Wheels returns the current output pair.
func (c *Controller) Wheels() (left, right float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left, c.right
}

// EmergencyStop latches the emergency flag, zeroes the outputs immediately
// and disarms Drive until ClearEmergency. Non-blocking and callable from any
// goroutine.
func (c *Controller) EmergencyStop() {
	if c.estop.Swap(true) {
		return
	}
	log.Printf("motor emergency stop")

	// Zero in-line; the watchdog re-asserts within its poll interval.
	c.zeroNow()
	select {
	case c.estopCh <- struct{}{}:
	default:
	}
}

// ClearEmergency re-arms the controller.
func (c *Controller) ClearEmergency() {
	if c.estop.Swap(false) {
		log.Printf("motor emergency cleared")
	}
}

// EmergencyActive reports the latch state.
func (c *Controller) EmergencyActive() bool {
	return c.estop.Load()
}

// SetMaxSpeed updates the magnitude cap (clamped to [0, 1]).
func (c *Controller) SetMaxSpeed(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSpeed = clampF(v, 0, 1)
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Left:           c.left,
		Right:          c.right,
		Emergency:      c.estop.Load(),
		MaxSpeed:       c.maxSpeed,
		RampRate:       c.cfg.RampRate,
		SafetyTimeoutS: c.cfg.SafetyTimeout.Seconds(),
	}
	if c.haveCmd {
		at := c.lastCmdAt
		st.LastCommandAt = &at
	}
	return st
}

// Close stops the watchdog, zeroes the outputs and releases the sink.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.zeroNow()
	_ = c.sink.Close()
}

func (c *Controller) zeroNow() {
	c.mu.Lock()
	c.left, c.right = 0, 0
	c.haveCmd = false
	c.mu.Unlock()
	if err := c.sink.ApplyEmergencyStop(); err != nil {
		log.Printf("motor zero failed: %v", err)
	}
}

// watchdog enforces the two safety paths: the emergency event (reacted to
// within one poll interval, typically immediately via the channel) and the
// dead-man timeout for stale commands.
func (c *Controller) watchdog(ctx context.Context) {
	t := time.NewTicker(c.cfg.WatchdogPoll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.estopCh:
			c.zeroNow()
		case <-t.C:
			if c.estop.Load() {
				// Keep asserting zero while latched.
				c.zeroNow()
				continue
			}
			c.mu.Lock()
			expired := c.haveCmd && time.Since(c.lastCmdAt) > c.cfg.SafetyTimeout
			c.mu.Unlock()
			if expired {
				log.Printf("motor dead-man timeout, stopping")
				c.zeroNow()
			}
		}
	}
}

func rampToward(prev, target, rate float64) float64 {
	delta := target - prev
	if delta > rate {
		delta = rate
	}
	if delta < -rate {
		delta = -rate
	}
	return prev + delta
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
