package nav

import (
	"log"
	"math"
	"sync"
	"time"

	"rtk-rover/internal/geo"
	"rtk-rover/internal/gnss"
)

// Phase is the navigator's control phase.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseCalibrating Phase = "CALIBRATING"
	PhaseAligning    Phase = "ALIGNING"
	PhaseDriving     Phase = "DRIVING"
	PhaseReached     Phase = "REACHED"
)

// Mode describes what kind of target sequence is being followed.
type Mode string

const (
	ModeSingle Mode = "SINGLE"
	ModePath   Mode = "PATH"
	ModeLoop   Mode = "LOOP"
)

// Status is the externally visible navigation status.
type Status string

const (
	StatusIdle            Status = "IDLE"
	StatusNavigating      Status = "NAVIGATING"
	StatusReachedWaypoint Status = "REACHED_WAYPOINT"
	StatusPathComplete    Status = "PATH_COMPLETE"
	StatusError           Status = "ERROR"
	StatusPaused          Status = "PAUSED"
)

// Machine-readable error tags (§ user-visible error surface).
const (
	ErrTagNoPosition = "no_position"
	ErrTagStaleGPS   = "stale_gps"
	ErrTagNoHeading  = "no_heading"
)

// Command is one normalized drive request: forward speed and right-positive
// turn rate, both in [-1, 1].
type Command struct {
	Speed    float64
	TurnRate float64
	At       time.Time
	Priority int
}

// Config carries the navigator tunables; zero values take the documented
// defaults.
type Config struct {
	MaxSpeed            float64       // forward speed cap, default 1.0
	AlignToleranceDeg   float64       // ALIGN→DRIVE threshold, default 15
	RealignThresholdDeg float64       // DRIVE→ALIGN threshold, default 30
	AlignSpeed          float64       // in-place turn magnitude, default 0.4
	AlignTimeout        time.Duration // max time in ALIGN, default 10s
	CalibrationDuration time.Duration // max time in CALIBRATE, default 5s
	DriveGain           float64       // proportional heading gain, default 0.02
	StaleAfter          time.Duration // position freshness horizon, default 2s
}

func (c *Config) setDefaults() {
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = 1.0
	}
	if c.AlignToleranceDeg <= 0 {
		c.AlignToleranceDeg = 15
	}
	if c.RealignThresholdDeg <= 0 {
		c.RealignThresholdDeg = 30
	}
	if c.AlignSpeed <= 0 {
		c.AlignSpeed = 0.4
	}
	if c.AlignTimeout <= 0 {
		c.AlignTimeout = 10 * time.Second
	}
	if c.CalibrationDuration <= 0 {
		c.CalibrationDuration = 5 * time.Second
	}
	if c.DriveGain <= 0 {
		c.DriveGain = 0.02
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = gnss.DefaultMaxSampleAge
	}
}

const (
	calibrationMinSamples  = 3
	calibrationMaxRangeDeg = 15.0
	calibrationSpeed       = 0.5
	fallbackDriveSpeed     = 0.5
	driveTurnLimit         = 0.2
)

// State is an immutable snapshot of the navigator (§3 observable state).
type State struct {
	Phase          Phase      `json:"phase"`
	PhaseStartedAt time.Time  `json:"phase_started_at"`
	Target         *Waypoint  `json:"target,omitempty"`
	DistanceM      *float64   `json:"distance_to_target_m,omitempty"`
	BearingDeg     *float64   `json:"bearing_to_target_deg,omitempty"`
	HeadingDeg     *float64   `json:"current_heading_deg,omitempty"`
	SpeedMS        *float64   `json:"current_speed_ms,omitempty"`
	Mode           Mode       `json:"mode"`
	Status         Status     `json:"status"`
	ErrorTag       string     `json:"error_tag,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Remaining      int        `json:"waypoints_remaining"`
	LoopCount      int        `json:"loop_count"`
}

// Navigator consumes position updates and emits one drive command per tick.
//
// Phase transitions:
//
//	IDLE → CALIBRATING → ALIGNING → DRIVING → REACHED → (ALIGNING | IDLE)
//
// with DRIVING → ALIGNING on large heading error.
type Navigator struct {
	cfg Config

	mu    sync.Mutex
	queue *Queue

	running bool
	paused  bool

	lat, lon  float64
	havePos   bool
	heading   *float64
	speed     *float64
	lastPosAt time.Time

	phase        Phase
	phaseStart   time.Time
	lastTick     time.Time
	mode         Mode
	status       Status
	errTag       string
	errMsg       string

	calSamples []float64
	// calFailed marks a calibration that timed out without any heading
	// sample; while set, the drive fallback runs instead of re-entering
	// calibration every tick.
	calFailed bool

	pid *headingPID

	// Per-target approach milestones (observability only).
	milestone10 bool
	milestone5  bool
}

func New(cfg Config) *Navigator {
	cfg.setDefaults()
	pid := newHeadingPID(cfg.DriveGain, 0, 0)
	pid.SetOutputLimits(-driveTurnLimit, driveTurnLimit)
	return &Navigator{
		cfg:    cfg,
		queue:  NewQueue(false),
		phase:  PhaseIdle,
		mode:   ModeSingle,
		status: StatusIdle,
		pid:    pid,
	}
}

// Queue exposes the waypoint queue for inspection.
func (n *Navigator) Queue() *Queue { return n.queue }

// UpdatePosition feeds the latest kinematic sample into the navigator.
// Samples are expected in reception order; the position store upstream
// already discards out-of-order deliveries.
func (n *Navigator) UpdatePosition(s gnss.Sample) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lat, n.lon = s.Lat, s.Lon
	n.havePos = true
	n.lastPosAt = s.ReceivedAt
	if s.SpeedMS != nil {
		v := *s.SpeedMS
		n.speed = &v
	}
	if s.HeadingDeg != nil {
		v := *s.HeadingDeg
		n.heading = &v
		if s.HeadingReliable {
			n.calFailed = false
			if n.phase == PhaseCalibrating {
				n.calSamples = append(n.calSamples, v)
			}
		}
	}
}

// Tick runs one control cycle and returns the drive command for it.
func (n *Navigator) Tick(now time.Time) Command {
	n.mu.Lock()
	defer n.mu.Unlock()

	dt := now.Sub(n.lastTick)
	if n.lastTick.IsZero() {
		dt = 0
	}
	n.lastTick = now

	// Preflight, in order.
	if !n.running || n.paused {
		return n.zero(now)
	}
	if !n.havePos {
		n.setError(ErrTagNoPosition, "no GPS position available")
		return n.zero(now)
	}
	if now.Sub(n.lastPosAt) > n.cfg.StaleAfter {
		n.setError(ErrTagStaleGPS, "GPS data too old")
		return n.zero(now)
	}
	target, ok := n.queue.Peek()
	if !ok {
		// Keep a terminal PATH_COMPLETE visible instead of reverting to
		// plain idle.
		if n.status != StatusPathComplete {
			n.status = StatusIdle
		}
		n.toPhase(PhaseIdle, now)
		n.clearError()
		return n.zero(now)
	}
	if n.heading == nil && n.phase != PhaseCalibrating && !n.calFailed {
		n.startCalibration(now)
	}

	n.clearError()
	return n.run(now, dt, target)
}

func (n *Navigator) run(now time.Time, dt time.Duration, target Waypoint) Command {
	switch n.phase {
	case PhaseIdle, PhaseReached:
		// Fresh target: begin alignment.
		n.pid.Reset()
		n.toPhase(PhaseAligning, now)
		n.status = StatusNavigating
		return n.run(now, dt, target)
	case PhaseCalibrating:
		return n.tickCalibrating(now, dt, target)
	case PhaseAligning:
		return n.tickAligning(now, dt, target)
	case PhaseDriving:
		return n.tickDriving(now, dt, target)
	default:
		return n.zero(now)
	}
}

func (n *Navigator) tickCalibrating(now time.Time, dt time.Duration, target Waypoint) Command {
	n.status = StatusNavigating

	if len(n.calSamples) >= calibrationMinSamples &&
		geo.CircularRangeDeg(n.calSamples) < calibrationMaxRangeDeg {
		if mean, ok := geo.CircularMeanDeg(n.calSamples); ok {
			v := mean
			n.heading = &v
			log.Printf("nav calibration accepted heading=%.1f samples=%d", mean, len(n.calSamples))
			n.toPhase(PhaseAligning, now)
			return n.run(now, dt, target)
		}
	}

	if now.Sub(n.phaseStart) >= n.cfg.CalibrationDuration {
		if len(n.calSamples) > 0 {
			// Accept whatever was collected, even if the window never got
			// tight enough.
			v := n.calSamples[len(n.calSamples)-1]
			if mean, ok := geo.CircularMeanDeg(n.calSamples); ok {
				v = mean
			}
			n.heading = &v
			log.Printf("nav calibration timeout, accepting heading=%.1f samples=%d", v, len(n.calSamples))
			n.toPhase(PhaseAligning, now)
			return n.run(now, dt, target)
		}
		// No heading at all: drive slowly and let course-over-ground appear.
		log.Printf("nav calibration timeout with no samples, driving at reduced speed")
		n.calFailed = true
		n.toPhase(PhaseDriving, now)
		return n.command(now, fallbackDriveSpeed, 0)
	}

	return n.command(now, calibrationSpeed, 0)
}

func (n *Navigator) tickAligning(now time.Time, dt time.Duration, target Waypoint) Command {
	n.status = StatusNavigating

	bearing := geo.InitialBearingDeg(n.lat, n.lon, target.Lat, target.Lon)
	err := geo.AngleDiffDeg(n.headingOrZero(), bearing)

	if math.Abs(err) < n.cfg.AlignToleranceDeg {
		n.pid.Reset()
		n.toPhase(PhaseDriving, now)
		return n.command(now, n.driveSpeed(target), 0)
	}
	if now.Sub(n.phaseStart) > n.cfg.AlignTimeout {
		log.Printf("nav align timeout err=%.1f, driving at reduced speed", err)
		n.toPhase(PhaseDriving, now)
		return n.command(now, fallbackDriveSpeed, 0)
	}

	turn := sign(err) * math.Min(math.Abs(err)/90.0, 1.0) * n.cfg.AlignSpeed
	return n.command(now, 0, turn)
}

func (n *Navigator) tickDriving(now time.Time, dt time.Duration, target Waypoint) Command {
	distance := geo.HaversineM(n.lat, n.lon, target.Lat, target.Lon)

	if distance <= target.Tolerance() {
		return n.reached(now, target)
	}

	n.status = StatusNavigating
	n.noteMilestones(distance, target)

	if n.heading == nil {
		log.Printf("nav driving without heading, straight-line fallback")
		n.errTag, n.errMsg = ErrTagNoHeading, "no heading available"
		return n.command(now, fallbackDriveSpeed, 0)
	}

	bearing := geo.InitialBearingDeg(n.lat, n.lon, target.Lat, target.Lon)
	err := geo.AngleDiffDeg(*n.heading, bearing)

	if math.Abs(err) > n.cfg.RealignThresholdDeg {
		n.pid.Reset()
		n.toPhase(PhaseAligning, now)
		return n.run(now, dt, target)
	}

	turn := n.pid.Update(err, dt)
	return n.command(now, n.driveSpeed(target), turn)
}

// reached emits the single REACHED tick and lines up the next target.
func (n *Navigator) reached(now time.Time, target Waypoint) Command {
	name := target.Name
	if name == "" {
		name = "unnamed"
	}
	log.Printf("nav waypoint reached name=%s loop_count=%d", name, n.queue.LoopCount())

	n.toPhase(PhaseReached, now)
	n.status = StatusReachedWaypoint
	n.pid.Reset()
	n.resetMilestones()

	if n.mode == ModeSingle && !n.queue.Loop() {
		n.queue.Clear()
		n.toPhase(PhaseIdle, now)
		n.status = StatusIdle
		return n.zero(now)
	}

	if n.queue.Advance() {
		// Next target exists (possibly wrapped in loop mode).
		n.toPhase(PhaseAligning, now)
		n.status = StatusNavigating
		return n.zero(now)
	}

	n.toPhase(PhaseIdle, now)
	n.status = StatusPathComplete
	// Waypoints added after completion wait for an explicit start.
	n.running = false
	return n.zero(now)
}

func (n *Navigator) noteMilestones(distance float64, target Waypoint) {
	if distance <= 10 && !n.milestone10 {
		n.milestone10 = true
		log.Printf("nav approach 10m target=%s", target.Name)
	}
	if distance <= 5 && !n.milestone5 {
		n.milestone5 = true
		log.Printf("nav approach 5m target=%s", target.Name)
	}
}

func (n *Navigator) resetMilestones() {
	n.milestone10 = false
	n.milestone5 = false
}

func (n *Navigator) driveSpeed(target Waypoint) float64 {
	s := n.cfg.MaxSpeed
	if target.SpeedCap > 0 && target.SpeedCap < s {
		s = target.SpeedCap
	}
	return s
}

func (n *Navigator) headingOrZero() float64 {
	if n.heading != nil {
		return *n.heading
	}
	return 0
}

func (n *Navigator) startCalibration(now time.Time) {
	n.calSamples = n.calSamples[:0]
	n.toPhase(PhaseCalibrating, now)
}

func (n *Navigator) toPhase(p Phase, now time.Time) {
	if n.phase == p {
		return
	}
	n.phase = p
	n.phaseStart = now
}

func (n *Navigator) setError(tag, msg string) {
	n.status = StatusError
	n.errTag = tag
	n.errMsg = msg
}

func (n *Navigator) clearError() {
	if n.status == StatusError {
		n.status = StatusNavigating
	}
	n.errTag = ""
	n.errMsg = ""
}

func (n *Navigator) zero(now time.Time) Command {
	return Command{At: now}
}

func (n *Navigator) command(now time.Time, speed, turn float64) Command {
	return Command{
		Speed:    clamp(speed, -1, 1),
		TurnRate: clamp(turn, -1, 1),
		At:       now,
		Priority: 1,
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// --- public operations ---

// SetTarget replaces the queue with a single target and starts navigating.
func (n *Navigator) SetTarget(wp Waypoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue.Replace([]Waypoint{wp})
	n.mode = ModeSingle
	n.startLocked()
}

// SetPath replaces the queue with a waypoint sequence and starts navigating.
func (n *Navigator) SetPath(wps []Waypoint, loop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue.Replace(wps)
	n.queue.SetLoop(loop)
	n.mode = ModePath
	n.startLocked()
}

// AddWaypoint appends to the queue; when autoStart is set the navigator
// begins (or keeps) running. Returns the waypoint index.
func (n *Navigator) AddWaypoint(wp Waypoint, autoStart bool) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := n.queue.Add(wp)
	if n.mode == ModeSingle && n.queue.Len() > 1 {
		n.mode = ModePath
	}
	if autoStart {
		n.startLocked()
	}
	return idx
}

// Start begins consuming queued waypoints.
func (n *Navigator) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mode == ModeSingle && n.queue.Len() > 1 {
		n.mode = ModePath
	}
	n.startLocked()
}

func (n *Navigator) startLocked() {
	n.running = true
	n.paused = false
	n.errTag, n.errMsg = "", ""
	n.pid.Reset()
	n.calFailed = false
	n.resetMilestones()
	if n.status == StatusPathComplete || n.status == StatusIdle ||
		n.status == StatusPaused || n.status == StatusError {
		n.status = StatusNavigating
	}
	// A stale REACHED/IDLE phase restarts cleanly on the next tick.
	if n.phase == PhaseReached {
		n.phase = PhaseIdle
	}
}

// Pause suspends command output while preserving phase, target and heading.
func (n *Navigator) Pause() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running && !n.paused {
		n.paused = true
		n.status = StatusPaused
	}
}

// Resume continues after a Pause.
func (n *Navigator) Resume() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running && n.paused {
		n.paused = false
		if _, ok := n.queue.Peek(); ok {
			n.status = StatusNavigating
		} else {
			n.status = StatusIdle
		}
	}
}

// Stop halts navigation and resets the phase. The queue is preserved; call
// ClearWaypoints to drop it. Idempotent.
func (n *Navigator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	n.paused = false
	n.phase = PhaseIdle
	n.status = StatusIdle
	n.errTag, n.errMsg = "", ""
	n.pid.Reset()
	n.calSamples = nil
}

// ClearWaypoints empties the queue and drops the current target.
func (n *Navigator) ClearWaypoints() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue.Clear()
	n.phase = PhaseIdle
	if n.status != StatusPaused {
		n.status = StatusIdle
	}
}

// SetLoopMode toggles cyclic queue consumption.
func (n *Navigator) SetLoopMode(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue.SetLoop(enabled)
	if enabled {
		n.mode = ModeLoop
	} else if n.queue.Len() > 1 {
		n.mode = ModePath
	} else {
		n.mode = ModeSingle
	}
}

func (n *Navigator) LoopCount() int {
	return n.queue.LoopCount()
}

// SetMaxSpeed updates the forward speed cap (clamped to [0, 1]).
func (n *Navigator) SetMaxSpeed(v float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.MaxSpeed = clamp(v, 0, 1)
}

// State returns a consistent snapshot.
func (n *Navigator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := State{
		Phase:          n.phase,
		PhaseStartedAt: n.phaseStart,
		Mode:           n.modeLocked(),
		Status:         n.status,
		ErrorTag:       n.errTag,
		ErrorMessage:   n.errMsg,
		Remaining:      n.queue.Remaining(),
		LoopCount:      n.queue.LoopCount(),
	}
	if n.heading != nil {
		v := *n.heading
		st.HeadingDeg = &v
	}
	if n.speed != nil {
		v := *n.speed
		st.SpeedMS = &v
	}
	if target, ok := n.queue.Peek(); ok {
		wp := target
		st.Target = &wp
		if n.havePos {
			d := geo.HaversineM(n.lat, n.lon, target.Lat, target.Lon)
			b := geo.InitialBearingDeg(n.lat, n.lon, target.Lat, target.Lon)
			st.DistanceM = &d
			st.BearingDeg = &b
		}
	}
	return st
}

func (n *Navigator) modeLocked() Mode {
	if n.queue.Loop() {
		return ModeLoop
	}
	return n.mode
}
