package rover

import (
	"fmt"
	"time"

	"rtk-rover/internal/gnss"
	"rtk-rover/internal/motor"
	"rtk-rover/internal/nav"
)

// GetPosition returns the latest accepted sample. The reason explains an
// empty result.
func (s *Supervisor) GetPosition() (sample gnss.Sample, ok bool, reason string) {
	sample, ok = s.store.Latest()
	if !ok {
		return gnss.Sample{}, false, nav.ErrTagNoPosition
	}
	if s.store.IsStale(time.Now(), gnss.DefaultMaxSampleAge) {
		return sample, true, nav.ErrTagStaleGPS
	}
	return sample, true, ""
}

// GetNavigationStatus returns the navigator snapshot.
func (s *Supervisor) GetNavigationStatus() nav.State {
	return s.nav.State()
}

// GetSystemStatus composes the health document from every subsystem.
func (s *Supervisor) GetSystemStatus() SystemStatus {
	s.mu.Lock()
	running := s.running
	failStreak := s.failStreak
	degraded := s.degraded
	s.mu.Unlock()

	recvSnap := s.recv.Snapshot()
	navState := s.nav.State()

	st := SystemStatus{
		Running:      running,
		GPSConnected: recvSnap.Connected,
		NTRIPState:   ntripStateOrDisabled(s),
		NTRIPEnabled: s.link != nil,
		FixQuality:   gnss.NoFix.String(),
		StreamFresh:  !s.store.IsStale(time.Now(), gnss.DefaultMaxSampleAge),
		Mode:         string(navState.Mode),
		TickFailures: failStreak,
		Degraded:     degraded,
		Receiver:     recvSnap,
		Motor:        s.motor.Snapshot(),
		Nav:          navState,
	}
	if s.link != nil {
		snap := s.link.Snapshot()
		st.Link = &snap
	}
	if s.tele != nil {
		st.Tele = s.tele.Snapshot()
	}
	if sample, ok := s.store.Latest(); ok {
		st.FixQuality = sample.Quality.String()
		st.Satellites = sample.Satellites
		st.HDOP = sample.HDOP
	}
	st.SignalQuality = string(gnss.ClassifySignal(st.HDOP))
	return st
}

func ntripStateOrDisabled(s *Supervisor) string {
	if s.link == nil {
		return "DISABLED"
	}
	return string(s.link.State())
}

// AddWaypoint queues a target and returns its index. Navigation does not
// start until StartNavigation (or Goto) is called.
func (s *Supervisor) AddWaypoint(lat, lon float64, name string) (int, error) {
	if err := validateLatLon(lat, lon); err != nil {
		return 0, err
	}
	wp := nav.Waypoint{Lat: lat, Lon: lon, Name: name, ToleranceM: s.cfg.Nav.WaypointToleranceM}
	return s.nav.AddWaypoint(wp, false), nil
}

// ClearWaypoints empties the queue and drops the current target.
func (s *Supervisor) ClearWaypoints() {
	s.nav.ClearWaypoints()
}

// StartNavigation runs the queued waypoints.
func (s *Supervisor) StartNavigation() error {
	if s.nav.Queue().Len() == 0 {
		return fmt.Errorf("rover: no waypoints queued")
	}
	s.clearDegraded()
	s.nav.Start()
	return nil
}

// Goto navigates to a single target immediately.
func (s *Supervisor) Goto(lat, lon float64, name string) error {
	if err := validateLatLon(lat, lon); err != nil {
		return err
	}
	s.clearDegraded()
	s.nav.SetTarget(nav.Waypoint{Lat: lat, Lon: lon, Name: name, ToleranceM: s.cfg.Nav.WaypointToleranceM})
	return nil
}

// FollowPath replaces the queue with the given sequence and starts.
func (s *Supervisor) FollowPath(wps []nav.Waypoint, loop bool) error {
	if len(wps) == 0 {
		return fmt.Errorf("rover: empty path")
	}
	for i := range wps {
		if err := validateLatLon(wps[i].Lat, wps[i].Lon); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
		if wps[i].ToleranceM == 0 {
			wps[i].ToleranceM = s.cfg.Nav.WaypointToleranceM
		}
	}
	s.clearDegraded()
	s.nav.SetPath(wps, loop)
	return nil
}

// Pause suspends navigation; the paused navigator emits zero commands, so
// the wheels ramp down to zero over the following ticks.
func (s *Supervisor) Pause() {
	s.nav.Pause()
}

// Resume continues navigation and clears the three-strike latch.
func (s *Supervisor) Resume() {
	s.clearDegraded()
	s.nav.Resume()
}

// Cancel stops navigation and zeroes the drive.
func (s *Supervisor) Cancel() {
	s.nav.Stop()
	_, _, _ = s.motor.Drive(0, 0)
}

// EmergencyStop latches the motor emergency path and pauses the navigator.
// Always accepted, from any goroutine.
func (s *Supervisor) EmergencyStop() {
	s.motor.EmergencyStop()
	s.nav.Pause()
}

// ClearEmergency re-arms the motors; navigation stays paused until Resume.
func (s *Supervisor) ClearEmergency() {
	s.motor.ClearEmergency()
}

// SetSpeed updates the forward speed cap (0..1).
func (s *Supervisor) SetSpeed(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("rover: speed %f out of range 0..1", v)
	}
	s.nav.SetMaxSpeed(v)
	s.motor.SetMaxSpeed(v)
	return nil
}

// SetLoopMode toggles cyclic waypoint consumption.
func (s *Supervisor) SetLoopMode(enabled bool) {
	s.nav.SetLoopMode(enabled)
}

// LoopCount returns the completed patrol cycles.
func (s *Supervisor) LoopCount() int {
	return s.nav.LoopCount()
}

// ManualMove bypasses the navigator with a (speed, turn) pair. The motor
// safety paths (cap, ramp, watchdog, emergency latch) still apply.
func (s *Supervisor) ManualMove(speed, turn float64) error {
	_, _, err := s.motor.Drive(speed, turn)
	return err
}

// ManualDrive bypasses the navigator with a raw wheel pair.
func (s *Supervisor) ManualDrive(left, right float64) error {
	_, _, err := s.motor.DriveWheels(left, right)
	return err
}

// MotorStatus returns the translator snapshot.
func (s *Supervisor) MotorStatus() motor.Status {
	return s.motor.Snapshot()
}

func (s *Supervisor) clearDegraded() {
	s.mu.Lock()
	s.failStreak = 0
	s.degraded = false
	s.mu.Unlock()
}

func validateLatLon(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("rover: latitude %f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("rover: longitude %f out of range", lon)
	}
	return nil
}
