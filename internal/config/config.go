// Package config loads and validates the rover's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Caster    CasterConfig    `yaml:"caster"`
	Nav       NavConfig       `yaml:"nav"`
	Motor     MotorConfig     `yaml:"motor"`
	Tick      TickConfig      `yaml:"tick"`
	Track     TrackConfig     `yaml:"track"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ReceiverConfig struct {
	// Device is the serial device path; empty auto-detects.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	// Driver is "serial" (portable) or "termios" (linux native).
	Driver string `yaml:"driver"`
}

type CasterConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Mountpoint string `yaml:"mountpoint"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// Enabled reports whether a correction link is configured at all; without
// one the rover runs GPS-only.
func (c CasterConfig) Enabled() bool {
	return c.Host != ""
}

type NavConfig struct {
	MaxSpeed            float64       `yaml:"max_speed"`
	AlignToleranceDeg   float64       `yaml:"align_tolerance_deg"`
	RealignThresholdDeg float64       `yaml:"realign_threshold_deg"`
	WaypointToleranceM  float64       `yaml:"waypoint_tolerance_m"`
	AlignSpeed          float64       `yaml:"align_speed"`
	AlignTimeout        time.Duration `yaml:"align_timeout"`
	CalibrationDuration time.Duration `yaml:"calibration_duration"`
	DriveCorrectionGain float64       `yaml:"drive_correction_gain"`
	LoopMode            bool          `yaml:"loop_mode"`
}

type MotorConfig struct {
	// Backend is "sim" or "gpio".
	Backend         string        `yaml:"backend"`
	RampRate        float64       `yaml:"ramp_rate"`
	TurnSensitivity float64       `yaml:"turn_sensitivity"`
	SafetyTimeout   time.Duration `yaml:"safety_timeout"`
	MaxSpeed        float64       `yaml:"max_speed"`

	LeftForwardPin  int `yaml:"left_forward_pin"`
	LeftReversePin  int `yaml:"left_reverse_pin"`
	RightForwardPin int `yaml:"right_forward_pin"`
	RightReversePin int `yaml:"right_reverse_pin"`
}

type TickConfig struct {
	Period time.Duration `yaml:"period"`
}

type TrackConfig struct {
	// Path is the SQLite file for the track log; empty disables logging.
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	MQTT MQTTConfig         `yaml:"mqtt"`
	UDP  UDPTelemetryConfig `yaml:"udp"`
}

type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Interval time.Duration `yaml:"interval"`
}

type UDPTelemetryConfig struct {
	Dest     string        `yaml:"dest"`
	Interval time.Duration `yaml:"interval"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills documented defaults and rejects inconsistent
// settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg.Receiver.Baud == 0 {
		cfg.Receiver.Baud = 115200
	}
	if cfg.Receiver.Baud < 0 {
		return fmt.Errorf("receiver.baud must be positive")
	}
	if cfg.Receiver.Driver == "" {
		cfg.Receiver.Driver = "serial"
	}

	if cfg.Caster.Enabled() {
		if cfg.Caster.Port == 0 {
			cfg.Caster.Port = 2101
		}
		if cfg.Caster.Mountpoint == "" {
			return fmt.Errorf("caster.mountpoint is required when caster.host is set")
		}
	}

	if cfg.Nav.MaxSpeed == 0 {
		cfg.Nav.MaxSpeed = 1.0
	}
	if cfg.Nav.MaxSpeed < 0 || cfg.Nav.MaxSpeed > 1 {
		return fmt.Errorf("nav.max_speed must be in 0..1")
	}
	if cfg.Nav.AlignToleranceDeg == 0 {
		cfg.Nav.AlignToleranceDeg = 15
	}
	if cfg.Nav.AlignToleranceDeg < 0 {
		return fmt.Errorf("nav.align_tolerance_deg must be > 0")
	}
	if cfg.Nav.RealignThresholdDeg == 0 {
		cfg.Nav.RealignThresholdDeg = 30
	}
	if cfg.Nav.RealignThresholdDeg <= cfg.Nav.AlignToleranceDeg {
		return fmt.Errorf("nav.realign_threshold_deg must be greater than nav.align_tolerance_deg")
	}
	if cfg.Nav.WaypointToleranceM == 0 {
		cfg.Nav.WaypointToleranceM = 0.5
	}
	if cfg.Nav.WaypointToleranceM < 0 {
		return fmt.Errorf("nav.waypoint_tolerance_m must be > 0")
	}
	if cfg.Nav.AlignSpeed == 0 {
		cfg.Nav.AlignSpeed = 0.4
	}
	if cfg.Nav.AlignSpeed < 0 || cfg.Nav.AlignSpeed > 1 {
		return fmt.Errorf("nav.align_speed must be in 0..1")
	}
	if cfg.Nav.AlignTimeout == 0 {
		cfg.Nav.AlignTimeout = 10 * time.Second
	}
	if cfg.Nav.AlignTimeout < 0 {
		return fmt.Errorf("nav.align_timeout must be > 0")
	}
	if cfg.Nav.CalibrationDuration == 0 {
		cfg.Nav.CalibrationDuration = 5 * time.Second
	}
	if cfg.Nav.CalibrationDuration < 0 {
		return fmt.Errorf("nav.calibration_duration must be > 0")
	}
	if cfg.Nav.DriveCorrectionGain == 0 {
		cfg.Nav.DriveCorrectionGain = 0.02
	}
	if cfg.Nav.DriveCorrectionGain < 0 {
		return fmt.Errorf("nav.drive_correction_gain must be >= 0")
	}

	if cfg.Motor.Backend == "" {
		cfg.Motor.Backend = "sim"
	}
	if cfg.Motor.RampRate == 0 {
		cfg.Motor.RampRate = 0.5
	}
	if cfg.Motor.RampRate < 0.01 || cfg.Motor.RampRate > 1.0 {
		return fmt.Errorf("motor.ramp_rate must be in 0.01..1.0")
	}
	if cfg.Motor.TurnSensitivity == 0 {
		cfg.Motor.TurnSensitivity = 1.0
	}
	if cfg.Motor.TurnSensitivity < 0 {
		return fmt.Errorf("motor.turn_sensitivity must be >= 0")
	}
	if cfg.Motor.SafetyTimeout == 0 {
		cfg.Motor.SafetyTimeout = 500 * time.Millisecond
	}
	if cfg.Motor.SafetyTimeout < 0 {
		return fmt.Errorf("motor.safety_timeout must be > 0")
	}
	if cfg.Motor.MaxSpeed == 0 {
		cfg.Motor.MaxSpeed = 0.8
	}
	if cfg.Motor.MaxSpeed < 0 || cfg.Motor.MaxSpeed > 1 {
		return fmt.Errorf("motor.max_speed must be in 0..1")
	}
	if cfg.Motor.Backend == "gpio" {
		pins := []int{cfg.Motor.LeftForwardPin, cfg.Motor.LeftReversePin, cfg.Motor.RightForwardPin, cfg.Motor.RightReversePin}
		for _, p := range pins {
			if p <= 0 {
				return fmt.Errorf("motor.backend=gpio requires all four direction pins")
			}
		}
	}

	if cfg.Tick.Period == 0 {
		cfg.Tick.Period = 500 * time.Millisecond
	}
	if cfg.Tick.Period < 0 {
		return fmt.Errorf("tick.period must be > 0")
	}

	if cfg.Telemetry.MQTT.Broker != "" {
		if cfg.Telemetry.MQTT.Topic == "" {
			cfg.Telemetry.MQTT.Topic = "rover/status"
		}
		if cfg.Telemetry.MQTT.ClientID == "" {
			cfg.Telemetry.MQTT.ClientID = "rtk-rover"
		}
		if cfg.Telemetry.MQTT.Interval <= 0 {
			cfg.Telemetry.MQTT.Interval = 5 * time.Second
		}
	}
	if cfg.Telemetry.UDP.Dest != "" && cfg.Telemetry.UDP.Interval <= 0 {
		cfg.Telemetry.UDP.Interval = time.Second
	}

	return nil
}
