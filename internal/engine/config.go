// Package engine implements the supervisory control and coordination core
// for the cryostat vibration-isolation platform: polling scheduler, safety
// supervisor, control law, calibration/derivation, device identity registry,
// measurement history, and observer fan-out.
package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// NumAxes is the number of damper/stage/motor axes the platform drives.
const NumAxes = 3

// NumADCChannels is the width of one ADC sample.
const NumADCChannels = 8

// NumLimitSwitches is two per axis: even index top, odd index bottom.
const NumLimitSwitches = 2 * NumAxes

// Anchor is one (raw, calibrated) point of a piecewise-linear calibration table.
type Anchor struct {
	Raw        float64 `json:"raw"`
	Calibrated float64 `json:"calibrated"`
}

// Config holds every tunable constant spec.md names, plus deployment-specific
// identity and authorization data. It is loaded once at startup and never
// mutated afterward, so it needs no synchronization of its own.
type Config struct {
	// Physical envelope constants (spec.md §4.8, §4.4).
	PositionNom  float64 `json:"position_nom_mm"`
	PositionTol  float64 `json:"position_tol_mm"`
	PositionFast float64 `json:"position_fast_mm"`
	LoadNom      float64 `json:"load_nom_kg"`
	LoadMin      float64 `json:"load_min_kg"`
	LoadMax      float64 `json:"load_max_kg"`
	LoadTol      float64 `json:"load_tol_kg"`

	DamperForceConst float64 `json:"damper_force_const"` // kg per mm of (stage-damper)
	AirPressureNom   float64 `json:"air_pressure_nom_hpa"`
	BellowDia        float64 `json:"bellow_dia_cm"`
	BellowPos        float64 `json:"bellow_pos_mm"` // offset of pulse-tube bellow from centre
	DamperPos        float64 `json:"damper_pos_mm"` // damper radial position from centre
	Gravity          float64 `json:"gravity_m_s2"`

	MotorFast         int32   `json:"motor_fast_steps_s"`
	MotorMed          int32   `json:"motor_med_steps_s"`
	MotorSlow         int32   `json:"motor_slow_steps_s"`
	MotorStepsPerMM   float64 `json:"motor_steps_per_mm"`
	MotorTolMM        float64 `json:"motor_tol_mm"`
	MaxBadPolls       int     `json:"max_bad_polls"`
	TickInterval      time.Duration `json:"tick_interval_ms"`
	HistoryCapacity   int     `json:"history_capacity"`

	// Per-ADC-channel piecewise-linear calibration anchors, indexed 0..7.
	Calibration [NumADCChannels][]Anchor `json:"calibration"`

	// Expected controller serial numbers for role slots 0 (motors+limits)
	// and 1 (reserved). Devices that identify with neither are foreign.
	ExpectedSerial [2]string `json:"expected_serial"`

	// IP allow-list for inbound observer commands; "*" is a wildcard entry.
	AllowList []string `json:"allow_list"`

	// ADC target.
	AdamAddr string `json:"adam_addr"`

	// USB identity of motor/GPIO controllers.
	USBVendorID  uint16 `json:"usb_vendor_id"`
	USBProductID uint16 `json:"usb_product_id"`

	// HTTP bind address.
	HTTPAddr string `json:"http_addr"`

	// Log file directory and base name; actual file is "<name>_YYYYMM.log".
	LogDir  string `json:"log_dir"`
	LogName string `json:"log_name"`
}

// DefaultConfig returns the baked-in deployment defaults used when no config
// file is present, so the server still starts for local testing — mirroring
// the teacher's Validate-fills-in-zero-values convention.
func DefaultConfig() Config {
	return Config{
		PositionNom:      1.0,
		PositionTol:      0.1,
		PositionFast:     0.4,
		LoadNom:          45,
		LoadMin:          40,
		LoadMax:          50,
		LoadTol:          2,
		DamperForceConst: 1.0,
		AirPressureNom:   1013.25,
		BellowDia:        10.0,
		BellowPos:        50.0,
		DamperPos:        150.0,
		Gravity:          9.80665,
		MotorFast:        1000,
		MotorMed:         200,
		MotorSlow:        50,
		MotorStepsPerMM:  100,
		MotorTolMM:       0.5,
		MaxBadPolls:      3,
		TickInterval:     80 * time.Millisecond,
		HistoryCapacity:  600,
		ExpectedSerial: [2]string{
			"ffffffff3850313339302020ff0e20",
			"ffffffff3850313339302020ff0d12",
		},
		AllowList:    []string{"127.0.0.1", "::1"},
		AdamAddr:     "192.168.1.50:502",
		USBVendorID:  0x03EB,
		USBProductID: 0x2300,
		HTTPAddr:     ":8080",
		LogDir:       ".",
		LogName:      "cryosuper_server",
	}
}

// LoadConfig reads a JSON config file and overlays it on DefaultConfig,
// matching the teacher's pattern of defaulting zero-valued fields rather
// than requiring a fully-specified file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	overlay := cfg
	if err := json.Unmarshal(data, &overlay); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	// tick_interval_ms is given in milliseconds, not as a time.Duration count.
	var units struct {
		TickIntervalMS *int64 `json:"tick_interval_ms"`
	}
	if err := json.Unmarshal(data, &units); err == nil && units.TickIntervalMS != nil {
		overlay.TickInterval = time.Duration(*units.TickIntervalMS) * time.Millisecond
	}
	return overlay, nil
}

// Validate checks the config for the minimal consistency the engine needs
// to start safely.
func (c *Config) Validate() error {
	for ch := 0; ch < NumADCChannels; ch++ {
		if len(c.Calibration[ch]) == 0 {
			continue
		}
		if len(c.Calibration[ch]) < 2 {
			return errors.Errorf("calibration channel %d needs at least 2 anchors", ch)
		}
		prev := c.Calibration[ch][0].Raw
		for _, a := range c.Calibration[ch][1:] {
			if a.Raw <= prev {
				return errors.Errorf("calibration channel %d anchors not strictly increasing", ch)
			}
			prev = a.Raw
		}
	}
	if c.HistoryCapacity <= 0 {
		return errors.New("history capacity must be positive")
	}
	if c.MaxBadPolls <= 0 {
		return errors.New("max bad polls must be positive")
	}
	return nil
}
