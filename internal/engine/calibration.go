package engine

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"
)

// CalibrationTable converts raw ADC counts to a physical unit for one
// channel via a piecewise-linear fit over configured anchor points,
// extrapolating beyond the table's domain using the slope of the nearest
// end segment (spec.md §3, §4.4).
type CalibrationTable struct {
	raw        []float64
	calibrated []float64
	fit        interp.PiecewiseLinear
	identity   bool // no anchors configured: pass raw counts through unchanged
}

// NewCalibrationTable fits a piecewise-linear predictor over the given
// monotonically-increasing anchors. An empty anchor list yields an identity
// table (raw value returned unchanged) so unconfigured channels do not
// panic.
func NewCalibrationTable(anchors []Anchor) (*CalibrationTable, error) {
	if len(anchors) == 0 {
		return &CalibrationTable{identity: true}, nil
	}
	if len(anchors) < 2 {
		return nil, errors.New("calibration table needs at least 2 anchors")
	}
	raw := make([]float64, len(anchors))
	cal := make([]float64, len(anchors))
	for i, a := range anchors {
		if i > 0 && a.Raw <= raw[i-1] {
			return nil, errors.Errorf("calibration anchors must be strictly increasing (index %d)", i)
		}
		raw[i] = a.Raw
		cal[i] = a.Calibrated
	}
	var fit interp.PiecewiseLinear
	if err := fit.Fit(raw, cal); err != nil {
		return nil, errors.Wrap(err, "fit piecewise-linear calibration")
	}
	return &CalibrationTable{raw: raw, calibrated: cal, fit: fit}, nil
}

// Apply converts a raw ADC count into the calibrated physical quantity.
func (t *CalibrationTable) Apply(rawValue float64) float64 {
	if t.identity {
		return rawValue
	}
	n := len(t.raw)
	switch {
	case rawValue < t.raw[0]:
		slope := (t.calibrated[1] - t.calibrated[0]) / (t.raw[1] - t.raw[0])
		return t.calibrated[0] + slope*(rawValue-t.raw[0])
	case rawValue > t.raw[n-1]:
		slope := (t.calibrated[n-1] - t.calibrated[n-2]) / (t.raw[n-1] - t.raw[n-2])
		return t.calibrated[n-1] + slope*(rawValue-t.raw[n-1])
	default:
		return t.fit.Predict(rawValue)
	}
}

// CalibrationSet is one CalibrationTable per ADC channel.
type CalibrationSet [NumADCChannels]*CalibrationTable

// BuildCalibrationSet fits a CalibrationTable for every configured channel.
func BuildCalibrationSet(cfg *Config) (*CalibrationSet, error) {
	var set CalibrationSet
	for ch := 0; ch < NumADCChannels; ch++ {
		t, err := NewCalibrationTable(cfg.Calibration[ch])
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d", ch)
		}
		set[ch] = t
	}
	return &set, nil
}
