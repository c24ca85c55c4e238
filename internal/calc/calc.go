// Package calc derives line-item figures: material subtotals and session duration/labor cost.
package calc

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/fenceit/trackit/internal/coerce"
)

// Round2 rounds half away from zero to 2 decimal places.
//
// The float is first converted to its shortest decimal representation, so values such
// as 1.005 (stored as 1.00499999...) round to 1.01 rather than 1.00.
func Round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(x).Round(2).Float64()
	return f
}

// MaterialSubtotal returns round2(quantity * unitCost).
func MaterialSubtotal(quantity, unitCost float64) float64 {
	return Round2(quantity * unitCost)
}

// SessionFigures holds the derived fields of a stopped session.
type SessionFigures struct {
	DurationSec int64
	LaborCost   float64
}

// Session computes duration and labor cost from raw startedAt/stoppedAt values.
// ok is false when either timestamp is missing or unparseable; the session is not
// computable yet and nothing should be written.
func Session(startedAt, stoppedAt any, hourlyRate float64) (SessionFigures, bool) {
	start, ok := coerce.Instant(startedAt)
	if !ok {
		return SessionFigures{}, false
	}
	stop, ok := coerce.Instant(stoppedAt)
	if !ok {
		return SessionFigures{}, false
	}
	dur := DurationSec(start.UnixMilli(), stop.UnixMilli())
	return SessionFigures{DurationSec: dur, LaborCost: LaborCost(dur, hourlyRate)}, true
}

// DurationSec returns max(0, floor((stopMs - startMs) / 1000)).
func DurationSec(startMs, stopMs int64) int64 {
	d := stopMs - startMs
	if d <= 0 {
		return 0
	}
	return d / 1000
}

// LaborCost returns round2(durationSec / 3600 * hourlyRate).
func LaborCost(durationSec int64, hourlyRate float64) float64 {
	if math.IsNaN(hourlyRate) || math.IsInf(hourlyRate, 0) {
		hourlyRate = 0
	}
	return Round2(float64(durationSec) / 3600 * hourlyRate)
}
