package checkpoints

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Metric is a loss or accuracy value. Unlike a bare float64 it survives JSON
// encoding when infinite or NaN, which is the normal state of a best-loss
// tracker before its first update.
type Metric float64

// MarshalJSON encodes finite values as numbers and the rest as "NaN",
// "+Inf" or "-Inf"
func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(f)
}

// UnmarshalJSON accepts either form written by MarshalJSON
func (m *Metric) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Errorf("invalid metric %q", s)
		}
		*m = Metric(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

// Float64 returns the value as a float64
func (m Metric) Float64() float64 {
	return float64(m)
}
