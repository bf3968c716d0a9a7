package correlation

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// PairKey identifies an unordered detector pair. A < B always.
type PairKey struct {
	A, B string
}

// NewPairKey orders x and y.
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

func (k PairKey) less(o PairKey) bool {
	if k.A != o.A {
		return k.A < o.A
	}
	return k.B < o.B
}

// Coefficient is a Jaccard co-occurrence ratio in [0, 1]. It is undefined
// when either detector has no occurrences; undefined encodes as JSON null
// and is never reported as zero.
type Coefficient struct {
	Value   float64
	Defined bool
}

// Undefined is the coefficient of a pair lacking marginal counts.
var Undefined = Coefficient{}

// Jaccard computes joint / (a + b - joint). joint is clamped to min(a, b).
func Jaccard(joint, a, b int64) Coefficient {
	if a <= 0 || b <= 0 {
		return Undefined
	}
	joint = max(0, min(joint, a, b))
	return Coefficient{Value: float64(joint) / float64(a+b-joint), Defined: true}
}

// MarshalJSON encodes an undefined coefficient as null.
func (c Coefficient) MarshalJSON() ([]byte, error) {
	if !c.Defined {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, c.Value, 'g', -1, 64), nil
}

// UnmarshalJSON accepts a number or null.
func (c *Coefficient) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*c = Undefined
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Coefficient{Value: v, Defined: true}
	return nil
}

// PairStat is the co-occurrence summary of one detector pair.
type PairStat struct {
	DetectorA   string      `json:"detectorA"`
	DetectorB   string      `json:"detectorB"`
	Coefficient Coefficient `json:"coefficient"`
	SampleSize  int64       `json:"sampleSize"` // events of either detector: A + B - joint
	Joint       int64       `json:"joint"`
	CountA      int64       `json:"countA"`
	CountB      int64       `json:"countB"`
}

func newPairStat(k PairKey, joint, a, b int64) PairStat {
	c := Jaccard(joint, a, b)
	joint = max(0, min(joint, a, b))
	return PairStat{
		DetectorA:   k.A,
		DetectorB:   k.B,
		Coefficient: c,
		SampleSize:  a + b - joint,
		Joint:       joint,
		CountA:      a,
		CountB:      b,
	}
}
