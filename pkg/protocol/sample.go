package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	DefaultMin       = -180.0
	DefaultMax       = 180.0
	DefaultPrecision = 2

	fieldSeparator = ","
)

// Round rounds v half away from zero to precision fractional digits.
// Negative zero is normalized so it never formats as "-0.00".
func Round(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow(10, float64(precision))
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}

// Rounded returns the sample with every axis rounded to precision digits.
func (s Sample) Rounded(precision int) Sample {
	return Sample{
		X: Round(s.X, precision),
		Y: Round(s.Y, precision),
		Z: Round(s.Z, precision),
	}
}

// Format renders the sample as "x,y,z" with exactly precision fractional digits.
func (s Sample) Format(precision int) string {
	r := s.Rounded(precision)
	var b strings.Builder
	b.WriteString(formatAxis(r.X, precision))
	b.WriteString(fieldSeparator)
	b.WriteString(formatAxis(r.Y, precision))
	b.WriteString(fieldSeparator)
	b.WriteString(formatAxis(r.Z, precision))
	return b.String()
}

func (s Sample) String() string {
	return s.Format(DefaultPrecision)
}

func formatAxis(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// ParseSample parses a comma-separated "x,y,z" line. Any number of
// fractional digits is accepted.
func ParseSample(text string) (Sample, error) {
	fields := strings.Split(strings.TrimSpace(text), fieldSeparator)
	if len(fields) != 3 {
		return Sample{}, fmt.Errorf("sample %q: want 3 fields, got %d", text, len(fields))
	}

	var axes [3]float64
	for i, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("sample %q: field %d: %w", text, i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sample{}, fmt.Errorf("sample %q: field %d is not finite", text, i)
		}
		axes[i] = v
	}
	return Sample{X: axes[0], Y: axes[1], Z: axes[2]}, nil
}
