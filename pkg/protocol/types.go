package protocol

import "time"

// Reading is one received chunk flowing through the pipeline.
type Reading struct {
	ConnID    string
	Remote    string
	Timestamp time.Time
	Raw       []byte
	Samples   []Sample
}

// Text returns the received bytes decoded as UTF-8 text.
func (r Reading) Text() string {
	return string(r.Raw)
}

// Sample is one simulated 3-axis orientation reading in degrees.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}
