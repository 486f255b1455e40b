package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Framing selects how payloads are delimited on the stream.
type Framing string

const (
	// FramingRaw writes each payload as-is. Receivers rely on one write
	// arriving as one read, which TCP does not guarantee.
	FramingRaw Framing = "raw"
	// FramingLine terminates each payload with '\n'.
	FramingLine Framing = "line"

	maxPendingLine = 64 * 1024
)

func ParseFraming(value string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(value))) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unknown framing %q", value)
	}
}

// Encode returns the bytes to write for one payload.
func (f Framing) Encode(payload string) []byte {
	if f == FramingLine {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, payload...)
		return append(out, '\n')
	}
	return []byte(payload)
}

// Deframer extracts samples from received chunks. It is not safe for
// concurrent use; each connection owns one.
type Deframer struct {
	framing Framing
	pending []byte
}

func NewDeframer(framing Framing) *Deframer {
	return &Deframer{framing: framing}
}

// Feed consumes one chunk and returns the samples it completes.
func (d *Deframer) Feed(chunk []byte) []Sample {
	if d.framing != FramingLine {
		sample, err := ParseSample(string(chunk))
		if err != nil {
			return nil
		}
		return []Sample{sample}
	}

	d.pending = append(d.pending, chunk...)
	var out []Sample
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(d.pending[:idx], "\r")
		d.pending = d.pending[idx+1:]
		if len(line) == 0 {
			continue
		}
		if sample, err := ParseSample(string(line)); err == nil {
			out = append(out, sample)
		}
	}
	if len(d.pending) > maxPendingLine {
		d.pending = d.pending[:0]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out
}

// Flush parses whatever partial line is left once the stream has ended.
func (d *Deframer) Flush() []Sample {
	if len(d.pending) == 0 {
		return nil
	}
	line := string(bytes.TrimSpace(d.pending))
	d.pending = nil
	sample, err := ParseSample(line)
	if err != nil {
		return nil
	}
	return []Sample{sample}
}
