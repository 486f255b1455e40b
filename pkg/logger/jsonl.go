package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"orientlink/pkg/protocol"
)

// JSONLWriter records every reading as one JSON object per line.
type JSONLWriter struct {
	enc       *json.Encoder
	precision int
}

type jsonRecord struct {
	TS      string            `json:"ts"`
	ConnID  string            `json:"conn_id,omitempty"`
	Remote  string            `json:"remote,omitempty"`
	Text    string            `json:"text"`
	Samples []protocol.Sample `json:"samples,omitempty"`
}

func NewJSONLWriter(w io.Writer, precision int) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{
		enc:       enc,
		precision: precision,
	}
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-in:
			if !ok {
				return
			}
			_ = j.Write(reading)
		}
	}
}

func (j *JSONLWriter) Write(reading protocol.Reading) error {
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := jsonRecord{
		TS:     ts.UTC().Format(time.RFC3339Nano),
		ConnID: reading.ConnID,
		Remote: reading.Remote,
		Text:   reading.Text(),
	}
	for _, s := range reading.Samples {
		rec.Samples = append(rec.Samples, s.Rounded(j.precision))
	}
	return j.enc.Encode(rec)
}
