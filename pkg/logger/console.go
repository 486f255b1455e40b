package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const roleField = "role"

// Init builds the process logger and installs it as the zerolog global.
// Writes to w are serialized. Unknown levels fall back to info.
func Init(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	l := zerolog.New(NewConsoleWriter(zerolog.SyncWriter(w))).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	log.Logger = l
	return l
}

// NewConsoleWriter renders the role field as a "[Role] " message prefix.
func NewConsoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           w,
		NoColor:       true,
		TimeFormat:    "2006-01-02 15:04:05",
		FieldsExclude: []string{roleField},
		FormatPrepare: func(evt map[string]interface{}) error {
			role, ok := evt[roleField]
			if !ok {
				return nil
			}
			msg, _ := evt[zerolog.MessageFieldName].(string)
			evt[zerolog.MessageFieldName] = fmt.Sprintf("[%v] %s", role, msg)
			return nil
		},
	}
}

// ForRole tags every event of the returned logger with role.
func ForRole(base zerolog.Logger, role string) zerolog.Logger {
	return base.With().Str(roleField, role).Logger()
}
