package webrtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// pionLoggers routes pion's internal logging (ICE, DTLS, SCTP) into zerolog.
// pion is chatty, so everything below warn is logged at trace.
type pionLoggers struct {
	log zerolog.Logger
}

func (f pionLoggers) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{log: f.log.With().Str("scope", scope).Logger()}
}

type pionLogger struct {
	log zerolog.Logger
}

func (l pionLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l pionLogger) Tracef(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.log.Trace().Msg(msg) }
func (l pionLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Info(msg string) { l.log.Trace().Msg(msg) }
func (l pionLogger) Infof(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string)                  { l.log.Warn().Msg(msg) }
func (l pionLogger) Warnf(format string, args ...any) { l.log.Warn().Msg(fmt.Sprintf(format, args...)) }
func (l pionLogger) Error(msg string)                 { l.log.Error().Msg(msg) }
func (l pionLogger) Errorf(format string, args ...any) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
