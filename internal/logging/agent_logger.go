package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// NewAgentLogger builds the zerolog-based logger used by the agent binary.
// The agent is a single, lightweight long-running process rather than a
// request-response service, so it favors zerolog's lower allocation
// console writer over the dispatcher's logrus JSON formatter.
func NewAgentLogger(clientID string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Str("client_id", clientID).
		Logger()
}
