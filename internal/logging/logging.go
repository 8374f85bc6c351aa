package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Level comes from the
// ZHIWEI_LOG_LEVEL environment variable (default info); pretty console
// output is enabled when stderr is a terminal-ish target and
// ZHIWEI_LOG_JSON is not set.
func Setup() {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("ZHIWEI_LOG_LEVEL")); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("ZHIWEI_LOG_JSON") == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// Component returns a logger tagged with a component name so log lines
// can be filtered per subsystem.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
