package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WithInstance derives a logger from the process logger installed by
// logging.Configure, tagged with the app name and a per-start instance id.
func WithInstance(app, instance string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("instance", instance).Logger()
}
