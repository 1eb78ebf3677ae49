package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/wanhub/internal/logging"
)

// InitLogger returns the process logger tagged with app, for components that
// log structured fields directly (the admin request logger).
func InitLogger(app string) zerolog.Logger {
	return logs.Logger().With().Str("app", app).Logger()
}
