package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/flowctl/internal/logging"
)

// InitLogger derives the component logger used for HTTP request logs from the
// process logger, tagged with app.
func InitLogger(app string) zerolog.Logger {
	return logs.Logger().With().Str("app", app).Logger()
}
