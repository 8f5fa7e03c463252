package events

import (
	"fmt"
	"strings"

	"github.com/regstack/regstack/internal/config"
)

// NewFromConfig builds the event store selected by the history config.
// Type "sqlite" (or empty) uses Path, defaulting to the layout's events.db;
// "postgres" uses DSN.
func NewFromConfig(hc config.HistoryConfig, paths config.Paths) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(hc.Type)) {
	case "", "sqlite":
		path := hc.Path
		if path == "" {
			path = paths.EventsDB()
		}
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(hc.DSN)
	default:
		return nil, fmt.Errorf("unsupported history store type: %q", hc.Type)
	}
}
