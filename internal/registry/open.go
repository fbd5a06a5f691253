package registry

import (
	"context"
	"fmt"
)

// Open creates a Store for the given driver name. Supported drivers are
// "sqlite" (dsn is a file path or ":memory:") and "postgres" (dsn is a
// connection URL).
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
