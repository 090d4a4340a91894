package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/craftvisor/internal/store"
	pg "github.com/loykin/craftvisor/internal/store/postgres"
	sq "github.com/loykin/craftvisor/internal/store/sqlite"
)

// Backends accepted in store.dsn.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// Backend names the repository a DSN selects. A bare path is a sqlite file.
func Backend(dsn string) (string, error) {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	scheme, _, hasScheme := strings.Cut(ld, "://")
	switch {
	case ld == "":
		return "", errors.New("empty DSN")
	case !hasScheme, scheme == "sqlite":
		return SQLite, nil
	case scheme == "postgres", scheme == "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported DSN scheme %q", scheme)
}

// NewFromDSN opens the server repository selected by dsn and creates its schema.
func NewFromDSN(dsn string) (store.Repository, error) {
	backend, err := Backend(dsn)
	if err != nil {
		return nil, err
	}
	if backend == Postgres {
		return pg.New(strings.TrimSpace(dsn))
	}
	return sq.New(dsn)
}
