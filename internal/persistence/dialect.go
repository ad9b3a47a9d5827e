package persistence

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported SQL backends.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name       string
	Driver     string
	ForUpdate  string // row-lock suffix for SELECT, empty if unsupported
	Migrations string // table that tracks applied migrations
	numbered   bool   // $1, $2 ... instead of ?
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		Driver:     "postgres",
		ForUpdate:  " FOR UPDATE",
		Migrations: "public.schema_migrations",
		numbered:   true,
	}

	// SQLite has no row locks; transactions are opened IMMEDIATE instead,
	// which takes the database write lock up front.
	SQLite = Dialect{
		Name:       "sqlite",
		Driver:     "sqlite3",
		ForUpdate:  "",
		Migrations: "schema_migrations",
	}
)

// DialectByName resolves a configured driver name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

// Rebind rewrites '?' placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Open connects to the database for the named driver.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectByName(driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	if dialect.Name == SQLite.Name {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", dialect.Name, err)
	}

	if dialect.Name == SQLite.Name {
		// One writer at a time; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	return db, dialect, nil
}

func sqliteDSN(dsn string) string {
	params := []string{"_txlock=immediate", "_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var missing []string
	for _, p := range params {
		if !strings.Contains(dsn, strings.SplitN(p, "=", 2)[0]+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	if dsn == ":memory:" {
		dsn = "file::memory:"
	}
	return dsn + sep + strings.Join(missing, "&")
}
