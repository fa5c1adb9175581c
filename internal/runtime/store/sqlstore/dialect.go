package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Dialect hides the differences between the supported SQL databases.
type Dialect struct {
	Name       string
	blobType   string
	timeType   string
	serialKey  string
	skipLocked string
	dollarArgs bool
}

var (
	Postgres = Dialect{
		Name:       DriverPostgres,
		blobType:   "BYTEA",
		timeType:   "TIMESTAMPTZ",
		serialKey:  "BIGSERIAL PRIMARY KEY",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		dollarArgs: true,
	}
	SQLite = Dialect{
		Name:      DriverSQLite,
		blobType:  "BLOB",
		timeType:  "TIMESTAMP",
		serialKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
)

// DialectFor returns the dialect of a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres, "postgresql":
		return Postgres, nil
	case DriverSQLite, "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Expand substitutes the {blob}, {time} and {serial} column types in a DDL
// statement. {serial} is an auto-increment primary key.
func (d Dialect) Expand(ddl string) string {
	return strings.NewReplacer("{blob}", d.blobType, "{time}", d.timeType, "{serial}", d.serialKey).Replace(ddl)
}

// SkipLocked is the row-locking suffix of a claim subquery. SQLite has a
// single writer and needs none.
func (d Dialect) SkipLocked() string { return d.skipLocked }

// IsUniqueViolation reports whether err is a unique or primary key
// constraint failure.
func (d Dialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// DSN returns dsn with the connection options the dialect depends on. SQLite
// waits for a busy database instead of failing, since the store and the sql
// transport may open the same file, and takes the write lock when a
// transaction begins so a read-then-write transaction cannot fail halfway.
func (d Dialect) DSN(dsn string) string {
	if d != SQLite || strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}
