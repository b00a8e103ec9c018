package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the few places Postgres and SQLite differ.
type Dialect struct {
	Name string
	// DriverName is the database/sql driver to open.
	DriverName string
	// RowID names the physical row identifier used for batched deletes.
	RowID       string
	PayloadType string
	numbered    bool
}

var (
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", RowID: "ctid", PayloadType: "JSONB", numbered: true}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite", RowID: "rowid", PayloadType: "TEXT"}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// Rebind rewrites '?' placeholders into $n for dialects that need it.
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
