package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect covers the differences between the supported drivers.
type Dialect interface {
	DriverName() string
	// Rebind rewrites "?" placeholders into the driver's syntax.
	Rebind(query string) string
}

type questionDialect struct {
	driver string
}

func (d questionDialect) DriverName() string { return d.driver }

func (d questionDialect) Rebind(query string) string { return query }

type postgresDialect struct{}

func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
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

// DialectFor returns the dialect registered for driver.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql":
		return questionDialect{driver: "mysql"}, nil
	case "sqlite", "sqlite3":
		return questionDialect{driver: "sqlite"}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
