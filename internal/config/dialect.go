package config

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

type insertStyle int

const (
	insertLastID insertStyle = iota
	insertReturning
	insertScopeIdentity
)

// dialect captures what differs between the supported backends: driver name,
// DDL, how the generated id comes back, and pagination syntax. Queries are
// written with "?" placeholders and rebound by sqlx for the driver.
type dialect struct {
	name       string
	driverName string
	insert     insertStyle
	offsetRows bool // OFFSET n ROWS FETCH NEXT m ROWS ONLY
	migrations []string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		insert:     insertLastID,
		migrations: sqliteMigrations,
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		insert:     insertReturning,
		migrations: postgresMigrations,
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		insert:     insertLastID,
		migrations: mysqlMigrations,
	},
	"sqlserver": {
		name:       "sqlserver",
		driverName: "sqlserver",
		insert:     insertScopeIdentity,
		offsetRows: true,
		migrations: sqlserverMigrations,
	},
}

// lookupDialect resolves a driver name, accepting common aliases.
func lookupDialect(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	case "postgres", "postgresql", "pgx":
		return dialects["postgres"], nil
	case "mysql", "mariadb":
		return dialects["mysql"], nil
	case "sqlserver", "mssql":
		return dialects["sqlserver"], nil
	}
	return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

// paginate appends the dialect's page clause. The query must already carry
// an ORDER BY.
func (d dialect) paginate(q string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		return q, args
	}
	if d.offsetRows {
		return q + " OFFSET ? ROWS FETCH NEXT ? ROWS ONLY", append(args, offset, limit)
	}
	return q + " LIMIT ? OFFSET ?", append(args, limit, offset)
}
