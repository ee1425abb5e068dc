package catalog

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// dialect abstracts the driver-specific parts of the two supported
// backends: error classification and session setup. Both drivers use `?`
// placeholders, so query text is shared.
type dialect interface {
	name() string

	// initStatements run once per connection pool before the idempotent
	// root bootstrap. MySQL needs NO_AUTO_VALUE_ON_ZERO so the root row
	// can be inserted with its fixed id of 0.
	initStatements() []string

	isUniqueViolation(err error) bool
	isForeignKeyViolation(err error) bool

	// isRetryable reports lock/deadlock errors that a fresh transaction
	// may succeed on.
	isRetryable(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) initStatements() []string {
	// Foreign keys are off by default in SQLite for backward compatibility.
	return []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (sqliteDialect) isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func (sqliteDialect) isRetryable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) initStatements() []string {
	return []string{"SET SESSION sql_mode = CONCAT(@@sql_mode, ',NO_AUTO_VALUE_ON_ZERO')"}
}

func (mysqlDialect) isUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (mysqlDialect) isForeignKeyViolation(err error) bool {
	var me *mysql.MySQLError
	// 1452: cannot add child row; 1451: cannot delete parent row.
	return errors.As(err, &me) && (me.Number == 1452 || me.Number == 1451)
}

func (mysqlDialect) isRetryable(err error) bool {
	var me *mysql.MySQLError
	// 1213: deadlock, 1205: lock wait timeout.
	return errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205)
}
