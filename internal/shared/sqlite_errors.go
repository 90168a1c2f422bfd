// Package shared holds small helpers that cut across packages.
package shared

import "strings"

// SQLite reports contention as string-typed driver errors, so these
// classifiers match on message text rather than sentinel values.

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY error, raised
// when another connection holds the write lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is either form of SQLite
// write contention. Callers retry these with backoff.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
