package db2pgtunnel

import (
	"errors"
	"fmt"
)

var ErrNotConnected = errors.New("not connected to database")

// ConnectionError is returned once every connect attempt has failed.
type ConnectionError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TableMigrationError wraps any failure raised while a table moves through its
// phases. Phase is the last state the table reached before failing.
type TableMigrationError struct {
	Table string
	Phase TableState
	Err   error
}

func (e *TableMigrationError) Error() string {
	return fmt.Sprintf("migrate table %s (after %s): %v", e.Table, e.Phase, e.Err)
}

func (e *TableMigrationError) Unwrap() error { return e.Err }
