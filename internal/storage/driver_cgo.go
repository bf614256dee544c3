//go:build cgo

package storage

// Registers the "sqlite3" driver for database.driver = "sqlite3".
import _ "github.com/mattn/go-sqlite3"
