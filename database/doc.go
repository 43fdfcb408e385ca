// Package database connects the configured backend and hands back a cell
// repository. It dispatches between the sqlite and postgres implementations
// and runs their migrations on connect; the in-memory backend needs neither
// and lives in package cellstore.
package database
