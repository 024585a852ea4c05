// Package stores persists convergence runs and their per-resource reports
// in SQLite. Schema changes are embedded migrations applied with
// golang-migrate; the database runs in WAL mode.
package stores
