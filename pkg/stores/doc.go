// Package stores persists run history in SQLite. Schema changes are applied
// with golang-migrate from the embedded migrations directory.
package stores
