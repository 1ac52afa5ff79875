// Package sqlite provides the persistent cache tier backed by SQLite.
//
// Entries hold derived data only; losing the database loses nothing that
// cannot be fetched again.
package sqlite
