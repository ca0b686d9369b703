// Package sqlstore implements storage.Adapter on gorm with the SQLite driver.
//
// Codes, tokens and device codes are stored by SHA-256 hash. Every
// consume-once operation is a single conditional UPDATE whose RowsAffected
// decides the winner, so concurrent callers on any number of server
// instances sharing the database observe exactly one success.
package sqlstore
