// Package storage defines the Adapter the authorization server core delegates
// all durable state to: clients, users, authorization codes, tokens and
// device authorizations.
//
// The core never caches entities across requests. Implementations MUST
// provide atomic consume-once semantics for authorization codes, refresh
// tokens and approved device authorizations.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/sqlstore: SQL storage on gorm (SQLite driver)
//   - storage/registry: read-only client and user registry loaded from YAML
package storage
