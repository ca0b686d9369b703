// Package valkey provides a Valkey (Redis-compatible) implementation of
// storage.Adapter for multi-instance deployments.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Codes, tokens and
// device codes are keyed by storage.TokenID of their raw value:
//
//	{prefix}client:{clientID}     -> JSON(Client)
//	{prefix}user:{userID}         -> JSON(User)
//	{prefix}code:{id}             -> HASH{data, used}
//	{prefix}token:{id}            -> HASH{data, kind, rotated, revoked}
//	{prefix}family:{familyID}     -> SET of token IDs
//	{prefix}device:{id}           -> HASH{data, status, user_id, auth_time, scopes, interval, last_polled_at}
//	{prefix}usercode:{userCode}   -> device id
//
// Every key carries a TTL derived from the record's absolute expiry, so no
// cleanup loop is needed.
//
// # Atomic Operations
//
// Consuming a code, rotating a refresh token, resolving and consuming a
// device authorization and revoking a family run as Lua scripts, so exactly
// one concurrent caller observes success. Immutable record data is stored as
// a JSON field next to the mutable flags and is never re-encoded inside Lua.
//
// The family revocation script touches token keys derived from the family
// set, so it is not compatible with Valkey Cluster key slot rules.
package valkey
