// Package memory provides an in-memory implementation of storage.Adapter.
//
// All state lives in maps guarded by a single sync.RWMutex, which makes the
// consume-once operations trivially atomic within one process. It is suitable
// for development, tests and single-instance deployments. Expired codes,
// tokens and device authorizations are swept by a background goroutine.
//
// For multi-instance deployments use storage/valkey or storage/sqlstore.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.SaveClient(ctx, client)
//	provider, err := server.New(store, keys, config, logger)
package memory
