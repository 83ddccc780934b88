// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, batches, and minimal metrics hooks. It backs the embedded queue
// transport.
//
// Usage:
//
//	st, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer st.Close()
//
//	// Atomic updates with batches
//	b := st.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = st.CommitBatch(context.Background(), b)
//	b.Close()
package pebblestore
