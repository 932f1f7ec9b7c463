// Package syncutil holds the keyed locking primitives shared by the admission
// engine: bounded sharded mutexes and a slot pool for background work.
package syncutil

import "hash/fnv"

// shardCount bounds lock memory regardless of how many identities are seen,
// at the cost of occasional false sharing between keys in the same shard.
const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
