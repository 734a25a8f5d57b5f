package metrics

// Pre-defined metrics for the DHT node. All metrics live in DefaultRegistry
// so they are globally accessible without passing a registry around.

var (
	// ---- Routing table metrics ----

	// Peers tracks the current number of contacts held across all buckets.
	Peers = DefaultRegistry.Gauge("dht.peers")
	// BucketEvictions counts LRU evictions performed on bucket overflow.
	BucketEvictions = DefaultRegistry.Counter("dht.kbucket.evictions")
	// BucketRefreshes counts bucket refresh lookups issued.
	BucketRefreshes = DefaultRegistry.Counter("dht.kbucket.refreshes")

	// ---- Store metrics ----

	// StoreBytesUsed tracks the store's current byte usage.
	StoreBytesUsed = DefaultRegistry.Gauge("dht.store.bytes_used")
	// StoreKeysUsed tracks the store's current key count.
	StoreKeysUsed = DefaultRegistry.Gauge("dht.store.keys_used")
	// StoreExpirations counts keys removed by scheduled expiration.
	StoreExpirations = DefaultRegistry.Counter("dht.store.expirations")
	// StoreRejections counts store() calls refused for lack of capacity.
	StoreRejections = DefaultRegistry.Counter("dht.store.rejections")

	// ---- RPC metrics ----

	// RPCPings counts outbound PING calls issued.
	RPCPings = DefaultRegistry.Counter("dht.rpc.ping")
	// RPCStores counts outbound STORE calls issued.
	RPCStores = DefaultRegistry.Counter("dht.rpc.store")
	// RPCFindNodes counts outbound FIND_NODE calls issued.
	RPCFindNodes = DefaultRegistry.Counter("dht.rpc.find_node")
	// RPCFindValues counts outbound FIND_VALUE calls issued.
	RPCFindValues = DefaultRegistry.Counter("dht.rpc.find_value")
	// RPCLatency records round-trip latency of outbound calls in milliseconds.
	RPCLatency = DefaultRegistry.Histogram("dht.rpc.latency_ms")
	// RPCErrors counts outbound RPC calls that failed (timeout, unreachable,
	// identity mismatch, or remote error).
	RPCErrors = DefaultRegistry.Counter("dht.rpc.errors")

	// ---- Lookup metrics ----

	// LookupsStarted counts iterative lookups started.
	LookupsStarted = DefaultRegistry.Counter("dht.lookups.started")
	// LookupsExhausted counts lookups that terminated with no live candidate.
	LookupsExhausted = DefaultRegistry.Counter("dht.lookups.exhausted")
	// LookupRounds counts individual per-peer probes issued across all
	// lookup rounds.
	LookupRounds = DefaultRegistry.Counter("dht.lookups.probes")
	// ReplicationRuns counts completed replication-loop passes.
	ReplicationRuns = DefaultRegistry.Counter("dht.replication.runs")
)
