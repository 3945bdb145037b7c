// Package natsclient wraps a NATS connection with the operations the
// orchestrator needs: core pub/sub for requests and speaker traffic, JetStream
// streams for history and KV buckets for entity and resource state.
//
// Consecutive connection failures open a circuit breaker. While it is open,
// Connect and the JetStream helpers fail fast with ErrCircuitOpen; the circuit
// closes again after an exponentially growing backoff.
//
// KVStore adds compare-and-swap helpers over a bucket. UpdateWithRetry reads,
// applies a function and writes with the read revision, retrying on conflicts
// with the retry.Conflict backoff:
//
//	rev, err := store.UpdateWithRetry(ctx, "flow_f1", func(cur []byte) ([]byte, error) {
//		if cur == nil {
//			return nil, errors.ErrKeyNotFound
//		}
//		return mutate(cur)
//	})
//
// TestClient starts a throwaway NATS server with testcontainers for
// integration tests.
package natsclient
