// Package worker provides PartitionedPool, a worker pool that pins every key to
// one partition goroutine.
//
// Sagas rely on this to run without internal locking: all events for one saga
// key hash (xxhash) to the same partition and are processed one at a time in
// arrival order, while different keys proceed in parallel on other partitions.
//
//	pool := worker.NewPartitionedPool(8, 1000, func(ctx context.Context, partition int, msg Message) error {
//	    return shards[partition].Handle(ctx, msg)
//	}, worker.WithMetricsRegistry[Message](registry, "orchestrator_pool"))
//
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	err := pool.SubmitWait(ctx, msg.Key, msg)
//
// Submit never blocks and returns ErrQueueFull when the partition queue is at
// capacity; SubmitWait blocks until there is room, ctx is done or the pool
// stops. Broadcast delivers one item to every partition, which lets a caller
// read the state of every shard on the goroutine that owns it.
package worker
