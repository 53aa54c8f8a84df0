// Package datalayer assembles the streaming pipeline into one Client.
//
// A Client owns a connection pool, a transport manager, an operation
// queue, a reconciliation cache and, when enabled, a NATS relay. Operations
// received by the transport, or by feeds followed through the pool, enter
// the queue. Each flushed operation is applied to the cache, reported to
// the renderer callbacks registered for its entity kind and, once applied,
// handed to the relay.
//
//	client, err := datalayer.New(cfg, datalayer.WithMetrics(registry))
//	if err != nil {
//		return err
//	}
//	client.SetCallbacks(streaming.KindPost, datalayer.Callbacks{
//		OnUpdate: func(e streaming.Entity) { render(e) },
//		OnDelete: func(id string) { remove(id) },
//	})
//	if err := client.Start(ctx); err != nil {
//		logger.Warn("Initial connect failed", "error", err)
//	}
//	defer client.Close(context.Background())
//
// Close is the single teardown point. A closed Client cannot be started
// again.
package datalayer
