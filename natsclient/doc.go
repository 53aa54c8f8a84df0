// Package natsclient manages a core NATS connection guarded by a circuit
// breaker. The relay publishes applied operations through it.
//
// A Client moves through Disconnected, Connecting, Connected and
// Reconnecting. After CircuitBreakerThreshold consecutive failed connects
// the circuit opens: Connect and Publish fail fast with ErrCircuitOpen
// until the backoff elapses, after which the circuit half-opens and the
// next Connect is attempted. The backoff doubles on every round of
// failures up to the configured maximum and resets on success.
//
// Reconnection after an established connection drops is left to the nats
// library; the client tracks it through the disconnect and reconnect
// handlers and reports it in Status.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("fedstream"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "fedstream.ops.update.post", data)
package natsclient
