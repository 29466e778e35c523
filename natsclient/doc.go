// Package natsclient wraps one nats.go connection for the capture proxy's
// NATS sink and the viewer's NATS transport.
//
// Connect dials with bounded retries; after the first connection nats.go
// reconnects on its own and the client tracks the state it reports
// (connecting, connected, reconnecting, closed). Components that care about
// connectivity register OnHealthChange, or block in WaitForConnection.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("cartographer-proxy"),
//	    natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	sub, err := client.Subscribe(ctx, "cartographer.results", func(ctx context.Context, data []byte) {
//	    // one payload
//	})
//
// NewTestClient runs a real server with testcontainers-go; tests using it
// are skipped unless INTEGRATION_TESTS is set.
package natsclient
