//go:build integration

package natsclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedstream/natsclient"
	"github.com/c360/fedstream/testutil"
)

func TestIntegration_ConnectPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	url := testutil.StartNATS(ctx, t)

	client, err := natsclient.NewClient(url, natsclient.WithName("fedstream-test"))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	got := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(ctx, "fedstream.test.>", func(_ context.Context, data []byte) {
		got <- data
	}))
	require.NoError(t, client.Flush(ctx))

	require.NoError(t, client.Publish(ctx, "fedstream.test.hello", []byte("hi")))
	select {
	case data := <-got:
		assert.Equal(t, "hi", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	status := client.GetStatus()
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, int32(0), status.FailureCount)
}
