//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartossh/Relayer/logging"
	"github.com/bartossh/Relayer/reactive"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/stdoutwriter"
)

func natsTestConfig() Config {
	return Config{
		Address: "nats://127.0.0.1:4222",
		Name:    "integration-test-1",
		Token:   "D9pHfuiEQPXtqPqPdyxozi8kU2FlHqC0FlSRIzpwDI0=",
	}
}

type sink chan relay.Update

func (s sink) Deliver(u relay.Update) { s <- u }

func TestBridgeBetweenInstances(t *testing.T) {
	log := logging.New(func(error) {}, func(error) {}, &stdoutwriter.Logger{})

	a, err := NewBridge(natsTestConfig(), "instance-a", log)
	require.NoError(t, err)
	b, err := NewBridge(natsTestConfig(), "instance-b", log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obsA := reactive.New[relay.Update](8)
	obsB := reactive.New[relay.Update](8)
	fromA, fromB := make(sink, 8), make(sink, 8)
	go a.Run(ctx, obsA.Subscribe(), fromA) //nolint:errcheck
	go b.Run(ctx, obsB.Subscribe(), fromB) //nolint:errcheck
	time.Sleep(100 * time.Millisecond)

	obsA.Publish(relay.Update{TxID: "tx-1", Phase: relay.PhaseVerified, Recipient: "0x502fb0dFf6A2adbF43468C9888D1A26943eAC6D1"})

	select {
	case u := <-fromB:
		assert.Equal(t, "tx-1", u.TxID)
		assert.Equal(t, relay.PhaseVerified, u.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered to the other instance")
	}
	select {
	case u := <-fromA:
		t.Fatalf("own update delivered back: %v", u)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
}
