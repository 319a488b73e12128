package adapter

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-rdma/rdmalat/internal/config"
	"github.com/go-rdma/rdmalat/internal/message"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Name = "does-not-exist" // forces the best-effort probe to warn, not fail
	cfg.Connection.ServerAddr = "127.0.0.1"
	cfg.Connection.ServerPort = 0
	cfg.Test.MsgSize = 16
	cfg.Test.TxDepth = 4
	cfg.Test.RxDepth = 4
	return cfg
}

func startLoopback(t *testing.T, cfg config.Config) (*Listener, *Adapter, *Adapter) {
	t.Helper()

	ln, err := Listen(cfg, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	port := ln.Addr().(*net.TCPAddr).Port
	connectCfg := cfg
	connectCfg.Connection.ServerPort = port

	type acceptResult struct {
		a   *Adapter
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a, err := ln.Accept(ctx)
		acceptCh <- acceptResult{a: a, err: err}
	}()

	client, err := Connect(connectCfg, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}

	return ln, client, res.a
}

func TestConnectAcceptRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ln, client, server := startLoopback(t, cfg)
	defer ln.Close()
	defer client.Close()
	defer server.Close()

	msg := message.New(cfg.Test.MsgSize, 42)
	copy(msg.Bytes(), []byte("hello, rdmalat!!"))

	rtt, err := client.GetRTT([]message.Message{msg})
	require.NoError(t, err)
	assert.Greater(t, rtt, uint64(0))

	msgs, err := server.Read()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello, rdmalat!!", string(msgs[0].Bytes()))
}

func TestGetRTTRejectsOversizedBatch(t *testing.T) {
	cfg := testConfig(t)
	ln, client, server := startLoopback(t, cfg)
	defer ln.Close()
	defer client.Close()
	defer server.Close()

	batch := make([]message.Message, cfg.Test.TxDepth+1)
	for i := range batch {
		batch[i] = message.New(cfg.Test.MsgSize, uint64(i))
	}

	_, err := client.GetRTT(batch)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	ln, client, server := startLoopback(t, cfg)
	defer ln.Close()
	defer server.Close()

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Close(), ErrAlreadyClosed)
}

func TestBatchedSendPreservesReceiveSlotInvariant(t *testing.T) {
	cfg := testConfig(t)
	ln, client, server := startLoopback(t, cfg)
	defer ln.Close()
	defer client.Close()
	defer server.Close()

	batch := make([]message.Message, cfg.Test.TxDepth)
	for i := range batch {
		m := message.New(cfg.Test.MsgSize, uint64(i))
		copy(m.Bytes(), []byte("msg-"+strconv.Itoa(i)))
		batch[i] = m
	}

	_, err := client.GetRTT(batch)
	require.NoError(t, err)

	msgs, err := server.Read()
	require.NoError(t, err)
	require.Len(t, msgs, len(batch))

	// Exactly rx_depth descriptors should be back in flight after Read
	// re-posts them.
	assert.Len(t, server.qp.recvFIFO, cfg.Test.RxDepth)
}
