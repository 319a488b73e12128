package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/go-rdma/rdmalat/internal/collector"
	"github.com/go-rdma/rdmalat/internal/config"
)

// Connect is the active side of spec.md §4.4: dial the remote listener,
// exchange the handshake, drive the queue pair through INIT -> RTR ->
// RTS, allocate and register the send/receive buffers, and build the
// receive-slot pool.
func Connect(cfg config.Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := probeDevice(defaultSysfsRoot, Device{Name: cfg.Device.Name, IBPort: cfg.Device.IBPort}); err != nil {
		logger.Warn("device probe failed, proceeding without hardware confirmation", "err", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Connection.ServerAddr, cfg.Connection.ServerPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("adapter: connect to %s: %w", addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("adapter: dialed connection to %s is not TCP", addr)
	}

	local := connectionInfo{
		MsgSize: int32(cfg.Test.MsgSize),
		TxDepth: int32(cfg.Test.TxDepth),
		RxDepth: int32(cfg.Test.RxDepth),
	}
	if err := writeConnectionInfo(tcpConn, local); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("adapter: handshake write to %s: %w", addr, err)
	}
	if _, err := readConnectionInfo(tcpConn); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("adapter: handshake confirm from %s: %w", addr, err)
	}

	return newAdapter(tcpConn, cfg, logger)
}

// Listener is the passive side of spec.md §4.4: it binds server_port
// and emits one Adapter per accepted connection.
type Listener struct {
	ln     *net.TCPListener
	cfg    config.Config
	logger *slog.Logger
}

// Listen binds cfg.Connection.ServerPort on all interfaces.
func Listen(cfg config.Config, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := probeDevice(defaultSysfsRoot, Device{Name: cfg.Device.Name, IBPort: cfg.Device.IBPort}); err != nil {
		logger.Warn("device probe failed, proceeding without hardware confirmation", "err", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Connection.ServerPort)
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("adapter: resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("adapter: listen on %s: %w", addr, err)
	}

	return &Listener{ln: ln, cfg: cfg, logger: logger}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address, useful when
// cfg.Connection.ServerPort is 0 and the kernel assigned an ephemeral
// port.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks for the next incoming connection, runs the passive-side
// handshake, and returns the assembled Adapter. It returns ctx.Err() if
// ctx is cancelled while waiting: AcceptTCP runs in its own goroutine,
// which stays blocked until a connection arrives or the listener is
// closed.
func (l *Listener) Accept(ctx context.Context) (*Adapter, error) {
	type result struct {
		conn *net.TCPConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.AcceptTCP()
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("adapter: accept: %w", r.err)
		}
		return l.acceptConn(r.conn)
	}
}

// acceptConn runs the passive-side handshake and fabric setup for a
// freshly accepted TCP connection. Every error it returns is a
// FatalAcceptError: per spec.md §7, a handshake or fabric-setup failure
// is not a transient accept blip and must not be retried.
func (l *Listener) acceptConn(conn *net.TCPConn) (*Adapter, error) {
	remote, err := readConnectionInfo(conn)
	if err != nil {
		conn.Close()
		return nil, &FatalAcceptError{Err: fmt.Errorf("handshake read: %w", err)}
	}
	if err := writeConnectionInfo(conn, remote); err != nil {
		conn.Close()
		return nil, &FatalAcceptError{Err: fmt.Errorf("handshake confirm write: %w", err)}
	}

	cfg := l.cfg
	cfg.Test.MsgSize = int(remote.MsgSize)
	cfg.Test.TxDepth = int(remote.TxDepth)
	cfg.Test.RxDepth = int(remote.RxDepth)

	a, err := newAdapter(conn, cfg, l.logger)
	if err != nil {
		return nil, &FatalAcceptError{Err: err}
	}
	return a, nil
}

// newAdapter finishes construction common to both Connect and Accept:
// queue pair state progression, buffer allocation/registration, and
// starting the background wire reader.
func newAdapter(conn *net.TCPConn, cfg config.Config, logger *slog.Logger) (*Adapter, error) {
	pd := newProtectionDomain()

	sendBuf := allocateBuffer(cfg.Test.MsgSize*cfg.Test.TxDepth, cfg.Test.HugePages, logger)
	recvBuf := allocateBuffer(cfg.Test.MsgSize*cfg.Test.RxDepth, cfg.Test.HugePages, logger)

	sendMR := registerMemoryRegion(pd, sendBuf, defaultPermission)
	recvMR := registerMemoryRegion(pd, recvBuf, defaultPermission)

	qp := newQueuePair(conn, cfg.Test.MsgSize, cfg.Test.RxDepth, recvMR)

	for _, to := range []qpState{qpStateInit, qpStateRTR, qpStateRTS} {
		if err := qp.Transition(to); err != nil {
			conn.Close()
			return nil, fmt.Errorf("adapter: fabric setup failed: %w", err)
		}
	}

	go qp.runWireReader()

	a := &Adapter{
		cfg:         cfg,
		pd:          pd,
		qp:          qp,
		sendMR:      sendMR,
		recvMR:      recvMR,
		logger:      logger,
		txCollector: collector.New("tx-internal"),
		rxCollector: collector.New("rx-internal"),
	}
	return a, nil
}
