package adapter

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// connectionInfo is the out-of-band handshake payload both sides agree
// on before driving the queue pair through INIT -> RTR -> RTS. It is a
// fixed 12-byte big-endian encoding rather than gob: gob.Decoder may
// read ahead into its own buffer, which would silently swallow bytes
// belonging to the frame protocol that follows on the same connection.
type connectionInfo struct {
	MsgSize int32
	TxDepth int32
	RxDepth int32
}

func writeConnectionInfo(w io.Writer, info connectionInfo) error {
	return binary.Write(w, binary.BigEndian, info)
}

func readConnectionInfo(r io.Reader) (connectionInfo, error) {
	var info connectionInfo
	if err := binary.Read(r, binary.BigEndian, &info); err != nil {
		return connectionInfo{}, fmt.Errorf("adapter: read handshake: %w", err)
	}
	return info, nil
}

// Frame types carried over the wire connection after the handshake.
const (
	frameData byte = iota
	frameAck
)

// frameHeaderLen is 1 (type) + 8 (wr_id) + 4 (payload length) bytes.
const frameHeaderLen = 1 + 8 + 4

func writeFrame(conn net.Conn, mu *sync.Mutex, typ byte, wrID uint64, payload []byte) error {
	header := make([]byte, frameHeaderLen)
	header[0] = typ
	binary.BigEndian.PutUint64(header[1:9], wrID)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payload)))

	mu.Lock()
	defer mu.Unlock()

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("adapter: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("adapter: write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (typ byte, wrID uint64, payload []byte, err error) {
	header := make([]byte, frameHeaderLen)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	typ = header[0]
	wrID = binary.BigEndian.Uint64(header[1:9])
	length := binary.BigEndian.Uint32(header[9:13])

	if length == 0 {
		return typ, wrID, nil, nil
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return typ, wrID, payload, nil
}

// QueuePair is the reliable-connection endpoint both the send and
// receive paths post work requests against. Its conn stands in for the
// NIC: a background goroutine plays the role of the NIC's DMA engine,
// turning bytes that arrive on the wire into completions on the
// appropriate queue (see the package doc comment in types.go).
type QueuePair struct {
	conn    *net.TCPConn
	writeMu sync.Mutex

	state qpState

	sendCQ *CompletionQueue
	recvCQ *CompletionQueue

	msgSize int
	recvMR  *MemoryRegion

	// recvFIFO holds the ids of recv descriptors currently posted to the
	// wire, in post order. Popped by the background reader when data
	// arrives, pushed back by Read() once the completion has been
	// consumed and the descriptor re-armed — this is what keeps exactly
	// rx_depth descriptors "in some stage of processing" at all times.
	recvFIFO chan uint64

	closed   atomic.Bool
	readDone chan struct{}
}

func newQueuePair(conn *net.TCPConn, msgSize, rxDepth int, recvMR *MemoryRegion) *QueuePair {
	qp := &QueuePair{
		conn:     conn,
		sendCQ:   newCompletionQueue(),
		recvCQ:   newCompletionQueue(),
		msgSize:  msgSize,
		recvMR:   recvMR,
		recvFIFO: make(chan uint64, rxDepth),
		readDone: make(chan struct{}),
	}
	for i := 0; i < rxDepth; i++ {
		qp.recvFIFO <- uint64(i)
	}
	return qp
}

// Transition drives the queue pair one step further along RESET -> INIT
// -> RTR -> RTS. Out-of-order requests are rejected per spec.md §4.4.
func (qp *QueuePair) Transition(to qpState) error {
	return qp.state.transition(to)
}

// Closed reports whether the wire reader has observed the connection
// close, so CompletionQueue.PollExact/PollAtLeastOne know not to spin
// forever.
func (qp *QueuePair) Closed() bool {
	return qp.closed.Load()
}

// PostSend writes out the chain of work requests starting at head as a
// single call, exactly as spec.md §4.4 step 5 describes: the chain is
// already built, a single post transmits it.
func (qp *QueuePair) PostSend(head *WorkRequest, sendMR *MemoryRegion) error {
	for wr := head; wr != nil; wr = wr.next {
		payload := sendMR.buf[wr.Offset : wr.Offset+wr.Len]
		if err := writeFrame(qp.conn, &qp.writeMu, frameData, wr.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

// RepostRecv re-arms recv descriptor id, returning it to the pool of
// descriptors posted to the wire. Called by Read() after a completion
// for id has been consumed.
func (qp *QueuePair) RepostRecv(id uint64) {
	qp.recvFIFO <- id
}

// runWireReader is the NIC-substitute goroutine: it owns all reads off
// conn for the lifetime of the queue pair, demultiplexing DATA frames
// (destined for recvCQ, after copying into the next posted recv slot)
// from ACK frames (destined for sendCQ, completing the matching send).
func (qp *QueuePair) runWireReader() {
	defer close(qp.readDone)
	defer qp.closed.Store(true)

	for {
		typ, wrID, payload, err := readFrame(qp.conn)
		if err != nil {
			return
		}

		switch typ {
		case frameData:
			id, ok := <-qp.recvFIFO
			if !ok {
				return
			}
			copy(qp.recvMR.Slot(int(id), qp.msgSize), payload)
			qp.recvCQ.push(WorkCompletion{WRID: id, Bytes: len(payload), OK: true})

			if err := writeFrame(qp.conn, &qp.writeMu, frameAck, wrID, nil); err != nil {
				return
			}
		case frameAck:
			qp.sendCQ.push(WorkCompletion{WRID: wrID, Bytes: 0, OK: true})
		}
	}
}
