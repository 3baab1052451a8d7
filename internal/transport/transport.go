// Package transport owns the session's UDP socket: datagram send/receive,
// bounded per-peer send queues, keepalive liveness, and STUN discovery of
// the public address.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koedame/jamlink/internal/jamerr"
)

// maxDatagram is the receive buffer size. Larger than any valid packet so
// oversize garbage is read (and then dropped by the codec) instead of
// truncated into something that might parse.
const maxDatagram = 4096

// Conn wraps the session's UDP socket. One socket per session; the sender
// and receiver tasks hold non-owning handles.
type Conn struct {
	pc *net.UDPConn

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

// Listen binds a UDP socket. bindAddr may be ":0" for an ephemeral port.
func Listen(bindAddr string) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, jamerr.Wrap(jamerr.ConfigurationInvalid, err)
	}
	pc, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, jamerr.Wrap(jamerr.SignalingTransport, err)
	}
	return &Conn{pc: pc}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.pc.LocalAddr().(*net.UDPAddr) }

// WriteTo sends one datagram, fire-and-forget.
func (c *Conn) WriteTo(data []byte, addr *net.UDPAddr) error {
	n, err := c.pc.WriteToUDP(data, addr)
	c.bytesSent.Add(uint64(n))
	return err
}

// ReadFrom blocks for the next datagram, filling buf. Returns the number of
// bytes and the remote address.
func (c *Conn) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := c.pc.ReadFromUDP(buf)
	c.bytesRecv.Add(uint64(n))
	return n, addr, err
}

// Close unblocks any pending ReadFrom and releases the socket.
func (c *Conn) Close() error { return c.pc.Close() }

// BytesSent returns and resets the sent-byte counter.
func (c *Conn) BytesSent() uint64 { return c.bytesSent.Swap(0) }

// BytesReceived returns and resets the received-byte counter.
func (c *Conn) BytesReceived() uint64 { return c.bytesRecv.Swap(0) }

// Datagram is one queued outbound packet.
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// Queue is the bounded per-peer send queue. Audio overflows by dropping the
// OLDEST queued audio packet (stale audio has no value) while control and
// FEC packets go to a separate lane the sender drains first.
//
// Producer is the capture path, consumer the UDP sender task. The critical
// sections are a few pointer moves, so the capture side never blocks longer
// than a contended CAS-scale wait.
type Queue struct {
	mu      sync.Mutex
	audio   []Datagram // FIFO ring via head index
	head    int
	control []Datagram
	cap     int

	droppedAudio atomic.Uint64

	// wake signals the sender that work is available.
	wake chan struct{}
}

// NewQueue returns a queue holding at most capacity audio datagrams.
func NewQueue(capacity int) *Queue {
	return NewQueueShared(capacity, make(chan struct{}, 1))
}

// NewQueueShared returns a queue that signals the given wake channel, so one
// sender task can sleep on a single channel while draining many queues.
func NewQueueShared(capacity int, wake chan struct{}) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		audio: make([]Datagram, 0, capacity),
		cap:   capacity,
		wake:  wake,
	}
}

// PushAudio enqueues an audio datagram, evicting the oldest on overflow.
func (q *Queue) PushAudio(d Datagram) {
	q.mu.Lock()
	if len(q.audio)-q.head >= q.cap {
		q.head++
		q.droppedAudio.Add(1)
	}
	if q.head > 0 && len(q.audio) == cap(q.audio) {
		// Compact before append would reallocate.
		n := copy(q.audio, q.audio[q.head:])
		q.audio = q.audio[:n]
		q.head = 0
	}
	q.audio = append(q.audio, d)
	q.mu.Unlock()
	q.signal()
}

// PushControl enqueues a control/FEC datagram. Control is never evicted by
// audio pressure.
func (q *Queue) PushControl(d Datagram) {
	q.mu.Lock()
	q.control = append(q.control, d)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel the sender task selects on.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Pop removes the next datagram, control lane first. ok is false when the
// queue is empty.
func (q *Queue) Pop() (Datagram, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.control) > 0 {
		d := q.control[0]
		q.control = q.control[1:]
		return d, true
	}
	if q.head < len(q.audio) {
		d := q.audio[q.head]
		q.audio[q.head] = Datagram{}
		q.head++
		if q.head == len(q.audio) {
			q.audio = q.audio[:0]
			q.head = 0
		}
		return d, true
	}
	return Datagram{}, false
}

// Len returns the number of queued datagrams across both lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.control) + len(q.audio) - q.head
}

// DroppedAudio returns and resets the audio eviction counter.
func (q *Queue) DroppedAudio() uint64 { return q.droppedAudio.Swap(0) }

// keepaliveInterval is how often each peer is pinged to hold NAT mappings.
const keepaliveInterval = time.Second

// missedLimit is how many keepalive intervals may elapse without hearing
// from a peer before it is declared unreachable.
const missedLimit = 3

// Keeper tracks per-peer liveness from keepalive (and any other) traffic.
// The receiver task calls Heard; the telemetry task calls Tick once per
// keepalive interval.
type Keeper struct {
	mu        sync.Mutex
	lastHeard map[string]time.Time // key: addr.String()
}

// NewKeeper returns an empty liveness tracker.
func NewKeeper() *Keeper {
	return &Keeper{lastHeard: make(map[string]time.Time)}
}

// Track starts liveness accounting for addr, treating now as heard.
func (k *Keeper) Track(addr *net.UDPAddr) {
	k.mu.Lock()
	k.lastHeard[addr.String()] = time.Now()
	k.mu.Unlock()
}

// Forget stops tracking addr.
func (k *Keeper) Forget(addr *net.UDPAddr) {
	k.mu.Lock()
	delete(k.lastHeard, addr.String())
	k.mu.Unlock()
}

// Heard records traffic from addr. Untracked addresses are ignored.
func (k *Keeper) Heard(addr *net.UDPAddr) {
	k.mu.Lock()
	if _, ok := k.lastHeard[addr.String()]; ok {
		k.lastHeard[addr.String()] = time.Now()
	}
	k.mu.Unlock()
}

// Tick returns the tracked addresses (to keepalive) and those that have been
// silent past the missed limit (to declare unreachable). Unreachable
// addresses stay tracked until the caller Forgets them.
func (k *Keeper) Tick() (alive []string, unreachable []string) {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for addr, heard := range k.lastHeard {
		if now.Sub(heard) > missedLimit*keepaliveInterval {
			unreachable = append(unreachable, addr)
		} else {
			alive = append(alive, addr)
		}
	}
	return alive, unreachable
}
