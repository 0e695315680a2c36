package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/types"
)

// ID identifies a mailbox within its registry
type ID int32

// NoOrigin is used as the origin of blocks that expect no reply
const NoOrigin ID = -1

// EntryHeaderSize is the per-block storage overhead
const EntryHeaderSize = 8

// ErrEmpty is returned by non-blocking reads on an empty mailbox
var ErrEmpty = types.NewError(types.ErrCodeNotFound, "mailbox is empty")

// Mailbox is a bounded FIFO of byte blocks backed by a ring buffer
type Mailbox struct {
	id       ID
	name     string
	capacity int

	mu      sync.Mutex
	ring    []byte
	head    int // offset of the oldest entry header
	used    int // header and block bytes in use
	entries int
	notify  chan struct{}
	closed  bool
	stats   Stats

	logger *logger.Logger
}

// Stats represents mailbox statistics
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Dequeued  int64 `json:"dequeued"`
	Discarded int64 `json:"discarded"`
	Rejected  int64 `json:"rejected"`
	Entries   int   `json:"entries"`
	Used      int   `json:"used"`
	Capacity  int   `json:"capacity"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("MailboxStats{Enqueued: %d, Dequeued: %d, Discarded: %d, Rejected: %d, Used: %d/%d}",
		s.Enqueued, s.Dequeued, s.Discarded, s.Rejected, s.Used, s.Capacity)
}

func newMailbox(id ID, name string, capacity int, log *logger.Logger) *Mailbox {
	return &Mailbox{
		id:       id,
		name:     name,
		capacity: capacity,
		ring:     make([]byte, capacity),
		notify:   make(chan struct{}),
		logger:   log.With("component", "mailbox", "mailbox", name, "mailbox_id", int32(id)),
	}
}

// ID returns the mailbox id
func (m *Mailbox) ID() ID {
	return m.id
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Capacity returns the ring size in bytes
func (m *Mailbox) Capacity() int {
	return m.capacity
}

// Enqueue appends block to the mailbox without blocking
func (m *Mailbox) Enqueue(origin ID, block []byte) error {
	need := EntryHeaderSize + len(block)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.NewError(types.ErrCodeTransportClosed, "mailbox "+m.name+" is closed")
	}
	if need > m.capacity-m.used {
		m.stats.Rejected++
		m.logger.Debug("Mailbox full", "need", need, "free", m.capacity-m.used)
		return types.NewError(types.ErrCodeTransportFull,
			fmt.Sprintf("mailbox %s has %d free bytes, need %d", m.name, m.capacity-m.used, need))
	}

	var hdr [EntryHeaderSize]byte
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(origin))
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(len(block)))

	tail := (m.head + m.used) % m.capacity
	tail = m.writeAt(tail, hdr[:])
	m.writeAt(tail, block)
	m.used += need
	m.entries++
	m.stats.Enqueued++

	m.signal()
	return nil
}

// Dequeue removes the oldest block into buf, blocking up to timeout for one
// to arrive. A zero timeout waits forever. If the block is larger than buf
// it stays queued and a BUFFER_TOO_SMALL error is returned.
func (m *Mailbox) Dequeue(ctx context.Context, buf []byte, timeout time.Duration) (ID, int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		origin, n, err := m.TryDequeue(buf)
		if err != ErrEmpty {
			return origin, n, err
		}

		ch, closed := m.waitChan()
		if closed {
			return NoOrigin, 0, types.NewError(types.ErrCodeTransportClosed, "mailbox "+m.name+" is closed")
		}

		select {
		case <-ch:
		case <-deadline:
			return NoOrigin, 0, types.NewError(types.ErrCodeTimeout, "mailbox "+m.name+" dequeue timed out")
		case <-ctx.Done():
			return NoOrigin, 0, types.WrapError(types.ErrCodeCanceled, "mailbox "+m.name+" dequeue canceled", ctx.Err())
		}
	}
}

// TryDequeue removes the oldest block into buf without blocking.
// It returns ErrEmpty when nothing is queued.
func (m *Mailbox) TryDequeue(buf []byte) (ID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == 0 {
		return NoOrigin, 0, ErrEmpty
	}

	origin, size := m.headEntry()
	if size > len(buf) {
		return origin, 0, types.NewError(types.ErrCodeBufferTooSmall,
			fmt.Sprintf("mailbox %s: block of %d bytes does not fit buffer of %d", m.name, size, len(buf)))
	}

	m.readAt((m.head+EntryHeaderSize)%m.capacity, buf[:size])
	m.pop(size)
	m.stats.Dequeued++
	return origin, size, nil
}

// Peek copies up to len(buf) bytes of the oldest block without consuming it.
// It returns the origin, the full block size and the number of bytes copied.
func (m *Mailbox) Peek(buf []byte) (ID, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == 0 {
		return NoOrigin, 0, 0, ErrEmpty
	}

	origin, size := m.headEntry()
	n := min(size, len(buf))
	m.readAt((m.head+EntryHeaderSize)%m.capacity, buf[:n])
	return origin, size, n, nil
}

// DiscardHead drops the oldest block
func (m *Mailbox) DiscardHead() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == 0 {
		return ErrEmpty
	}

	_, size := m.headEntry()
	m.pop(size)
	m.stats.Discarded++
	return nil
}

// Pending returns the number of block bytes waiting to be read
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used - m.entries*EntryHeaderSize
}

// Len returns the number of queued blocks
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}

// Wait blocks until the mailbox holds at least one block, timeout elapses
// (zero waits forever), the mailbox is closed or ctx is done
func (m *Mailbox) Wait(ctx context.Context, timeout time.Duration) error {
	_, err := WaitAny(ctx, timeout, m)
	return err
}

// Close rejects further enqueues and wakes all waiters. Blocks already
// queued can still be read.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.signal()
}

// Stats returns mailbox statistics
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Entries = m.entries
	stats.Used = m.used
	stats.Capacity = m.capacity
	return stats
}

// String returns a string representation of the mailbox
func (m *Mailbox) String() string {
	return fmt.Sprintf("Mailbox{ID: %d, Name: %s, %s}", m.id, m.name, m.Stats())
}

// waitChan returns the channel closed on the next state change, or
// closed=true when there is nothing left to wait for
func (m *Mailbox) waitChan() (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notify, m.closed && m.entries == 0
}

// ready reports whether the mailbox has data or will never have more
func (m *Mailbox) ready() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries > 0 {
		return true, nil
	}
	if m.closed {
		return true, types.NewError(types.ErrCodeTransportClosed, "mailbox "+m.name+" is closed")
	}
	return false, nil
}

// signal wakes every waiter. Callers hold m.mu.
func (m *Mailbox) signal() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// headEntry decodes the oldest entry header. Callers hold m.mu.
func (m *Mailbox) headEntry() (ID, int) {
	var hdr [EntryHeaderSize]byte
	m.readAt(m.head, hdr[:])
	origin := ID(int32(binary.NativeEndian.Uint32(hdr[0:4])))
	size := int(binary.NativeEndian.Uint32(hdr[4:8]))
	return origin, size
}

// pop releases the oldest entry. Callers hold m.mu.
func (m *Mailbox) pop(size int) {
	n := EntryHeaderSize + size
	m.head = (m.head + n) % m.capacity
	m.used -= n
	m.entries--
	if m.entries == 0 {
		m.head = 0
	}
}

func (m *Mailbox) writeAt(off int, p []byte) int {
	n := copy(m.ring[off:], p)
	if n < len(p) {
		copy(m.ring, p[n:])
	}
	return (off + len(p)) % m.capacity
}

func (m *Mailbox) readAt(off int, p []byte) {
	n := copy(p, m.ring[off:])
	if n < len(p) {
		copy(p[n:], m.ring)
	}
}

// WaitAny blocks until one of boxes holds data and returns it. A zero
// timeout waits forever. A closed, drained mailbox is reported with a
// TRANSPORT_CLOSED error.
func WaitAny(ctx context.Context, timeout time.Duration, boxes ...*Mailbox) (*Mailbox, error) {
	if len(boxes) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "no mailboxes to wait on")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		chans := make([]<-chan struct{}, len(boxes))
		for i, b := range boxes {
			ok, err := b.ready()
			if ok {
				return b, err
			}
			chans[i], _ = b.waitChan()
		}

		if err := waitFirst(ctx, deadline, chans); err != nil {
			return nil, err
		}
	}
}

// waitFirst blocks until any of chans is closed, the deadline fires or ctx is done
func waitFirst(ctx context.Context, deadline <-chan time.Time, chans []<-chan struct{}) error {
	if len(chans) == 1 {
		select {
		case <-chans[0]:
			return nil
		case <-deadline:
			return types.NewError(types.ErrCodeTimeout, "mailbox wait timed out")
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "mailbox wait canceled", ctx.Err())
		}
	}

	woke := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				select {
				case woke <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}(ch)
	}

	select {
	case <-woke:
		return nil
	case <-deadline:
		return types.NewError(types.ErrCodeTimeout, "mailbox wait timed out")
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "mailbox wait canceled", ctx.Err())
	}
}
