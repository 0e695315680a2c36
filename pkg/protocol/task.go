package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/types"
)

// ReplySuffix is appended to a task name to form its reply mailbox name
const ReplySuffix = ".reply"

// TaskConfig sizes a task's send table and mailboxes
type TaskConfig struct {
	MaxSends        int
	ReplyCapacity   int
	RequestCapacity int // 0 spawns a task without a request mailbox
}

// TaskConfigFrom derives a task configuration from the process config.
// Only serving tasks get a request mailbox.
func TaskConfigFrom(cfg *config.Config, serving bool) TaskConfig {
	tc := TaskConfig{
		MaxSends:      cfg.Protocol.MaxSends,
		ReplyCapacity: cfg.Mailbox.ReplyCapacity,
	}
	if serving {
		tc.RequestCapacity = cfg.Mailbox.RequestCapacity
	}
	return tc
}

type sendRecord struct {
	status       Status
	sentAt       Ticks
	interTimeout Ticks
	finalTimeout Ticks
	inter        *letter.Letter
	final        *letter.Letter
}

// Stats represents task statistics
type Stats struct {
	Sent         int64 `json:"sent"`
	SendFailures int64 `json:"send_failures"`
	Intermediate int64 `json:"intermediate"`
	Final        int64 `json:"final"`
	Replied      int64 `json:"replied"`
	Stray        int64 `json:"stray"`
	Timeouts     int64 `json:"timeouts"`
	InFlight     int   `json:"in_flight"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("TaskStats{Sent: %d, Failed: %d, Intermediate: %d, Final: %d, Replied: %d, Stray: %d, Timeouts: %d, InFlight: %d}",
		s.Sent, s.SendFailures, s.Intermediate, s.Final, s.Replied, s.Stray, s.Timeouts, s.InFlight)
}

// Task is one participant in the protocol. It owns a send table, a reply
// mailbox and optionally a request mailbox.
type Task struct {
	name      string
	id        types.ID
	clock     Clock
	mailboxes *mailbox.Registry
	reply     *mailbox.Mailbox
	request   *mailbox.Mailbox

	mu     sync.Mutex
	sends  []sendRecord
	peek   [letter.HeaderSize]byte
	stats  Stats
	closed bool

	logger *logger.Logger
}

func newTask(name string, cfg TaskConfig, mailboxes *mailbox.Registry, clock Clock, log *logger.Logger) (*Task, error) {
	if cfg.MaxSends <= 0 {
		cfg.MaxSends = config.DefaultMaxSends
	}
	if cfg.ReplyCapacity <= 0 {
		cfg.ReplyCapacity = config.DefaultMailboxCapacity
	}

	reply, err := mailboxes.Create(name+ReplySuffix, cfg.ReplyCapacity)
	if err != nil {
		return nil, err
	}

	var request *mailbox.Mailbox
	if cfg.RequestCapacity > 0 {
		request, err = mailboxes.Create(name, cfg.RequestCapacity)
		if err != nil {
			_ = mailboxes.Remove(reply.ID())
			return nil, err
		}
	}

	id := types.GenerateID()
	return &Task{
		name:      name,
		id:        id,
		clock:     clock,
		mailboxes: mailboxes,
		reply:     reply,
		request:   request,
		sends:     make([]sendRecord, cfg.MaxSends),
		logger:    log.With("component", "protocol", "task", name, "task_id", id.String()),
	}, nil
}

// Name returns the task name
func (t *Task) Name() string { return t.name }

// ID returns the unique instance id of the task
func (t *Task) ID() types.ID { return t.id }

// Clock returns the task's time base
func (t *Task) Clock() Clock { return t.clock }

// ReplyBox returns the mailbox replies are delivered to
func (t *Task) ReplyBox() *mailbox.Mailbox { return t.reply }

// RequestBox returns the mailbox requests are delivered to, or nil
func (t *Task) RequestBox() *mailbox.Mailbox { return t.request }

// Mailboxes returns the registry the task's mailboxes live in
func (t *Task) Mailboxes() *mailbox.Registry { return t.mailboxes }

// MaxSends returns the size of the send table
func (t *Task) MaxSends() int { return len(t.sends) }

// Send stamps l with a fresh send id and enqueues it on dest. The reply
// letters are cleared and registered for the exchange; inter may be nil
// when no intermediate reply is wanted. With BlockNone Send returns right
// after the enqueue, otherwise it waits like ReplyWait for the chosen stage.
func (t *Task) Send(ctx context.Context, dest *mailbox.Mailbox, l, inter, final *letter.Letter,
	mode BlockMode, interTimeout, finalTimeout Ticks) (SendID, Status, error) {
	switch mode {
	case BlockNone, BlockFinal:
	case BlockIntermediate:
		if inter == nil {
			return -1, StatusFree, types.NewError(types.ErrCodeInvalidBlockMode,
				"blocking on the intermediate reply requires an intermediate letter")
		}
	default:
		return -1, StatusFree, types.NewError(types.ErrCodeInvalidBlockMode, "unknown block mode: "+mode.String())
	}
	if dest == nil {
		return -1, StatusFree, types.NewError(types.ErrCodeInvalidArgument, "destination mailbox is required")
	}
	if final == nil {
		return -1, StatusFree, types.NewError(types.ErrCodeInvalidArgument, "final reply letter is required")
	}
	if interTimeout < 0 || finalTimeout < 0 {
		return -1, StatusFree, types.NewError(types.ErrCodeInvalidArgument, "timeouts cannot be negative")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return -1, StatusFree, types.NewError(types.ErrCodeTransportClosed, "task "+t.name+" is closed")
	}

	id := t.allocLocked()
	if id < 0 {
		t.mu.Unlock()
		return -1, StatusFree, types.NewError(types.ErrCodeTooManySends,
			fmt.Sprintf("task %s has %d sends in flight", t.name, len(t.sends)))
	}

	if err := prepare(l, inter, final, id); err != nil {
		t.mu.Unlock()
		return -1, StatusFree, err
	}

	rec := &t.sends[id]
	*rec = sendRecord{
		status:       StatusWaitingFinal,
		sentAt:       t.clock.Now(),
		interTimeout: interTimeout,
		finalTimeout: finalTimeout,
		inter:        inter,
		final:        final,
	}
	if inter != nil {
		rec.status = StatusWaitingIntermediate
	}

	if err := dest.Enqueue(t.reply.ID(), l.Bytes()); err != nil {
		*rec = sendRecord{}
		t.stats.SendFailures++
		t.mu.Unlock()
		t.logger.Debug("Send failed", "send_id", id, "dest", dest.Name(), "error", err)
		return -1, StatusFree, err
	}
	t.stats.Sent++
	status := rec.status
	t.mu.Unlock()

	t.logger.Debug("Letter sent",
		"send_id", id,
		"dest", dest.Name(),
		"type", l.Type(),
		"size", l.Size(),
		"status", status.String())

	switch mode {
	case BlockIntermediate:
		status, err := t.ReplyWait(ctx, id, StageIntermediate)
		return id, status, err
	case BlockFinal:
		status, err := t.ReplyWait(ctx, id, StageFinal)
		return id, status, err
	}
	return id, status, nil
}

// prepare stamps the outgoing letter and clears the reply letters so a
// reply kind of ReplyNone means nothing has arrived yet
func prepare(l, inter, final *letter.Letter, id SendID) error {
	if err := l.Stamp(int32(id), letter.ReplyNone); err != nil {
		return err
	}
	if l.Bytes() == nil {
		return types.NewError(types.ErrCodeEnvelopeTooSmall, "outgoing letter size exceeds its capacity")
	}
	if inter != nil {
		if err := inter.Write(0, nil); err != nil {
			return err
		}
	}
	return final.Write(0, nil)
}

// allocLocked returns the first free slot or -1
func (t *Task) allocLocked() SendID {
	for i := range t.sends {
		if t.sends[i].status == StatusFree {
			return SendID(i)
		}
	}
	return -1
}

// recordLocked returns the in-use record for id
func (t *Task) recordLocked(id SendID) (*sendRecord, error) {
	if id < 0 || int(id) >= len(t.sends) {
		return nil, types.NewError(types.ErrCodeBadSendID, fmt.Sprintf("send id %d out of range", id))
	}
	rec := &t.sends[id]
	if rec.status == StatusFree {
		return nil, types.NewError(types.ErrCodeBadSendID, fmt.Sprintf("send id %d is not in use", id))
	}
	return rec, nil
}

// ReplyStatus drains pending replies and returns the status of id without
// blocking. Terminal records stay allocated until FreeSendID.
func (t *Task) ReplyStatus(id SendID) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.recordLocked(id)
	if err != nil {
		return StatusFree, err
	}
	t.dispatchLocked()
	status, _ := t.evaluateLocked(id, rec)
	return status, nil
}

// ReplyWait blocks until the given stage of id resolves. It returns the
// status that ended the wait. Canceling ctx returns CANCELED and leaves the
// record waiting.
func (t *Task) ReplyWait(ctx context.Context, id SendID, stage Stage) (Status, error) {
	for {
		t.mu.Lock()
		rec, err := t.recordLocked(id)
		if err != nil {
			t.mu.Unlock()
			return StatusFree, err
		}
		t.dispatchLocked()
		status, remaining := t.evaluateLocked(id, rec)
		t.mu.Unlock()

		if status.resolved(stage) {
			return status, nil
		}

		err = t.reply.Wait(ctx, t.clock.Duration(remaining))
		if err != nil && !types.IsErrCode(err, types.ErrCodeTimeout) {
			return status, err
		}
	}
}

// evaluateLocked applies expired budgets to rec and returns its status and
// the ticks until the nearest pending deadline, 0 when none applies. The
// final budget is checked first and holds in both waiting states.
func (t *Task) evaluateLocked(id SendID, rec *sendRecord) (Status, Ticks) {
	if !rec.status.Waiting() {
		return rec.status, 0
	}

	elapsed := t.clock.Now() - rec.sentAt
	var remaining Ticks

	if rec.finalTimeout > 0 {
		left := rec.finalTimeout - elapsed
		if left <= 0 {
			t.expireLocked(id, rec, StatusFinalTimeout, elapsed)
			return rec.status, 0
		}
		remaining = left
	}

	if rec.status == StatusWaitingIntermediate && rec.interTimeout > 0 {
		left := rec.interTimeout - elapsed
		if left <= 0 {
			t.expireLocked(id, rec, StatusIntermediateTimeout, elapsed)
			return rec.status, 0
		}
		if remaining == 0 || left < remaining {
			remaining = left
		}
	}

	return rec.status, remaining
}

func (t *Task) expireLocked(id SendID, rec *sendRecord, status Status, elapsed Ticks) {
	rec.status = status
	t.stats.Timeouts++
	t.logger.Debug("Send timed out", "send_id", id, "status", status.String(), "elapsed_ticks", int64(elapsed))
}

// FreeSendID returns id to the free pool. A reply still in flight for it
// will be discarded on arrival, or matched to a later send reusing the id.
func (t *Task) FreeSendID(id SendID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < 0 || int(id) >= len(t.sends) {
		return types.NewError(types.ErrCodeBadSendID, fmt.Sprintf("send id %d out of range", id))
	}
	t.sends[id] = sendRecord{}
	return nil
}

// Reply stamps l with correlationID and kind and enqueues it on the
// mailbox identified by origin
func (t *Task) Reply(origin mailbox.ID, correlationID int32, kind letter.ReplyKind, l *letter.Letter) error {
	if kind != letter.ReplyIntermediate && kind != letter.ReplyFinal {
		return types.NewError(types.ErrCodeInvalidArgument, "reply kind must be intermediate or final, got "+kind.String())
	}
	dest, err := t.mailboxes.Lookup(origin)
	if err != nil {
		return err
	}
	if err := l.Stamp(correlationID, kind); err != nil {
		return err
	}
	if l.Bytes() == nil {
		return types.NewError(types.ErrCodeEnvelopeTooSmall, "reply letter size exceeds its capacity")
	}

	from := t.reply.ID()
	if t.request != nil {
		from = t.request.ID()
	}
	if err := dest.Enqueue(from, l.Bytes()); err != nil {
		return err
	}

	t.mu.Lock()
	t.stats.Replied++
	t.mu.Unlock()

	t.logger.Debug("Reply sent",
		"dest", dest.Name(),
		"correlation_id", correlationID,
		"kind", kind.String(),
		"outcome", l.Type())
	return nil
}

// Receive blocks until a letter arrives on the request mailbox and reads
// it into l. A zero timeout waits forever. A letter too large for l is
// dropped and reported as BUFFER_TOO_SMALL.
func (t *Task) Receive(ctx context.Context, l *letter.Letter, timeout Ticks) (mailbox.ID, error) {
	if t.request == nil {
		return mailbox.NoOrigin, types.NewError(types.ErrCodeNotInitialized, "task "+t.name+" has no request mailbox")
	}
	buf := l.Buffer()
	if buf == nil {
		return mailbox.NoOrigin, types.NewError(types.ErrCodeNotInitialized, "receive letter is not allocated")
	}

	origin, n, err := t.request.Dequeue(ctx, buf, t.clock.Duration(timeout))
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeBufferTooSmall) {
			_ = t.request.DiscardHead()
			t.logger.Warn("Dropped oversized request", "origin", int32(origin), "capacity", l.Cap())
		}
		return origin, err
	}
	if err := l.Validate(n); err != nil {
		t.logger.Warn("Dropped malformed request", "origin", int32(origin), "error", err)
		return origin, err
	}
	return origin, nil
}

// InFlight returns the number of allocated send records
func (t *Task) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlightLocked()
}

func (t *Task) inFlightLocked() int {
	n := 0
	for i := range t.sends {
		if t.sends[i].status != StatusFree {
			n++
		}
	}
	return n
}

// Stats returns task statistics
func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	stats.InFlight = t.inFlightLocked()
	return stats
}

// Close removes the task's mailboxes, waking any blocked waits
func (t *Task) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var firstErr error
	if err := t.mailboxes.Remove(t.reply.ID()); err != nil {
		firstErr = err
	}
	if t.request != nil {
		if err := t.mailboxes.Remove(t.request.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.logger.Debug("Task closed")
	return firstErr
}

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("Task{Name: %s, ID: %s, %s}", t.name, t.id, t.Stats())
}
