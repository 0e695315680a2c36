package protocol

import (
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/types"
)

// Dispatch drains the reply mailbox without blocking, moving each reply
// into the letter of the matching send. Replies that match no waiting
// record are discarded. It returns the number of replies matched.
func (t *Task) Dispatch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatchLocked()
}

func (t *Task) dispatchLocked() int {
	matched := 0
	for {
		origin, size, n, err := t.reply.Peek(t.peek[:])
		if err != nil {
			return matched
		}
		if n < letter.HeaderSize {
			t.strayLocked(origin, "short entry", "size", size)
			continue
		}

		h, _ := letter.DecodeHeader(t.peek[:])
		dst := t.matchLocked(h)
		if dst == nil {
			t.strayLocked(origin, "unmatched reply",
				"correlation_id", h.CorrelationID,
				"kind", h.Kind.String())
			continue
		}

		if h.Size < 0 || int(h.Size) > dst.Cap() || letter.HeaderSize+int(h.Size) != size {
			t.strayLocked(origin, "inconsistent reply size",
				"correlation_id", h.CorrelationID,
				"header_size", h.Size,
				"entry_size", size,
				"capacity", dst.Cap())
			continue
		}

		_, n, err = t.reply.TryDequeue(dst.Buffer())
		if err == mailbox.ErrEmpty {
			return matched
		}
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeBufferTooSmall) {
				t.strayLocked(origin, "reply exceeds letter capacity",
					"correlation_id", h.CorrelationID,
					"size", size,
					"capacity", dst.Cap())
				continue
			}
			t.logger.Error("Reply dequeue failed", "error", err)
			return matched
		}
		if err := dst.Validate(n); err != nil {
			_ = dst.Write(0, nil)
			t.stats.Stray++
			t.logger.Warn("Discarded malformed reply", "correlation_id", h.CorrelationID, "error", err)
			continue
		}

		rec := &t.sends[h.CorrelationID]
		if h.Kind == letter.ReplyIntermediate {
			rec.status = StatusWaitingFinal
			t.stats.Intermediate++
		} else {
			rec.status = StatusFinalOK
			t.stats.Final++
		}
		matched++
		t.logger.Debug("Reply dispatched",
			"send_id", h.CorrelationID,
			"kind", h.Kind.String(),
			"status", rec.status.String())
	}
}

// matchLocked returns the letter waiting for the reply described by h,
// or nil when no record expects it
func (t *Task) matchLocked(h letter.Header) *letter.Letter {
	if h.CorrelationID < 0 || int(h.CorrelationID) >= len(t.sends) {
		return nil
	}
	rec := &t.sends[h.CorrelationID]
	switch h.Kind {
	case letter.ReplyIntermediate:
		if rec.status == StatusWaitingIntermediate {
			return rec.inter
		}
	case letter.ReplyFinal:
		if rec.status.Waiting() {
			return rec.final
		}
	}
	return nil
}

// strayLocked drops the head of the reply mailbox
func (t *Task) strayLocked(origin mailbox.ID, reason string, args ...any) {
	_ = t.reply.DiscardHead()
	t.stats.Stray++
	t.logger.Warn("Discarded stray reply", append([]any{"reason", reason, "origin", int32(origin)}, args...)...)
}
