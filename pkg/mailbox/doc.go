// Package mailbox implements the named, fixed-capacity FIFO channels that
// tasks use to exchange letters.
//
// A Mailbox stores variable-sized blocks in a byte ring. Each block costs
// an 8-byte entry header (origin mailbox id and block size) on top of its
// own length, so a mailbox of capacity N holds at most N bytes of headers
// and blocks together. Enqueue never blocks: a block that does not fit is
// rejected with a TRANSPORT_FULL error rather than queued.
//
// Mailboxes are created and found by name through a Registry. Every
// mailbox also has a small integer ID, which is what receivers see as the
// origin of a block and use to route a reply back.
//
// Example usage:
//
//	reg := mailbox.NewRegistry(log)
//	box, err := reg.Create("planner", 64*1024)
//	if err != nil {
//	    return err
//	}
//
//	if err := box.Enqueue(self.ID(), block); err != nil {
//	    return err
//	}
//
//	origin, n, err := box.Dequeue(ctx, buf, 100*time.Millisecond)
package mailbox
