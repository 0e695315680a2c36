package request

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/protocol"
	"github.com/billm/letterbox/pkg/types"
)

// Request describes one outbound request. The payload is either Data,
// copied as is, or Value serialized with Encode.
type Request struct {
	Type                int32
	Data                []byte
	Value               any
	Encode              letter.EncodeFunc
	WantsIntermediate   bool
	IntermediateTimeout protocol.Ticks
	FinalTimeout        protocol.Ticks
}

// Sink receives a reply payload, either raw into Buf or decoded into Into
// with Decode. MaxSize bounds the payload size, 0 means no bound beyond
// the buffer.
type Sink struct {
	Buf     []byte
	Into    any
	Decode  letter.DecodeFunc
	MaxSize int

	// N is the number of bytes read or decoded
	N int
	// Received is set once the reply has been copied out
	Received bool
}

func (s *Sink) fill(l *letter.Letter) error {
	var (
		n   int
		err error
	)
	if s.Decode != nil {
		n, err = l.Decode(s.Into, s.MaxSize, s.Decode)
	} else {
		n, err = l.Decode(s.Buf, s.MaxSize, nil)
	}
	if err != nil {
		return err
	}
	s.N = n
	s.Received = true
	return nil
}

type clientRecord struct {
	taken             bool
	wantsIntermediate bool
	sendID            protocol.SendID
	inter             *letter.Letter
	final             *letter.Letter
}

// Client issues requests to one server mailbox on behalf of a task
type Client struct {
	task   *protocol.Task
	server *mailbox.Mailbox
	cfg    config.ClientConfig

	mu      sync.Mutex
	send    *letter.Letter
	records []clientRecord
	closed  bool

	logger *logger.Logger
}

// NewClient resolves the server mailbox by name and allocates the
// request letter and per-slot reply letters. Slots get an intermediate
// letter only when MaxIntermediateReplySize is non-zero.
func NewClient(task *protocol.Task, serverName string, cfg config.ClientConfig, log *logger.Logger) (*Client, error) {
	if task == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "client requires a task")
	}
	if log == nil {
		log = logger.Global()
	}
	if cfg.MaxRequestIDs <= 0 {
		cfg.MaxRequestIDs = config.DefaultClientMaxRequestIDs
	}
	if cfg.MaxRequestIDs > task.MaxSends() {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("%d request ids exceed the task's %d send slots", cfg.MaxRequestIDs, task.MaxSends()))
	}

	server, err := task.Mailboxes().Find(serverName)
	if err != nil {
		return nil, err
	}

	send, err := letter.New(cfg.MaxRequestSize)
	if err != nil {
		return nil, err
	}

	records := make([]clientRecord, cfg.MaxRequestIDs)
	for i := range records {
		if records[i].final, err = letter.New(cfg.MaxFinalReplySize); err != nil {
			return nil, err
		}
		if cfg.MaxIntermediateReplySize != 0 {
			if records[i].inter, err = letter.New(cfg.MaxIntermediateReplySize); err != nil {
				return nil, err
			}
		}
	}

	c := &Client{
		task:    task,
		server:  server,
		cfg:     cfg,
		send:    send,
		records: records,
		logger:  log.With("component", "request_client", "task", task.Name(), "server", serverName),
	}
	c.logger.Debug("Client initialized",
		"max_request_ids", cfg.MaxRequestIDs,
		"max_request_size", cfg.MaxRequestSize,
		"max_intermediate_reply_size", cfg.MaxIntermediateReplySize,
		"max_final_reply_size", cfg.MaxFinalReplySize)
	return c, nil
}

// Request returns a request of the given type carrying data, with the
// configured default timeouts
func (c *Client) Request(reqType int32, data []byte) Request {
	return Request{
		Type:                reqType,
		Data:                data,
		IntermediateTimeout: protocol.Ticks(c.cfg.IntermediateTimeout),
		FinalTimeout:        protocol.Ticks(c.cfg.FinalTimeout),
	}
}

// RequestSend writes req into the request letter and sends it without
// blocking. The returned id stays taken until its final reply is
// consumed by ReplyReceive or it is freed.
func (c *Client) RequestSend(req Request) (RequestID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return -1, types.NewError(types.ErrCodeNotInitialized, "client is closed")
	}

	id := RequestID(-1)
	for i := range c.records {
		if !c.records[i].taken {
			id = RequestID(i)
			break
		}
	}
	if id < 0 {
		return -1, types.NewError(types.ErrCodeTooManyRequestIDs,
			fmt.Sprintf("all %d request ids are in use", len(c.records)))
	}
	rec := &c.records[id]

	if req.WantsIntermediate && rec.inter == nil {
		return -1, types.NewError(types.ErrCodeInvalidArgument, "client was created without intermediate reply letters")
	}

	var err error
	if req.Encode != nil {
		err = c.send.Encode(req.Type, req.Value, req.Encode)
	} else {
		err = c.send.Write(req.Type, req.Data)
	}
	if err != nil {
		return -1, err
	}

	var inter *letter.Letter
	if req.WantsIntermediate {
		inter = rec.inter
	}
	sendID, _, err := c.task.Send(context.Background(), c.server, c.send, inter, rec.final,
		protocol.BlockNone, req.IntermediateTimeout, req.FinalTimeout)
	if err != nil {
		return -1, err
	}

	rec.taken = true
	rec.wantsIntermediate = req.WantsIntermediate
	rec.sendID = sendID

	c.logger.Debug("Request sent", "request_id", int32(id), "send_id", int32(sendID), "type", req.Type)
	return id, nil
}

func (c *Client) recordLocked(id RequestID) (*clientRecord, error) {
	if c.closed {
		return nil, types.NewError(types.ErrCodeNotInitialized, "client is closed")
	}
	if id < 0 || int(id) >= len(c.records) || !c.records[id].taken {
		return nil, types.NewError(types.ErrCodeBadRequestID, fmt.Sprintf("request id %d is not in use", id))
	}
	return &c.records[id], nil
}

// ReplyReceive checks or waits for the replies to id according to mode
// and copies whichever replies have arrived into inter and final. On
// FINAL_OK the id is released once the final reply has been copied out;
// if the copy fails the id stays taken so the call can be repeated with a
// larger sink. A non-OK outcome is returned as a *ReplyError alongside
// the status. Timeout states are returned without error and leave the id
// taken until RequestIDFree.
func (c *Client) ReplyReceive(ctx context.Context, id RequestID, mode protocol.BlockMode, inter, final *Sink) (protocol.Status, error) {
	c.mu.Lock()
	rec, err := c.recordLocked(id)
	if err != nil {
		c.mu.Unlock()
		return protocol.StatusFree, err
	}
	sendID, wants := rec.sendID, rec.wantsIntermediate
	interLetter, finalLetter := rec.inter, rec.final
	c.mu.Unlock()

	var status protocol.Status
	switch mode {
	case protocol.BlockNone:
		status, err = c.task.ReplyStatus(sendID)
	case protocol.BlockIntermediate:
		if !wants {
			return protocol.StatusFree, types.NewError(types.ErrCodeInvalidBlockMode,
				fmt.Sprintf("request %d did not ask for an intermediate reply", id))
		}
		status, err = c.task.ReplyWait(ctx, sendID, protocol.StageIntermediate)
	case protocol.BlockFinal:
		status, err = c.task.ReplyWait(ctx, sendID, protocol.StageFinal)
	default:
		return protocol.StatusFree, types.NewError(types.ErrCodeInvalidBlockMode, "unknown block mode: "+mode.String())
	}
	if err != nil {
		return status, err
	}

	if inter != nil && wants && !inter.Received && interLetter.Kind() == letter.ReplyIntermediate {
		if err := inter.fill(interLetter); err != nil {
			return status, err
		}
	}
	if status != protocol.StatusFinalOK {
		return status, nil
	}

	outcome := Outcome(finalLetter.Type())
	if final != nil && outcome == OutcomeOK {
		if err := final.fill(finalLetter); err != nil {
			return status, err
		}
	}
	c.release(id, sendID)

	if outcome != OutcomeOK {
		c.logger.Debug("Request failed remotely", "request_id", int32(id), "outcome", outcome.String())
		return status, &ReplyError{RequestID: id, Outcome: outcome}
	}
	return status, nil
}

// release frees id if it still belongs to sendID
func (c *Client) release(id RequestID, sendID protocol.SendID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &c.records[id]
	if !rec.taken || rec.sendID != sendID {
		return
	}
	c.freeLocked(rec)
}

func (c *Client) freeLocked(rec *clientRecord) {
	if err := c.task.FreeSendID(rec.sendID); err != nil {
		c.logger.Warn("Failed to free send id", "send_id", int32(rec.sendID), "error", err)
	}
	rec.taken = false
	rec.wantsIntermediate = false
	rec.sendID = -1
}

// RequestIDFree abandons id. A reply arriving later is discarded.
func (c *Client) RequestIDFree(id RequestID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.recordLocked(id)
	if err != nil {
		return err
	}
	c.freeLocked(rec)
	return nil
}

// InFlight returns the number of taken request ids
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.records {
		if c.records[i].taken {
			n++
		}
	}
	return n
}

// Close frees every request id and discards the client's letters
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	for i := range c.records {
		rec := &c.records[i]
		if rec.taken {
			c.freeLocked(rec)
		}
		rec.final.Discard()
		rec.inter.Discard()
	}
	c.send.Discard()
	c.closed = true
	c.logger.Debug("Client closed")
	return nil
}
