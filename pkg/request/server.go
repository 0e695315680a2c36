package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/protocol"
	"github.com/billm/letterbox/pkg/types"
)

// Handler serves requests of one type
type Handler interface {
	// HandleRequest runs for request id. It reads parameters with
	// ParamsGet or ParamsDecode and answers with ReplySend, now or later.
	HandleRequest(ctx context.Context, s *Server, id RequestID) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, s *Server, id RequestID) error

// HandleRequest implements Handler
func (f HandlerFunc) HandleRequest(ctx context.Context, s *Server, id RequestID) error {
	return f(ctx, s, id)
}

type serverRecord struct {
	taken         bool
	origin        mailbox.ID
	correlationID int32
	reqType       int32
}

// ServerStats represents server statistics
type ServerStats struct {
	Handled  int64 `json:"handled"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
	InFlight int   `json:"in_flight"`
}

// String returns a string representation of the stats
func (s ServerStats) String() string {
	return fmt.Sprintf("ServerStats{Handled: %d, Rejected: %d, Failed: %d, InFlight: %d}",
		s.Handled, s.Rejected, s.Failed, s.InFlight)
}

// Server receives requests on its task's request mailbox and runs the
// handler installed for each request type
type Server struct {
	task *protocol.Task
	cfg  config.ServerConfig

	exec sync.Mutex // serializes Exec, which owns recv while receiving

	mu       sync.Mutex
	recv     *letter.Letter
	reply    *letter.Letter
	records  []serverRecord
	handlers []Handler
	current  RequestID
	stats    ServerStats
	closed   bool

	logger *logger.Logger
}

// NewServer allocates the shared receive and reply letters and an empty
// handler table with cfg.MaxHandlers slots. The task must own a request
// mailbox.
func NewServer(task *protocol.Task, cfg config.ServerConfig, log *logger.Logger) (*Server, error) {
	if task == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "server requires a task")
	}
	if task.RequestBox() == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "task "+task.Name()+" has no request mailbox")
	}
	if log == nil {
		log = logger.Global()
	}
	if cfg.MaxRequestIDs <= 0 {
		cfg.MaxRequestIDs = config.DefaultServerMaxRequestIDs
	}
	if cfg.MaxHandlers <= 0 {
		cfg.MaxHandlers = config.DefaultMaxHandlers
	}

	recv, err := letter.New(cfg.MaxRequestSize)
	if err != nil {
		return nil, err
	}
	reply, err := letter.New(cfg.MaxReplySize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		task:     task,
		cfg:      cfg,
		recv:     recv,
		reply:    reply,
		records:  make([]serverRecord, cfg.MaxRequestIDs),
		handlers: make([]Handler, cfg.MaxHandlers),
		current:  -1,
		logger:   log.With("component", "request_server", "task", task.Name()),
	}
	s.logger.Debug("Server initialized",
		"max_request_ids", cfg.MaxRequestIDs,
		"max_request_size", cfg.MaxRequestSize,
		"max_reply_size", cfg.MaxReplySize,
		"max_handlers", cfg.MaxHandlers)
	return s, nil
}

// Task returns the task the server receives on
func (s *Server) Task() *protocol.Task {
	return s.task
}

// InstallHandler registers h for reqType
func (s *Server) InstallHandler(reqType int32, h Handler) error {
	if h == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeNotInitialized, "server is closed")
	}
	if reqType < 0 || int(reqType) >= len(s.handlers) {
		return types.NewError(types.ErrCodeInvalidRequestType,
			fmt.Sprintf("request type %d outside [0, %d)", reqType, len(s.handlers)))
	}
	s.handlers[reqType] = h
	s.logger.Debug("Handler installed", "type", reqType)
	return nil
}

// HandleFunc registers f for reqType
func (s *Server) HandleFunc(reqType int32, f func(ctx context.Context, s *Server, id RequestID) error) error {
	return s.InstallHandler(reqType, HandlerFunc(f))
}

// Handlers returns the request types with an installed handler
func (s *Server) Handlers() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int32
	for i, h := range s.handlers {
		if h != nil {
			out = append(out, int32(i))
		}
	}
	return out
}

func (s *Server) handlerLocked(reqType int32) Handler {
	if reqType < 0 || int(reqType) >= len(s.handlers) {
		return nil
	}
	return s.handlers[reqType]
}

func (s *Server) freeSlotLocked() RequestID {
	for i := range s.records {
		if !s.records[i].taken {
			return RequestID(i)
		}
	}
	return -1
}

// Exec reserves a request id, blocks for one request and runs its
// handler synchronously. A request type with no handler is answered
// with a final OutcomeInvalidRequestType reply and reported as
// INVALID_REQUEST_TYPE. A handler error on a request still awaiting its
// final reply is answered with OutcomeHandlerFailed.
func (s *Server) Exec(ctx context.Context) error {
	s.exec.Lock()
	defer s.exec.Unlock()
	defer s.releaseIfClosed()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeNotInitialized, "server is closed")
	}
	id := s.freeSlotLocked()
	s.mu.Unlock()
	if id < 0 {
		return types.NewError(types.ErrCodeTooManyRequestIDs,
			fmt.Sprintf("all %d request ids are in use", len(s.records)))
	}

	origin, err := s.task.Receive(ctx, s.recv, protocol.Forever)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeNotInitialized, "server is closed")
	}
	reqType, corr := s.recv.Type(), s.recv.CorrelationID()
	h := s.handlerLocked(reqType)
	if h == nil {
		s.stats.Rejected++
		rerr := s.sendLocked(origin, corr, letter.ReplyFinal, func(l *letter.Letter) error {
			return l.Write(int32(OutcomeInvalidRequestType), nil)
		})
		s.mu.Unlock()
		if rerr != nil {
			s.logger.Warn("Failed to reject request", "type", reqType, "error", rerr)
		}
		return types.NewError(types.ErrCodeInvalidRequestType,
			fmt.Sprintf("no handler for request type %d", reqType))
	}
	s.records[id] = serverRecord{taken: true, origin: origin, correlationID: corr, reqType: reqType}
	s.current = id
	s.stats.Handled++
	s.mu.Unlock()

	s.logger.Debug("Executing request", "request_id", int32(id), "type", reqType, "origin", int32(origin))
	herr := h.HandleRequest(ctx, s, id)

	s.mu.Lock()
	s.current = -1
	rec := s.records[id]
	pending := rec.taken && rec.origin == origin && rec.correlationID == corr
	if herr != nil {
		s.stats.Failed++
	}
	s.mu.Unlock()

	if herr == nil {
		return nil
	}
	if pending {
		if err := s.ReplySend(id, letter.ReplyFinal, OutcomeHandlerFailed, nil); err != nil {
			s.logger.Warn("Failed to report handler failure", "request_id", int32(id), "error", err)
		}
	}
	return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("handler for request type %d failed", reqType), herr)
}

// Serve runs Exec until ctx is done. Rejected requests and handler
// failures are logged and serving continues.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Server started", "handlers", len(s.Handlers()))
	defer s.logger.Info("Server stopped")

	for {
		err := s.Exec(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil || types.IsErrCode(err, types.ErrCodeCanceled):
			return nil
		case types.IsErrCode(err, types.ErrCodeTransportClosed), types.IsErrCode(err, types.ErrCodeNotInitialized):
			return err
		case types.IsErrCode(err, types.ErrCodeTooManyRequestIDs):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.task.Clock().Duration(1)):
			}
		default:
			s.logger.Warn("Request not served", "error", err)
		}
	}
}

func (s *Server) currentLocked(id RequestID) error {
	if s.closed {
		return types.NewError(types.ErrCodeNotInitialized, "server is closed")
	}
	if id < 0 || id != s.current || !s.records[id].taken {
		return types.NewError(types.ErrCodeBadRequestID,
			fmt.Sprintf("request id %d is not the executing request", id))
	}
	return nil
}

// ParamsGet copies the raw parameters of the executing request into buf
func (s *Server) ParamsGet(id RequestID, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.currentLocked(id); err != nil {
		return 0, err
	}
	return s.recv.Read(buf)
}

// ParamsDecode decodes the parameters of the executing request into v
func (s *Server) ParamsDecode(id RequestID, v any, maxSize int, dec letter.DecodeFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.currentLocked(id); err != nil {
		return 0, err
	}
	return s.recv.Decode(v, maxSize, dec)
}

// RequestType returns the type of the executing request
func (s *Server) RequestType(id RequestID) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.currentLocked(id); err != nil {
		return 0, err
	}
	return s.records[id].reqType, nil
}

// ReplySend answers request id with data. Intermediate replies must
// carry OutcomeOK. A final reply releases the id.
func (s *Server) ReplySend(id RequestID, kind letter.ReplyKind, outcome Outcome, data []byte) error {
	return s.replySend(id, kind, outcome, func(l *letter.Letter) error {
		return l.Write(int32(outcome), data)
	})
}

// ReplySendEncoded answers request id with v serialized by enc
func (s *Server) ReplySendEncoded(id RequestID, kind letter.ReplyKind, outcome Outcome, v any, enc letter.EncodeFunc) error {
	return s.replySend(id, kind, outcome, func(l *letter.Letter) error {
		return l.Encode(int32(outcome), v, enc)
	})
}

func (s *Server) replySend(id RequestID, kind letter.ReplyKind, outcome Outcome, write func(*letter.Letter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeNotInitialized, "server is closed")
	}
	if id < 0 || int(id) >= len(s.records) || !s.records[id].taken {
		return types.NewError(types.ErrCodeBadRequestID, fmt.Sprintf("request id %d is not in use", id))
	}
	switch kind {
	case letter.ReplyIntermediate:
		if outcome != OutcomeOK {
			return types.NewError(types.ErrCodeBadReplyOutcome,
				fmt.Sprintf("intermediate reply cannot carry outcome %s", outcome))
		}
	case letter.ReplyFinal:
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "reply kind must be intermediate or final, got "+kind.String())
	}

	rec := &s.records[id]
	if err := s.sendLocked(rec.origin, rec.correlationID, kind, write); err != nil {
		return err
	}
	if kind == letter.ReplyFinal {
		*rec = serverRecord{}
	}
	return nil
}

func (s *Server) sendLocked(origin mailbox.ID, corr int32, kind letter.ReplyKind, write func(*letter.Letter) error) error {
	if err := write(s.reply); err != nil {
		return err
	}
	return s.task.Reply(origin, corr, kind, s.reply)
}

// RequestIDFree releases id without replying
func (s *Server) RequestIDFree(id RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || int(id) >= len(s.records) || !s.records[id].taken {
		return types.NewError(types.ErrCodeBadRequestID, fmt.Sprintf("request id %d is not in use", id))
	}
	s.records[id] = serverRecord{}
	return nil
}

// InFlight returns the number of requests awaiting a final reply
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightLocked()
}

func (s *Server) inFlightLocked() int {
	n := 0
	for i := range s.records {
		if s.records[i].taken {
			n++
		}
	}
	return n
}

// Stats returns server statistics
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.InFlight = s.inFlightLocked()
	return stats
}

// Close releases the server's letters. Blocked Exec calls return once
// the task's request mailbox closes or their context ends, and release
// the receive letter on their way out.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for i := range s.records {
		s.records[i] = serverRecord{}
	}
	s.reply.Discard()
	if s.exec.TryLock() {
		s.recv.Discard()
		s.exec.Unlock()
	}
	s.logger.Debug("Server closed")
	return nil
}

// releaseIfClosed discards the receive letter once Close has run. Callers
// hold s.exec.
func (s *Server) releaseIfClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.recv.Discard()
	}
}
