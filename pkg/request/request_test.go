package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/letter/codec"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/protocol"
	"github.com/billm/letterbox/pkg/types"
)

const testTick = 5 * time.Millisecond

type harness struct {
	reg        *protocol.Registry
	clientTask *protocol.Task
	client     *Client
	server     *Server
}

func newHarness(t *testing.T, clientCfg config.ClientConfig, serverCfg config.ServerConfig) *harness {
	t.Helper()
	log := logger.NewNop()
	reg := protocol.NewRegistry(mailbox.NewRegistry(log), protocol.NewTickClock(testTick), log)
	t.Cleanup(reg.Close)

	serverTask, err := reg.Spawn("server", protocol.TaskConfig{MaxSends: 4, ReplyCapacity: 4096, RequestCapacity: 4096})
	require.NoError(t, err)
	clientTask, err := reg.Spawn("client", protocol.TaskConfig{MaxSends: 16, ReplyCapacity: 4096})
	require.NoError(t, err)

	server, err := NewServer(serverTask, serverCfg, log)
	require.NoError(t, err)
	client, err := NewClient(clientTask, "server", clientCfg, log)
	require.NoError(t, err)

	return &harness{reg: reg, clientTask: clientTask, client: client, server: server}
}

func newDefaultHarness(t *testing.T) *harness {
	t.Helper()
	serverCfg := config.DefaultServerConfig()
	serverCfg.MaxHandlers = 10
	return newHarness(t, config.DefaultClientConfig(), serverCfg)
}

// exec runs one Server.Exec in the background
func (h *harness) exec(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.server.Exec(ctx) }()
	return done
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScenarioTwoStageHappyPath(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	var params []byte
	require.NoError(t, h.server.HandleFunc(3, func(ctx context.Context, s *Server, id RequestID) error {
		buf := make([]byte, 16)
		n, err := s.ParamsGet(id, buf)
		if err != nil {
			return err
		}
		params = buf[:n]
		if err := s.ReplySend(id, letter.ReplyIntermediate, OutcomeOK, []byte{42}); err != nil {
			return err
		}
		return s.ReplySend(id, letter.ReplyFinal, OutcomeOK, []byte{100})
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{
		Type:                3,
		Data:                []byte{7, 8},
		WantsIntermediate:   true,
		IntermediateTimeout: 50,
		FinalTimeout:        200,
	})
	require.NoError(t, err)

	inter := &Sink{Buf: make([]byte, 8)}
	final := &Sink{Buf: make([]byte, 8)}
	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, inter, final)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFinalOK, status)
	require.True(t, final.Received)
	assert.Equal(t, []byte{100}, final.Buf[:final.N])
	require.True(t, inter.Received)
	assert.Equal(t, []byte{42}, inter.Buf[:inter.N])

	require.NoError(t, <-execErr)
	assert.Equal(t, []byte{7, 8}, params)
	assert.Equal(t, 0, h.client.InFlight())
	assert.Equal(t, 0, h.clientTask.InFlight())
	assert.Equal(t, 0, h.server.InFlight())
}

func TestScenarioFinalTimeout(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	start := time.Now()
	id, err := h.client.RequestSend(Request{
		Type:                3,
		WantsIntermediate:   true,
		IntermediateTimeout: 50,
		FinalTimeout:        20,
	})
	require.NoError(t, err)

	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFinalTimeout, status)
	assert.GreaterOrEqual(t, elapsed, 19*testTick)

	assert.Equal(t, 1, h.client.InFlight())
	require.NoError(t, h.client.RequestIDFree(id))
	assert.Equal(t, 0, h.client.InFlight())
	assert.Equal(t, 0, h.clientTask.InFlight())

	err = h.client.RequestIDFree(id)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))
}

func TestScenarioBadIntermediateOutcome(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	var (
		badErr   error
		boxLen   int
		handlerM sync.Mutex
	)
	require.NoError(t, h.server.HandleFunc(3, func(ctx context.Context, s *Server, id RequestID) error {
		handlerM.Lock()
		defer handlerM.Unlock()
		badErr = s.ReplySend(id, letter.ReplyIntermediate, Outcome(5), []byte{1})
		boxLen = h.clientTask.ReplyBox().Len()
		return s.ReplySend(id, letter.ReplyFinal, Outcome(5), nil)
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 3, WantsIntermediate: true})
	require.NoError(t, err)
	require.NoError(t, <-execErr)

	handlerM.Lock()
	assert.True(t, types.IsErrCode(badErr, types.ErrCodeBadReplyOutcome))
	assert.Equal(t, 0, boxLen)
	handlerM.Unlock()

	inter := &Sink{Buf: make([]byte, 8)}
	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, inter, nil)
	assert.Equal(t, protocol.StatusFinalOK, status)
	require.Error(t, err)
	assert.False(t, inter.Received)

	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Equal(t, Outcome(5), replyErr.Outcome)
	assert.True(t, types.IsErrCode(err, types.ErrCodeRemoteFailure))
	assert.Equal(t, 0, h.client.InFlight())
}

func TestScenarioUnknownRequestType(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 99, Data: []byte("?")})
	require.NoError(t, err)

	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, &Sink{Buf: make([]byte, 8)})
	assert.Equal(t, protocol.StatusFinalOK, status)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidRequestType))
	assert.Equal(t, 0, h.client.InFlight())

	serr := <-execErr
	assert.True(t, types.IsErrCode(serr, types.ErrCodeInvalidRequestType))
	assert.Equal(t, int64(1), h.server.Stats().Rejected)
	assert.Equal(t, 0, h.server.InFlight())
}

func TestNegativeRequestTypeRejected(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: -4})
	require.NoError(t, err)
	_, err = h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidRequestType))
	assert.True(t, types.IsErrCode(<-execErr, types.ErrCodeInvalidRequestType))
}

func TestHandlerErrorRepliesFailure(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	require.NoError(t, h.server.HandleFunc(1, func(ctx context.Context, s *Server, id RequestID) error {
		return errors.New("actuator offline")
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 1})
	require.NoError(t, err)
	_, err = h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, nil)

	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	assert.Equal(t, OutcomeHandlerFailed, replyErr.Outcome)

	serr := <-execErr
	require.Error(t, serr)
	assert.Contains(t, serr.Error(), "actuator offline")
	assert.Equal(t, int64(1), h.server.Stats().Failed)
	assert.Equal(t, 0, h.server.InFlight())
}

func TestDeferredFinalReply(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	held := make(chan RequestID, 1)
	require.NoError(t, h.server.HandleFunc(2, func(ctx context.Context, s *Server, id RequestID) error {
		if err := s.ReplySend(id, letter.ReplyIntermediate, OutcomeOK, []byte("queued")); err != nil {
			return err
		}
		held <- id
		return nil
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 2, WantsIntermediate: true})
	require.NoError(t, err)

	inter := &Sink{Buf: make([]byte, 16)}
	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockIntermediate, inter, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusWaitingFinal, status)
	assert.Equal(t, "queued", string(inter.Buf[:inter.N]))

	require.NoError(t, <-execErr)
	serverID := <-held
	assert.Equal(t, 1, h.server.InFlight())

	// parameters are only readable while the handler runs
	_, err = h.server.ParamsGet(serverID, make([]byte, 8))
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))

	status, err = h.client.ReplyReceive(ctx, id, protocol.BlockNone, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusWaitingFinal, status)

	require.NoError(t, h.server.ReplySend(serverID, letter.ReplyFinal, OutcomeOK, []byte("done")))
	assert.Equal(t, 0, h.server.InFlight())
	err = h.server.ReplySend(serverID, letter.ReplyFinal, OutcomeOK, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))

	final := &Sink{Buf: make([]byte, 16)}
	status, err = h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, final)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFinalOK, status)
	assert.Equal(t, "done", string(final.Buf[:final.N]))
}

func TestEncodedRequestAndReply(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)
	pb := codec.Proto()

	require.NoError(t, h.server.HandleFunc(4, func(ctx context.Context, s *Server, id RequestID) error {
		in := &wrapperspb.Int64Value{}
		if _, err := s.ParamsDecode(id, in, 0, pb.Decode); err != nil {
			return err
		}
		return s.ReplySendEncoded(id, letter.ReplyFinal, OutcomeOK, wrapperspb.Int64(in.GetValue()*2), pb.Encode)
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 4, Value: wrapperspb.Int64(21), Encode: pb.Encode})
	require.NoError(t, err)

	out := &wrapperspb.Int64Value{}
	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, &Sink{Into: out, Decode: pb.Decode})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFinalOK, status)
	assert.Equal(t, int64(42), out.GetValue())
	require.NoError(t, <-execErr)
}

func TestFinalFreesAlways(t *testing.T) {
	for _, withInter := range []bool{false, true} {
		t.Run(map[bool]string{false: "final only", true: "two stage"}[withInter], func(t *testing.T) {
			h := newDefaultHarness(t)
			ctx := testContext(t)
			require.NoError(t, h.server.HandleFunc(0, func(ctx context.Context, s *Server, id RequestID) error {
				if withInter {
					if err := s.ReplySend(id, letter.ReplyIntermediate, OutcomeOK, nil); err != nil {
						return err
					}
				}
				return s.ReplySend(id, letter.ReplyFinal, OutcomeOK, nil)
			}))

			for i := 0; i < 25; i++ {
				execErr := h.exec(ctx)
				id, err := h.client.RequestSend(Request{Type: 0, WantsIntermediate: withInter})
				require.NoError(t, err)
				status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, nil)
				require.NoError(t, err)
				require.Equal(t, protocol.StatusFinalOK, status)
				require.NoError(t, <-execErr)
				require.Equal(t, 0, h.client.InFlight())
				require.Equal(t, 0, h.clientTask.InFlight())
			}
		})
	}
}

func TestMalformedReplyLeavesNoTrace(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	id, err := h.client.RequestSend(Request{Type: 1, WantsIntermediate: true, IntermediateTimeout: 4})
	require.NoError(t, err)
	sendID := h.client.records[id].sendID

	// entry of 20 bytes whose header claims a negative payload size
	block := make([]byte, letter.HeaderSize+4)
	letter.Header{CorrelationID: int32(sendID), Kind: letter.ReplyIntermediate, Size: -1}.Put(block)
	require.NoError(t, h.clientTask.ReplyBox().Enqueue(mailbox.NoOrigin, block))

	inter := &Sink{Buf: make([]byte, 64)}
	var status protocol.Status
	require.NotPanics(t, func() {
		status, err = h.client.ReplyReceive(ctx, id, protocol.BlockIntermediate, inter, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIntermediateTimeout, status)
	assert.False(t, inter.Received)
	assert.Equal(t, int64(1), h.clientTask.Stats().Stray)
	require.NoError(t, h.client.RequestIDFree(id))
}

func TestFinalSinkTooSmallKeepsReply(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)
	require.NoError(t, h.server.HandleFunc(2, func(ctx context.Context, s *Server, id RequestID) error {
		return s.ReplySend(id, letter.ReplyFinal, OutcomeOK, []byte("result"))
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 2, FinalTimeout: 400})
	require.NoError(t, err)

	small := &Sink{Buf: make([]byte, 2)}
	status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, small)
	assert.Equal(t, protocol.StatusFinalOK, status)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBufferTooSmall))
	assert.False(t, small.Received)
	assert.Equal(t, 1, h.client.InFlight())

	big := &Sink{Buf: make([]byte, 16)}
	status, err = h.client.ReplyReceive(ctx, id, protocol.BlockNone, nil, big)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFinalOK, status)
	assert.Equal(t, "result", string(big.Buf[:big.N]))
	assert.Equal(t, 0, h.client.InFlight())
	assert.Equal(t, 0, h.clientTask.InFlight())
	require.NoError(t, <-execErr)
}

func TestServerCloseReleasesLetters(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newDefaultHarness(t)
		require.NoError(t, h.server.Close())
		assert.Nil(t, h.server.recv.Buffer())
		assert.Nil(t, h.server.reply.Buffer())
	})

	t.Run("while receiving", func(t *testing.T) {
		h := newDefaultHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		execErr := h.exec(ctx)
		time.Sleep(4 * testTick)
		require.NoError(t, h.server.Close())
		cancel()

		select {
		case err := <-execErr:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Exec did not return")
		}
		assert.Nil(t, h.server.recv.Buffer())
	})
}

func TestClientLimits(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.MaxRequestIDs = 2
	cfg.MaxIntermediateReplySize = 0
	cfg.MaxRequestSize = 4
	h := newHarness(t, cfg, config.DefaultServerConfig())
	ctx := testContext(t)

	_, err := h.client.RequestSend(Request{Type: 1, WantsIntermediate: true})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = h.client.RequestSend(Request{Type: 1, Data: []byte("too long")})
	assert.True(t, types.IsErrCode(err, types.ErrCodeEnvelopeTooSmall))

	a, err := h.client.RequestSend(Request{Type: 1})
	require.NoError(t, err)
	b, err := h.client.RequestSend(Request{Type: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = h.client.RequestSend(Request{Type: 1})
	assert.True(t, types.IsErrCode(err, types.ErrCodeTooManyRequestIDs))

	_, err = h.client.ReplyReceive(ctx, a, protocol.BlockIntermediate, nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidBlockMode))
	_, err = h.client.ReplyReceive(ctx, a, protocol.BlockMode(7), nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidBlockMode))
	_, err = h.client.ReplyReceive(ctx, 5, protocol.BlockNone, nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))

	require.NoError(t, h.client.Close())
	_, err = h.client.RequestSend(Request{Type: 1})
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotInitialized))
	_, err = h.client.ReplyReceive(ctx, a, protocol.BlockNone, nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotInitialized))
	assert.Equal(t, 0, h.clientTask.InFlight())
}

func TestNewClientErrors(t *testing.T) {
	h := newDefaultHarness(t)
	log := logger.NewNop()

	_, err := NewClient(h.clientTask, "nowhere", config.DefaultClientConfig(), log)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	cfg := config.DefaultClientConfig()
	cfg.MaxRequestIDs = h.clientTask.MaxSends() + 1
	_, err = NewClient(h.clientTask, "server", cfg, log)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = NewServer(h.clientTask, config.DefaultServerConfig(), log)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestLateReplyAfterFreeIsDiscarded(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := testContext(t)

	held := make(chan RequestID, 1)
	require.NoError(t, h.server.HandleFunc(1, func(ctx context.Context, s *Server, id RequestID) error {
		held <- id
		return nil
	}))
	execErr := h.exec(ctx)

	id, err := h.client.RequestSend(Request{Type: 1})
	require.NoError(t, err)
	require.NoError(t, <-execErr)
	require.NoError(t, h.client.RequestIDFree(id))

	require.NoError(t, h.server.ReplySend(<-held, letter.ReplyFinal, OutcomeOK, []byte("late")))
	assert.Equal(t, 0, h.clientTask.Dispatch())
	assert.Equal(t, int64(1), h.clientTask.Stats().Stray)
}

func TestInstallHandler(t *testing.T) {
	h := newDefaultHarness(t)
	noop := HandlerFunc(func(ctx context.Context, s *Server, id RequestID) error { return nil })

	require.NoError(t, h.server.InstallHandler(0, noop))
	require.NoError(t, h.server.InstallHandler(9, noop))
	assert.Equal(t, []int32{0, 9}, h.server.Handlers())

	assert.True(t, types.IsErrCode(h.server.InstallHandler(10, noop), types.ErrCodeInvalidRequestType))
	assert.True(t, types.IsErrCode(h.server.InstallHandler(-1, noop), types.ErrCodeInvalidRequestType))
	assert.True(t, types.IsErrCode(h.server.InstallHandler(1, nil), types.ErrCodeInvalidArgument))
}

func TestReplySendValidation(t *testing.T) {
	h := newDefaultHarness(t)

	err := h.server.ReplySend(0, letter.ReplyFinal, OutcomeOK, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))
	err = h.server.ReplySend(-1, letter.ReplyFinal, OutcomeOK, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))
	assert.True(t, types.IsErrCode(h.server.RequestIDFree(3), types.ErrCodeBadRequestID))
	_, err = h.server.RequestType(0)
	assert.True(t, types.IsErrCode(err, types.ErrCodeBadRequestID))
}

func TestServeUntilCanceled(t *testing.T) {
	h := newDefaultHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.server.HandleFunc(5, func(ctx context.Context, s *Server, id RequestID) error {
		reqType, err := s.RequestType(id)
		if err != nil {
			return err
		}
		return s.ReplySend(id, letter.ReplyFinal, OutcomeOK, []byte{byte(reqType)})
	}))

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(ctx) }()

	for _, reqType := range []int32{5, 99, 5} {
		id, err := h.client.RequestSend(Request{Type: reqType, FinalTimeout: 400})
		require.NoError(t, err)
		final := &Sink{Buf: make([]byte, 4)}
		status, err := h.client.ReplyReceive(ctx, id, protocol.BlockFinal, nil, final)
		require.Equal(t, protocol.StatusFinalOK, status)
		if reqType == 5 {
			require.NoError(t, err)
			assert.Equal(t, []byte{5}, final.Buf[:final.N])
		} else {
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidRequestType))
		}
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
	assert.Equal(t, int64(2), h.server.Stats().Handled)
	assert.Equal(t, int64(1), h.server.Stats().Rejected)

	require.NoError(t, h.server.Close())
	assert.True(t, types.IsErrCode(h.server.Exec(context.Background()), types.ErrCodeNotInitialized))
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "handler_failed", OutcomeHandlerFailed.String())
	assert.Equal(t, "outcome(7)", Outcome(7).String())

	err := &ReplyError{RequestID: 2, Outcome: 7}
	assert.Equal(t, "request 2 failed remotely: outcome(7)", err.Error())
}
