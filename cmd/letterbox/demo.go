package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/letter/codec"
	"github.com/billm/letterbox/pkg/protocol"
	"github.com/billm/letterbox/pkg/request"
)

// Request types served by the demo server
const (
	typeDouble int32 = 1
)

// demoValue carries an integer through the json and cbor codecs
type demoValue struct {
	Value int64 `json:"value" cbor:"value"`
}

// payload adapts integer values to the selected codec
type payload struct {
	codec codec.Codec
}

func (p payload) wrap(v int64) any {
	if p.codec.Name() == "proto" {
		return wrapperspb.Int64(v)
	}
	return &demoValue{Value: v}
}

func (p payload) target() any {
	if p.codec.Name() == "proto" {
		return &wrapperspb.Int64Value{}
	}
	return &demoValue{}
}

func (p payload) unwrap(v any) int64 {
	switch t := v.(type) {
	case *wrapperspb.Int64Value:
		return t.GetValue()
	case *demoValue:
		return t.Value
	}
	return 0
}

type demoOptions struct {
	clients  int
	requests int
	codec    string
	prefix   string
}

func newDemoCmd() *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a server task and client tasks exchanging two-stage requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			reloader := startReloader(cfg)
			return runInterruptible("demo", func(ctx context.Context) error {
				return runDemo(ctx, cfg, opts, cmd.OutOrStdout())
			}, func(ctx context.Context) error {
				reloader.Stop()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.clients, "clients", 2, "Number of client tasks")
	cmd.Flags().IntVar(&opts.requests, "requests", 3, "Requests per client")
	cmd.Flags().StringVar(&opts.codec, "codec", "proto", "Payload codec: proto, json or cbor")
	cmd.Flags().StringVar(&opts.prefix, "name", "demo", "Task name prefix")
	return cmd
}

// spawnServer starts a serving task that doubles integers, acknowledging
// each request with an intermediate reply first
func spawnServer(reg *protocol.Registry, cfg *config.Config, name string, p payload) (*request.Server, error) {
	task, err := reg.Spawn(name, protocol.TaskConfigFrom(cfg, true))
	if err != nil {
		return nil, err
	}
	server, err := request.NewServer(task, cfg.Server, rootLog)
	if err != nil {
		return nil, err
	}

	err = server.HandleFunc(typeDouble, func(ctx context.Context, s *request.Server, id request.RequestID) error {
		in := p.target()
		if _, err := s.ParamsDecode(id, in, 0, p.codec.Decode); err != nil {
			return err
		}
		v := p.unwrap(in)
		if err := s.ReplySendEncoded(id, letter.ReplyIntermediate, request.OutcomeOK, p.wrap(v), p.codec.Encode); err != nil {
			return err
		}
		return s.ReplySendEncoded(id, letter.ReplyFinal, request.OutcomeOK, p.wrap(2*v), p.codec.Encode)
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

func runDemo(ctx context.Context, cfg *config.Config, opts demoOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	codecs, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	c, err := codecs.Get(opts.codec)
	if err != nil {
		return err
	}
	p := payload{codec: c}

	protocol.InitGlobal(cfg)
	reg := protocol.Global()

	serverName := opts.prefix + "-server"
	server, err := spawnServer(reg, cfg, serverName, p)
	if err != nil {
		return err
	}
	defer reg.Remove(serverName)
	defer server.Close()

	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx) }()

	rootLog.Info("Demo started", "clients", opts.clients, "requests", opts.requests, "codec", c.Name())

	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		name := fmt.Sprintf("%s-client-%d", opts.prefix, i)
		g.Go(func() error {
			task, err := reg.Spawn(name, protocol.TaskConfigFrom(cfg, false))
			if err != nil {
				return err
			}
			defer reg.Remove(name)

			client, err := request.NewClient(task, serverName, cfg.Client, rootLog)
			if err != nil {
				return err
			}
			defer client.Close()

			for n := 1; n <= opts.requests; n++ {
				value := int64(n * 10)
				req := client.Request(typeDouble, nil)
				req.Value, req.Encode = p.wrap(value), c.Encode
				req.WantsIntermediate = true

				id, err := client.RequestSend(req)
				if err != nil {
					return err
				}

				ack := &request.Sink{Into: p.target(), Decode: c.Decode}
				result := &request.Sink{Into: p.target(), Decode: c.Decode}
				status, err := client.ReplyReceive(gctx, id, protocol.BlockFinal, ack, result)
				if err != nil {
					return err
				}
				if status != protocol.StatusFinalOK {
					_ = client.RequestIDFree(id)
					return fmt.Errorf("%s: request %d ended in %s", name, n, status)
				}

				outMu.Lock()
				fmt.Fprintf(out, "%s: %d -> ack %d, result %d\n", name, value, p.unwrap(ack.Into), p.unwrap(result.Into))
				outMu.Unlock()
			}
			return nil
		})
	}

	err = g.Wait()
	stopServer()
	if serr := <-served; serr != nil && err == nil {
		err = serr
	}

	stats := server.Stats()
	rootLog.Info("Demo finished", "handled", stats.Handled, "rejected", stats.Rejected, "failed", stats.Failed)
	return err
}
