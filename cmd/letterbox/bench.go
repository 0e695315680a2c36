package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/pkg/letter"
	"github.com/billm/letterbox/pkg/protocol"
	"github.com/billm/letterbox/pkg/request"
)

const typeEcho int32 = 0

type benchOptions struct {
	clients  int
	requests int
	prefix   string
}

// benchResult summarizes round-trip latencies
type benchResult struct {
	Count int
	Total time.Duration
	Mean  time.Duration
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func summarize(samples []time.Duration, total time.Duration) benchResult {
	r := benchResult{Count: len(samples), Total: total}
	if len(samples) == 0 {
		return r
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	r.Mean = sum / time.Duration(len(samples))
	r.P50 = samples[len(samples)/2]
	r.P99 = samples[(len(samples)*99)/100]
	r.Max = samples[len(samples)-1]
	return r
}

func (r benchResult) String() string {
	return fmt.Sprintf("requests=%d total=%s mean=%s p50=%s p99=%s max=%s",
		r.Count, r.Total, r.Mean, r.P50, r.P99, r.Max)
}

func newBenchCmd() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure request/reply round-trip latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runInterruptible("bench", func(ctx context.Context) error {
				return runBench(ctx, cfg, opts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVar(&opts.clients, "clients", 1, "Number of client tasks")
	cmd.Flags().IntVar(&opts.requests, "requests", 1000, "Requests per client")
	cmd.Flags().StringVar(&opts.prefix, "name", "bench", "Task name prefix")
	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, opts benchOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.clients <= 0 || opts.requests <= 0 {
		return fmt.Errorf("clients and requests must be positive")
	}

	protocol.InitGlobal(cfg)
	reg := protocol.Global()

	serverName := opts.prefix + "-server"
	task, err := reg.Spawn(serverName, protocol.TaskConfigFrom(cfg, true))
	if err != nil {
		return err
	}
	defer reg.Remove(serverName)

	server, err := request.NewServer(task, cfg.Server, rootLog)
	if err != nil {
		return err
	}
	defer server.Close()

	err = server.HandleFunc(typeEcho, func(ctx context.Context, s *request.Server, id request.RequestID) error {
		var buf [8]byte
		n, err := s.ParamsGet(id, buf[:])
		if err != nil {
			return err
		}
		return s.ReplySend(id, letter.ReplyFinal, request.OutcomeOK, buf[:n])
	})
	if err != nil {
		return err
	}

	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx) }()

	var (
		mu      sync.Mutex
		samples = make([]time.Duration, 0, opts.clients*opts.requests)
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		name := fmt.Sprintf("%s-client-%d", opts.prefix, i)
		g.Go(func() error {
			ct, err := reg.Spawn(name, protocol.TaskConfigFrom(cfg, false))
			if err != nil {
				return err
			}
			defer reg.Remove(name)

			client, err := request.NewClient(ct, serverName, cfg.Client, rootLog)
			if err != nil {
				return err
			}
			defer client.Close()

			local := make([]time.Duration, 0, opts.requests)
			var payload, echo [8]byte
			for n := 0; n < opts.requests; n++ {
				binary.LittleEndian.PutUint64(payload[:], uint64(n))
				t0 := time.Now()
				id, err := client.RequestSend(client.Request(typeEcho, payload[:]))
				if err != nil {
					return err
				}
				sink := &request.Sink{Buf: echo[:]}
				status, err := client.ReplyReceive(gctx, id, protocol.BlockFinal, nil, sink)
				if err != nil {
					return err
				}
				if status != protocol.StatusFinalOK {
					_ = client.RequestIDFree(id)
					return fmt.Errorf("%s: request %d ended in %s", name, n, status)
				}
				local = append(local, time.Since(t0))
				if echo != payload {
					return fmt.Errorf("%s: request %d echoed wrong payload", name, n)
				}
			}

			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	total := time.Since(start)
	stopServer()
	if serr := <-served; serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return err
	}

	result := summarize(samples, total)
	rootLog.Info("Bench finished", "requests", result.Count, "total", result.Total.String())
	fmt.Fprintln(out, result)
	return nil
}
