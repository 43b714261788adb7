// Command finesrv connects to a finefs mount and serves a filesystem to it
// over gRPC: either a host directory or an in-memory filesystem.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/rfratto/fine/grpcfine"
	"github.com/rfratto/fine/internal/cmdutil"
	"github.com/rfratto/fine/memfs"
	"github.com/rfratto/fine/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	var (
		logFlags    cmdutil.LogFlags
		addr        string
		memory      bool
		concurrency int
		timeout     time.Duration
		logRequests bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	logFlags.RegisterFlags(fs)
	fs.StringVar(&addr, "finefs.addr", "tcp://127.0.0.1:9095", "gRPC address of the finefs mount to serve")
	fs.BoolVar(&memory, "memory", false, "serve an empty in-memory filesystem instead of a directory")
	fs.IntVar(&concurrency, "server.concurrency", server.DefaultOptions.ConcurrencyLimit, "maximum number of requests to handle at once")
	fs.DurationVar(&timeout, "server.request-timeout", 0, "abort requests which take longer than this. 0 disables the timeout")
	fs.BoolVar(&logRequests, "server.log-requests", false, "log every request at debug level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}

	if memory == (len(fs.Args()) == 1) || len(fs.Args()) > 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] (-memory | [directory])\n", os.Args[0])
		os.Exit(1)
	}

	l, logCloser := logFlags.NewLogger("finesrv")
	defer logCloser.Close()

	var filesystem server.SharedFilesystem
	if memory {
		filesystem = server.NewFilesystemAdapter(memfs.New(memfs.Options{
			UID: uint32(os.Getuid()),
			GID: uint32(os.Getgid()),
		}))
	} else {
		filesystem = server.Passthrough(l, fs.Arg(0))
	}

	var middleware []server.Middleware
	if logRequests {
		middleware = append(middleware, server.NewLoggingMiddleware(l))
	}

	err := serve(l, addr, server.Options{
		ConcurrencyLimit: concurrency,
		RequestTimeout:   timeout,
		Filesystem:       filesystem,
		Middleware:       middleware,
	})
	if err != nil {
		level.Error(l).Log("msg", "error during run", "err", err)
		os.Exit(1)
	}
}

func serve(l log.Logger, addr string, o server.Options) error {
	target, err := cmdutil.DialTarget(addr)
	if err != nil {
		return err
	}

	cc, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing finefs: %w", err)
	}
	defer cc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := grpcfine.MsgpackCodec()
	stream, err := grpcfine.NewTransportClient(cc).Stream(grpcfine.WithCodec(ctx, codec))
	if err != nil {
		return fmt.Errorf("opening transport stream: %w", err)
	}

	o.Transport = grpcfine.NewClientTransport(stream, codec)
	srv, err := server.New(l, o)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var group run.Group

	// fine server worker
	group.Add(func() error {
		level.Info(l).Log("msg", "serving filesystem to finefs", "addr", addr)
		return srv.Serve(ctx)
	}, func(_ error) {
		cancel()
	})

	// signal worker
	{
		sigCtx, sigCancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-sigCtx.Done():
			}
			return nil
		}, func(_ error) {
			sigCancel()
		})
	}

	err = group.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
