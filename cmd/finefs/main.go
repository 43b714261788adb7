//go:build linux

// Command finefs mounts a FUSE filesystem whose contents are served by a
// remote finesrv over gRPC. Until a finesrv connects, the mount is empty.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rfratto/fine"
	"github.com/rfratto/fine/fuse"
	"github.com/rfratto/fine/grpcfine"
	"github.com/rfratto/fine/internal/cmdutil"
	"github.com/rfratto/fine/server"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	var (
		logFlags    cmdutil.LogFlags
		listenAddr  string
		httpAddr    string
		configFile  string
		printConfig bool
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	logFlags.RegisterFlags(fs)
	fs.StringVar(&listenAddr, "listen.addr", "tcp://127.0.0.1:9095", "address to listen for gRPC traffic on")
	fs.StringVar(&httpAddr, "http.addr", "tcp://127.0.0.1:8081", "address to serve metrics and pprof on")
	fs.StringVar(&configFile, "config.file", "", "optional YAML file with mount settings")
	fs.BoolVar(&printConfig, "config.print", false, "print the loaded config and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}

	cfg, err := cmdutil.LoadMountConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %s\n", err)
		os.Exit(1)
	}
	if printConfig {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error printing config: %s\n", err)
			os.Exit(1)
		}
		return
	}

	if len(fs.Args()) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [mountpoint]\n", os.Args[0])
		os.Exit(1)
	}

	l, logCloser := logFlags.NewLogger("finefs")
	defer logCloser.Close()

	if err := runMount(l, cfg, listenAddr, httpAddr, fs.Arg(0)); err != nil {
		level.Error(l).Log("msg", "error during run", "err", err)
		os.Exit(1)
	}
}

func runMount(l log.Logger, cfg *cmdutil.MountConfig, grpcAddr, httpAddr, mountPath string) error {
	// The served filesystem is set once a finesrv connects over gRPC.
	var lazy server.LazyFilesystem

	var group run.Group

	// Information server worker
	{
		lis, err := cmdutil.Listen(httpAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for HTTP server: %w", err)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for http traffic", "addr", lis.Addr())
			err := srv.Serve(lis)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}
		})
	}

	// gRPC worker
	{
		lis, err := cmdutil.Listen(grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to create listener for gRPC server: %w", err)
		}
		srv := grpc.NewServer(grpc.ChainStreamInterceptor(grpcfine.LoggingStreamInterceptor(l)))
		grpcfine.RegisterTransportServer(srv, &grpcTransport{log: l, lazy: &lazy})

		group.Add(func() error {
			level.Debug(l).Log("msg", "listening for grpc traffic", "addr", lis.Addr())
			return srv.Serve(lis)
		}, func(_ error) {
			srv.Stop()
		})
	}

	// FUSE worker
	{
		if err := os.MkdirAll(mountPath, 0770); err != nil {
			return fmt.Errorf("creating mount path: %w", err)
		}
		transport, err := fuse.Mount(l, mountPath, mountOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to create mount: %w", err)
		}

		metrics, err := server.NewMetricsMiddleware(prometheus.DefaultRegisterer)
		if err != nil {
			_ = transport.Close()
			return fmt.Errorf("registering metrics: %w", err)
		}
		middleware := []server.Middleware{metrics}
		if cfg.Server.LogRequests {
			middleware = append(middleware, server.NewLoggingMiddleware(l))
		}

		srv, err := server.New(l, server.Options{
			ConcurrencyLimit: cfg.Server.Concurrency,
			RequestTimeout:   cfg.Server.RequestTimeout,
			Transport:        transport,
			Filesystem:       &tunedFilesystem{SharedFilesystem: &lazy, kernel: cfg.Kernel},
			Middleware:       middleware,
		})
		if err != nil {
			_ = transport.Close()
			return fmt.Errorf("failed to create userspace driver: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			level.Debug(l).Log("msg", "serving FUSE traffic", "dir", mountPath)
			return srv.Serve(ctx)
		}, func(_ error) {
			cancel()
		})
	}

	// signal worker
	{
		ctx, cancel := context.WithCancel(context.Background())

		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-ctx.Done():
			}
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	level.Info(l).Log("msg", "finefs running in foreground, waiting for interrupt or error", "mountpoint", mountPath)
	return group.Run()
}

func mountOptions(cfg *cmdutil.MountConfig) []fuse.MountOption {
	opts := []fuse.MountOption{fuse.FSName(cfg.FSName)}
	if cfg.Subtype != "" {
		opts = append(opts, fuse.Subtype(cfg.Subtype))
	}
	if cfg.AllowOther {
		opts = append(opts, fuse.AllowOther())
	}
	if cfg.DefaultPermissions {
		opts = append(opts, fuse.DefaultPermissions())
	}
	if cfg.ReadOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	return opts
}

// tunedFilesystem requests the configured kernel preferences before the
// wrapped filesystem sees the handshake, so the filesystem has the final say.
type tunedFilesystem struct {
	server.SharedFilesystem
	kernel cmdutil.KernelConfig
}

func (t *tunedFilesystem) Init(ctx context.Context, hdr *fine.RequestHeader, cfg *fine.KernelConfig) error {
	if err := t.kernel.Apply(cfg); err != nil {
		level.Warn(server.Logger(ctx)).Log("msg", "some kernel preferences couldn't be applied", "err", err)
	}
	return t.SharedFilesystem.Init(ctx, hdr, cfg)
}

func (t *tunedFilesystem) BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	server.BatchForget(ctx, t.SharedFilesystem, hdr, req)
}

// grpcTransport accepts a single finesrv at a time and serves the mount with
// it for as long as its stream stays open.
type grpcTransport struct {
	grpcfine.UnimplementedTransportServer
	log log.Logger

	lazy *server.LazyFilesystem
	set  atomic.Bool
}

func (t *grpcTransport) Stream(stream grpcfine.Transport_StreamServer) error {
	if !t.set.CAS(false, true) {
		return status.Errorf(codes.AlreadyExists, "filesystem already registered")
	}
	defer t.set.Store(false)

	ctx := stream.Context()
	codec, err := grpcfine.GetCodec(ctx)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s", err)
	}

	l := log.With(t.log, "codec", codec.Name())
	remote := grpcfine.NewRemote(l, stream, codec)

	if err := t.lazy.SetFilesystem(server.WithLogger(ctx, l), remote); err != nil {
		return status.Errorf(codes.FailedPrecondition, "failed to attach filesystem: %s", err)
	}
	defer func() {
		if err := t.lazy.SetFilesystem(context.Background(), nil); err != nil {
			level.Debug(l).Log("msg", "failed to detach filesystem", "err", err)
		}
	}()

	level.Info(l).Log("msg", "remote filesystem attached")
	defer level.Info(l).Log("msg", "remote filesystem detached")

	select {
	case <-remote.Done():
		if err := remote.Err(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}
