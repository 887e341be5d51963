// upsd hosts the administrative surface for one upscaledb-go
// environment: a standard gRPC health service plus reflection, and an
// HTTP server exposing Prometheus metrics and pprof profiles. The
// storage engine's own client API is the pkg/storage package itself;
// this binary does not expose a remote data protocol, per spec.md.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/upscaledb-go/ups/internal/logger"
	"github.com/upscaledb-go/ups/internal/metrics"
	"github.com/upscaledb-go/ups/internal/server"
	"github.com/upscaledb-go/ups/pkg/storage"
)

var (
	port      = flag.Int("port", 50051, "admin gRPC server port")
	httpPort  = flag.Int("http-port", 9090, "metrics/pprof HTTP port")
	dbPath    = flag.String("env", "upscaledb.env", "environment file path")
	logLevel  = flag.String("log-level", "info", "debug, info, warn, error")
	logPretty = flag.Bool("log-pretty", false, "pretty-print logs for local development")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *logPretty})
	log := logger.GetGlobalLogger()

	m := metrics.NewMetrics()

	env, err := openOrCreate(*dbPath, log, m)
	if err != nil {
		log.Fatal("failed to open environment").Err(err).Send()
	}
	defer env.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatal("failed to listen").Err(err).Send()
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	healthServer := server.NewHealthServer(env)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	obsServer := server.NewObservabilityServer(*httpPort, log)
	go func() {
		if err := obsServer.Start(); err != nil {
			log.Error("observability server failed").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obsServer.Shutdown(ctx)
		grpcServer.GracefulStop()
	}()

	log.LogServerStart(*port, *dbPath)
	log.LogServerReady(*port)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal("failed to serve").Err(err).Send()
	}
}

func openOrCreate(path string, log *logger.Logger, m *metrics.Metrics) (*storage.Environment, error) {
	opts := []storage.Option{
		storage.WithLogger(log),
		storage.WithMetrics(m),
		storage.WithFlushInterval(time.Minute),
	}
	if _, err := os.Stat(path); err == nil {
		return storage.OpenEnvironment(path, opts...)
	}
	return storage.CreateEnvironment(path, opts...)
}
