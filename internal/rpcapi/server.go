package rpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

type ServerConfig struct {
	ListenAddr string

	ReadTimeout     time.Duration // default 30s
	WriteTimeout    time.Duration // default 30s
	ShutdownTimeout time.Duration // default 10s
}

// Server hosts the JSON-RPC services over HTTP.
type Server struct {
	rpc  *rpc.Server
	http *http.Server
	cfg  ServerConfig
	log  *slog.Logger
}

func NewServer(ethSvc *EthService, netSvc *NetService, zkpSvc *ZkpService, cfg ServerConfig, log *slog.Logger) (*Server, error) {
	if ethSvc == nil || netSvc == nil || zkpSvc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("eth", ethSvc); err != nil {
		return nil, fmt.Errorf("rpcapi: register eth namespace: %w", err)
	}
	if err := rpcSrv.RegisterName("net", netSvc); err != nil {
		return nil, fmt.Errorf("rpcapi: register net namespace: %w", err)
	}
	if err := rpcSrv.RegisterName("zkp", zkpSvc); err != nil {
		return nil, fmt.Errorf("rpcapi: register zkp namespace: %w", err)
	}

	return &Server{
		rpc: rpcSrv,
		http: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      rpcSrv,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg: cfg,
		log: log,
	}, nil
}

// RPC exposes the underlying server for in-process clients and tests.
func (s *Server) RPC() *rpc.Server { return s.rpc }

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("rpc server listening", "addr", s.cfg.ListenAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpcapi: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("rpcapi: shutdown: %w", err)
	}
	s.rpc.Stop()
	return nil
}
