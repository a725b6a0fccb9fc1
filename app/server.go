package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RedisServer wires every component together and owns the TCP listener.
// This is the adaptation of the teacher's RedisServerImpl: same
// construction order (config -> logger -> stores -> registry -> command
// handler -> connection handler), but built around this system's own
// stores and replication roles instead of the teacher's single flat
// key/value map.
type RedisServer struct {
	config            *ServerConfig
	configManager     *ConfigManager
	strings           StringStore
	streams           StreamStore
	registry          ReplicationRegistry
	commandHandler    CommandHandler
	connectionHandler *ConnectionHandler
	rdbLoader         RDBLoader
	follower          FollowerClient
	logger            Logger
	errorHandler      *ErrorHandler
	metricsRegistry   *prometheus.Registry

	listener   net.Listener
	metricsSrv *http.Server
	wg         sync.WaitGroup
}

func NewRedisServer(configManager *ConfigManager) *RedisServer {
	config := configManager.GetConfig()
	logger := NewDefaultLogger(InfoLevel)
	errorHandler := NewErrorHandler(logger)

	strStore := NewMemoryStringStore()
	streamStore := NewMemoryStreamStore()
	registry := NewMemoryReplicaRegistry(logger)
	metricsRegistry := prometheus.NewRegistry()
	commandHandler := NewRedisCommandHandler(strStore, streamStore, registry, config, logger).
		WithMetrics(NewCommandMetrics(metricsRegistry))
	connectionHandler := NewConnectionHandler(commandHandler, registry, logger)
	rdbLoader := NewDiskRDBLoader(logger)

	var follower FollowerClient
	if !config.IsMaster() {
		follower = NewRedisFollowerClient(config, commandHandler, logger)
	}

	return &RedisServer{
		config:            config,
		configManager:     configManager,
		strings:           strStore,
		streams:           streamStore,
		registry:          registry,
		commandHandler:    commandHandler,
		connectionHandler: connectionHandler,
		rdbLoader:         rdbLoader,
		follower:          follower,
		logger:            logger,
		errorHandler:      errorHandler,
		metricsRegistry:   metricsRegistry,
	}
}

// LoadRDB loads the configured snapshot file, if any, before the server
// starts accepting connections. A missing file is the common first-run
// case and is not an error; a present file with a bad header is fatal
// and propagates up to main so the process can exit non-zero.
func (s *RedisServer) LoadRDB() error {
	path := rdbPath(s.config)
	if path == "" {
		return nil
	}
	return s.rdbLoader.Load(path, s.strings)
}

// Start binds the listener, launches the follower replication client (if
// configured as a slave), and begins accepting connections. It returns
// once the listener is bound; connection handling runs in background
// goroutines.
func (s *RedisServer) Start(ctx context.Context) error {
	address := s.configManager.GetListenAddress()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return NewConnectionError("failed to bind listener", err)
	}
	s.listener = listener
	s.logger.Info("listening on %s", address)

	if s.follower != nil {
		go func() {
			if err := s.follower.Run(ctx); err != nil {
				s.errorHandler.LogError(err, "replication client stopped")
			}
		}()
	}

	if s.config.MetricsPort != 0 {
		s.startMetricsServer()
	}

	go s.acceptLoop(ctx)
	return nil
}

// startMetricsServer exposes the command counters/histogram registered in
// NewRedisServer on a plain HTTP /metrics endpoint, the way a Redis-clone
// process would sit next to a Prometheus scrape target. Bind failures are
// logged, not fatal: metrics are observability, not a serving path.
func (s *RedisServer) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.MetricsPort)
	s.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errorHandler.LogError(err, "metrics server stopped")
		}
	}()
}

func (s *RedisServer) acceptLoop(ctx context.Context) {
	// RecoverFromPanic is deferred directly: recover() only stops a panic
	// when it is called by the deferred function itself.
	defer s.errorHandler.RecoverFromPanic()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.errorHandler.LogError(err, "accept error")
				return
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.errorHandler.RecoverFromPanic()
			s.connectionHandler.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *RedisServer) Stop() error {
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
