package jobqueue

import (
	"context"
	"sync"
	"time"

	rtm "github.com/UniQw/taskpoll/internal/runtime"
	"github.com/UniQw/taskpoll/logging"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines the configuration for a job Server.
type ServerConfig struct {
	// Concurrency is the default number of worker goroutines per registered queue.
	Concurrency int
	// VisibilityTTL is the duration for which a job is leased by a worker.
	// If the worker crashes, the job will be reclaimed after this TTL.
	VisibilityTTL time.Duration
	// Logger is the logger used for server events.
	Logger logging.Logger
}

// Server processes jobs from Redis queues using workers.
type Server struct {
	rt      *rtm.Runtime
	mux     *Mux
	conc    int
	mu      sync.Mutex
	started bool
	log     logging.Logger
}

// NewServer creates a new job server. Queues are added with Register.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) *Server {
	l := cfg.Logger
	if l == nil {
		l = logging.NewFmtLogger()
	}
	if mux == nil {
		mux = NewMux()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	exec := func(ctx context.Context, queue string, payload []byte) error {
		h, ok := mux.lookup(queue)
		if !ok {
			return rtm.ErrNoHandler
		}
		return h(ctx, payload)
	}

	rtc := rtm.Config{
		VisibilityTTL: cfg.VisibilityTTL,
		Logger:        l,
	}
	return &Server{rt: rtm.New(rdb, rtc, exec), mux: mux, conc: cfg.Concurrency, log: l}
}

// Register installs fn as the handler for queue and starts its workers.
// It can be called before or after Start.
func (s *Server) Register(queue string, fn HandlerFunc, opts ...RegisterOption) {
	cfg := &registerOptions{concurrency: s.conc}
	for _, opt := range opts {
		opt(cfg)
	}
	s.mux.Handle(queue, fn)
	s.rt.AddQueue(queue, cfg.concurrency)
	s.log.Debugf("registered queue: name=%s concurrency=%d", queue, cfg.concurrency)
}

// Start launches the server workers and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: queues=%d", len(s.rt.Queues()))
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish current jobs.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")
	s.rt.Stop()
}
