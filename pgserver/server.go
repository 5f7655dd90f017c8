package pgserver

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/myirisserver/auth"
	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/storage"
	"github.com/apecloud/myirisserver/transpiler"
)

// Config carries everything a Server needs. NewExecutor is called once per
// authenticated session; the chosen constructor decides between the
// in-process and pooled execution models.
type Config struct {
	Addr string

	// TLSConfig enables the SSLRequest upgrade when set. RequireTLS
	// additionally refuses sessions that decline the upgrade.
	TLSConfig  *tls.Config
	RequireTLS bool

	// AuthMethod is nil for trust authentication.
	AuthMethod  auth.Method
	AuthTimeout time.Duration

	// MaxMessageSize caps a single frontend message body.
	MaxMessageSize int

	DefaultSchema string

	NewExecutor func(ctx context.Context) (backend.Executor, error)

	// DB is an optional introspection handle used for COPY column typing
	// and catalog lookups.
	DB *sqlx.DB

	// Store handles s3:// destinations for COPY TO. Optional.
	Store *storage.ObjectStore

	// CopyBatchSize rows are buffered before each batched insert.
	CopyBatchSize int
}

// Server accepts client connections and runs a ConnectionHandler per
// session.
type Server struct {
	cfg        Config
	translator *transpiler.Translator
	cancels    *cancelRegistry
	metrics    *Metrics
	logger     *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, translator *transpiler.Translator, metrics *Metrics, logger *logrus.Entry) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024 * 1024
	}
	if cfg.DefaultSchema == "" {
		cfg.DefaultSchema = "SQLUser"
	}
	if cfg.CopyBatchSize <= 0 {
		cfg.CopyBatchSize = 500
	}
	translator.OnHit = func() { metrics.CacheHits.Inc() }
	translator.OnMiss = func() { metrics.CacheMisses.Inc() }
	return &Server{
		cfg:        cfg,
		translator: translator,
		cancels:    newCancelRegistry(),
		metrics:    metrics,
		logger:     logger,
	}
}

// ListenAndServe binds the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l. Each session runs on its own goroutine;
// Serve returns once the listener fails or is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.WithField("addr", l.Addr().String()).Info("listening for client connections")
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.metrics.ConnectionsTotal.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newConnectionHandler(s, conn).run()
		}()
	}
}

// Close stops accepting and waits for in-flight sessions to end.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	s.wg.Wait()
}
