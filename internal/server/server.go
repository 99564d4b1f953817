//go:build !windows

// Package server wires together the whitelist store, the reactor
// pool, the signal dispatcher, and the two acceptors (spec §4.6),
// and installs the daemon's signal handlers.
//
// Grounded on cmd/snellerd/run_daemon.go's bootstrap idiom
// (log.New(os.Stderr, ...), signal.Notify, a goroutine serving each
// listener) and the original Server.cpp for the local-socket
// stale-path unlink and the reload/shutdown signal set.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/svartmetal/remote-runnerd/internal/audit"
	"github.com/svartmetal/remote-runnerd/internal/dispatcher"
	"github.com/svartmetal/remote-runnerd/internal/reactor"
	"github.com/svartmetal/remote-runnerd/internal/session"
	"github.com/svartmetal/remote-runnerd/internal/whitelist"
)

// serverContext holds everything a signal handler needs, replacing
// the "global server pointer" anti-pattern (spec §9) with an explicit
// value closures capture at registration time.
type serverContext struct {
	logger  *log.Logger
	store   *whitelist.Store
	disp    *dispatcher.Dispatcher
	pool    *reactor.Pool
	timeout time.Duration
}

// Server owns the listeners and runs each accepted connection's
// Session until Shutdown is called.
type Server struct {
	ctx *serverContext

	tcpListener   net.Listener
	localListener net.Listener
	tcpAddr       string
	localPath     string

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
	closing  bool

	audit       *audit.Log
	auditRedact bool
}

// Config bundles the listener addresses and child timeout a Server
// needs to start. TCPAddr must be non-empty; LocalPath may be empty
// to disable the local listener entirely.
type Config struct {
	TCPAddr   string
	LocalPath string
	Timeout   time.Duration
	PoolSize  int
}

// New constructs a Server bound to the given whitelist store and
// dispatcher, but does not yet listen — call Start for that.
func New(cfg Config, store *whitelist.Store, disp *dispatcher.Dispatcher, logger *log.Logger) *Server {
	return &Server{
		ctx: &serverContext{
			logger:  logger,
			store:   store,
			disp:    disp,
			pool:    reactor.NewPool(cfg.PoolSize),
			timeout: cfg.Timeout,
		},
		tcpAddr:   cfg.TCPAddr,
		localPath: cfg.LocalPath,
		sessions:  make(map[*session.Session]struct{}),
	}
}

// SetAuditLog enables the supplemented audit trail (internal/audit):
// every command any session attempts to launch from this point on is
// recorded to log, with its text redacted to a fingerprint when
// redact is true. It is off by default; call this before Start only
// if settings.AuditLogPath was configured.
func (s *Server) SetAuditLog(al *audit.Log, redact bool) {
	s.audit = al
	s.auditRedact = redact
}

// Start binds the TCP listener (always) and the local listener
// (whenever LocalPath is non-empty and the platform's net package
// supports "unix" listeners, matching spec §6's "where supported").
// It then begins accepting in background goroutines.
func (s *Server) Start() error {
	tcpl, err := net.Listen("tcp", s.tcpAddr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.tcpAddr, err)
	}
	s.tcpListener = tcpl

	if s.localPath != "" {
		os.Remove(s.localPath)
		locall, err := net.Listen("unix", s.localPath)
		if err != nil {
			s.ctx.logger.Printf("server: local socket %s unavailable: %v", s.localPath, err)
		} else {
			s.localListener = locall
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(s.tcpListener)
	if s.localListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.localListener)
	}
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.ctx.logger.Printf("server: accept error on %s: %v", l.Addr(), err)
			return
		}
		sess := session.New(conn, s.ctx.store, s.ctx.disp, s.ctx.pool, s.ctx.timeout, s.ctx.logger)
		if s.audit != nil {
			redact := s.auditRedact
			auditLog := s.audit
			sess.SetAuditFn(func(sessionID, command string) {
				if err := auditLog.Record(sessionID, command, redact); err != nil {
					s.ctx.logger.Printf("server: audit record failed: %v", err)
				}
			})
		}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		sess.Start()
	}
}

// InstallReloadHandler installs the SIGHUP handler described by spec
// §4.6: each delivery re-parses the whitelist, keeping the previous
// mapping on failure.
func (s *Server) InstallReloadHandler() {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			changed, err := s.ctx.store.Reload()
			if err != nil {
				s.ctx.logger.Printf("server: whitelist reload failed, keeping previous mapping: %v", err)
				continue
			}
			s.ctx.logger.Printf("server: whitelist reloaded (changed=%v)", changed)
		}
	}()
}

// RunUntilShutdown blocks until interrupt, terminate, or (where
// available) quit is received, then performs a graceful Shutdown with
// a 15 second deadline and returns. Closing over s explicitly (rather
// than a package-level Server variable) is the fix for spec §9's
// "Global server pointer" redesign flag.
func (s *Server) RunUntilShutdown() {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-shutdown
	s.ctx.logger.Printf("server: shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.ctx.logger.Printf("server: shutdown error: %v", err)
	}
}

// Shutdown stops accepting new connections and closes both listeners.
// Per spec §7, in-flight children are left running for the OS to
// reap; this Server does not wait for sessions to finish, only for
// its own listeners to close, within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var errs []error
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.localListener != nil {
		if err := s.localListener.Close(); err != nil {
			errs = append(errs, err)
		}
		os.Remove(s.localPath)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.ctx.pool.Close()
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions reports the number of sessions the server has ever
// accepted. Entries are never removed from its bookkeeping map, so
// closed sessions are still counted; it exists for status reporting,
// not lifecycle management.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
