// Package server composes one deuxdrop server process: storage engine,
// authorization ledger, fanout, mailstore, maildrop, mailsender, and the
// websocket listener, all wired through one explicit context object with
// no package-level state.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deuxdrop/deuxdrop-go/internal/authdb"
	"github.com/deuxdrop/deuxdrop-go/internal/fanout"
	"github.com/deuxdrop/deuxdrop-go/internal/maildrop"
	"github.com/deuxdrop/deuxdrop-go/internal/mailsender"
	"github.com/deuxdrop/deuxdrop-go/internal/mailstore"
	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

const (
	logKeyAddr   = "addr"
	logKeyPeer   = "peer"
	logKeyError  = "error"
	logKeyServer = "server"
)

// Server is a running deuxdrop server's composition root.
type Server struct {
	cfg      Config
	identity *Identity
	logger   *slog.Logger

	store     *store.BadgerStore
	authdb    *authdb.DB
	fanout    *fanout.Fanout
	mailstore *mailstore.Mailstore
	maildrop  *maildrop.Maildrop
	storeConn *mailstore.StoreConn
	sender    *mailsender.Sender

	dropHandlers  *authconn.HandlerTable
	storeHandlers *authconn.HandlerTable

	httpServer *http.Server
}

// New opens storage and wires every component. The returned server does
// not listen until Run.
func New(cfg Config, identity *Identity, logger *slog.Logger) (*Server, error) {
	if identity == nil {
		return nil, errors.New("server: identity required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Badger logs through logrus; keep it quiet unless something is
	// wrong.
	storeLog := logrus.New()
	storeLog.SetOutput(io.Discard)
	st, err := store.NewBadgerStore(store.StoreConfig{
		Path:          cfg.DataDir,
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        storeLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := authdb.New(authdb.Config{
		Store:      st,
		MaxAuthAge: cfg.MaxAuthAge(),
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	fo, err := fanout.New(st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	ms, err := mailstore.New(st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	drop, err := maildrop.New(db, fo, ms, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	sender, err := mailsender.New(mailsender.Config{
		ConnKey: identity.ConnKey,
		Logger:  logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	storeConn, err := mailstore.NewStoreConn(ms, db, sender, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	dropHandlers := authconn.NewHandlerTable()
	drop.RegisterHandlers(dropHandlers)
	storeHandlers := authconn.NewHandlerTable()
	storeConn.RegisterHandlers(storeHandlers)

	s := &Server{
		cfg:           cfg,
		identity:      identity,
		logger:        logger,
		store:         st,
		authdb:        db,
		fanout:        fo,
		mailstore:     ms,
		maildrop:      drop,
		storeConn:     storeConn,
		sender:        sender,
		dropHandlers:  dropHandlers,
		storeHandlers: storeHandlers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+maildrop.RolePath, s.handleDeliverEndpoint)
	mux.HandleFunc("GET /"+mailstore.RolePath, s.handleStoreEndpoint)
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: mux,
	}
	return s, nil
}

// AuthDB returns the server's authorization ledger.
func (s *Server) AuthDB() *authdb.DB { return s.authdb }

// Fanout returns the server's conversation ordering layer.
func (s *Server) Fanout() *fanout.Fanout { return s.fanout }

// Mailstore returns the server's per-user persistence layer.
func (s *Server) Mailstore() *mailstore.Mailstore { return s.mailstore }

// Sender returns the server's outbound delivery component.
func (s *Server) Sender() *mailsender.Sender { return s.sender }

// Identity returns the server's cryptographic identity.
func (s *Server) Identity() *Identity { return s.identity }

// resolvePeerKey recognizes both authorized user clients and trusted
// peer servers during the AuthConn handshake.
func (s *Server) resolvePeerKey(hash keyring.KeyHash) (*[32]byte, bool) {
	if pub, ok := s.authdb.ServerResolveClientKey(hash); ok {
		return pub, true
	}
	return s.authdb.ServerResolveServerKey(hash)
}

// resolveClientKey admits only authorized user clients; the store role
// never speaks to peer servers.
func (s *Server) resolveClientKey(hash keyring.KeyHash) (*[32]byte, bool) {
	return s.authdb.ServerResolveClientKey(hash)
}

// Maildrop accepts clients and trusted peer servers.
func (s *Server) handleDeliverEndpoint(w http.ResponseWriter, r *http.Request) {
	s.serveAuthConn(w, r, s.dropHandlers, s.resolvePeerKey)
}

// The store role is for this server's own users only.
func (s *Server) handleStoreEndpoint(w http.ResponseWriter, r *http.Request) {
	s.serveAuthConn(w, r, s.storeHandlers, s.resolveClientKey)
}

func (s *Server) serveAuthConn(
	w http.ResponseWriter,
	r *http.Request,
	handlers *authconn.HandlerTable,
	resolve func(keyring.KeyHash) (*[32]byte, bool),
) {
	ws, err := authconn.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logKeyError, err)
		return
	}
	fc := authconn.NewWebsocketFrameConn(ws)

	conn, err := authconn.AcceptConn(r.Context(), fc, authconn.ServerConfig{
		BoxKey:   s.identity.ConnKey,
		Resolver: authconn.ClientKeyResolverFunc(resolve),
		Handlers: handlers,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Debug("handshake failed", logKeyError, err)
		return
	}

	s.logger.Info("connection established", logKeyPeer, conn.PeerKeyHash().Hex())
	go func() {
		if err := conn.Run(context.Background()); err != nil {
			s.logger.Debug("connection closed",
				logKeyPeer, conn.PeerKeyHash().Hex(),
				logKeyError, err)
		}
	}()
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("listening",
		logKeyAddr, s.cfg.ListenAddr(),
		logKeyServer, s.identity.BoxKeyHash().Hex())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", logKeyError, err)
		}
		<-errCh
		return s.Close()
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the storage engine. Safe after Run has returned.
func (s *Server) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
