// Package rpc terminates the persistent node channel: one websocket
// endpoint at /node carrying JSON event frames both ways. It owns the live
// session registry, the event-name correlation table, the heartbeat
// watchdog and disconnect cleanup.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/dtufleet/uartcenter/internal/cache"
	"github.com/dtufleet/uartcenter/internal/model"
	"github.com/dtufleet/uartcenter/internal/scheduler"
)

const (
	heartbeatScan   = 30 * time.Second
	heartbeatExpiry = time.Minute

	oprateTimeout = 10 * time.Second
)

// Store is the slice of persistence the RPC layer needs. *store.Store
// satisfies it.
type Store interface {
	UpsertNode(ctx context.Context, n model.NodeClient) error
	SetNodeOnline(ctx context.Context, name string, online bool) error
	SetTerminalOnline(ctx context.Context, mac string, online bool) error
	TerminalsByNode(ctx context.Context, node string) ([]model.Terminal, error)
	AppendDTUOperation(ctx context.Context, op *model.DTUOperation) error
}

// Config is the server's runtime knobs.
type Config struct {
	ListenAddr  string
	Secret      string
	Development bool
}

// Server is the node RPC endpoint.
type Server struct {
	log   hclog.Logger
	cfg   Config
	store Store
	cache *cache.Cache
	sched *scheduler.Scheduler

	pending  *pending
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byName   map[string]string   // node name -> session id
	owners   map[string]string   // terminal mac -> session id
}

// New creates the server. Call Start to listen and Run for the watchdog.
func New(log hclog.Logger, cfg Config, st Store, c *cache.Cache, sched *scheduler.Scheduler) *Server {
	s := &Server{
		log:      log.Named("rpc"),
		cfg:      cfg,
		store:    st,
		cache:    c,
		sched:    sched,
		pending:  newPending(),
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
		owners:   make(map[string]string),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Nodes are daemons, not browsers; no origin policy applies.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/node", s.handleNode)
	s.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Start blocks serving the endpoint until Shutdown.
func (s *Server) Start() error {
	s.log.Info("node endpoint listening", "addr", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

// Run drives the heartbeat watchdog until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(heartbeatScan)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.expireStale()
		}
	}
}

func (s *Server) expireStale() {
	now := time.Now()
	var stale []*Session
	s.mu.Lock()
	for _, sess := range s.sessions {
		if now.Sub(sess.LastHeartbeat) > heartbeatExpiry {
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		s.log.Warn("heartbeat expired, disconnecting node", "node", sess.Name, "session", sess.ID)
		sess.close()
	}
}

// authorize checks the handshake token. Development mode, or an
// unconfigured secret, accepts anything.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Development || s.cfg.Secret == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Node-Token")
	}
	return token == s.cfg.Secret
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.log.Info("node handshake rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &Session{
		ID:            uuid.NewString(),
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
		Authed:        true,
		conn:          conn,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info("node connected", "session", sess.ID, "remote", r.RemoteAddr)
	s.readLoop(sess)
}

// readLoop processes frames in receive order until the connection drops,
// then runs disconnect cleanup exactly once.
func (s *Server) readLoop(sess *Session) {
	defer s.cleanup(sess)
	for {
		var f Frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			s.log.Info("node read loop ended", "session", sess.ID, "node", sess.Name, "error", err)
			return
		}
		s.dispatchFrame(sess, &f)
	}
}

// cleanup removes the session from both indexes, marks its terminals
// offline in the store, drops them from the cache and from the scheduler.
func (s *Server) cleanup(sess *Session) {
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	if sess.Name != "" && s.byName[sess.Name] == sess.ID {
		delete(s.byName, sess.Name)
	}
	var macs []string
	for mac, owner := range s.owners {
		if owner == sess.ID {
			macs = append(macs, mac)
			delete(s.owners, mac)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	if sess.Name != "" {
		if err := s.store.SetNodeOnline(ctx, sess.Name, false); err != nil {
			s.log.Warn("mark node offline failed", "node", sess.Name, "error", err)
		}
	}
	for _, mac := range macs {
		if err := s.store.SetTerminalOnline(ctx, mac, false); err != nil {
			s.log.Warn("mark terminal offline failed", "mac", mac, "error", err)
		}
		s.cache.Invalidate(mac)
		s.sched.RemoveTerminal(mac)
	}
	s.log.Info("session cleaned up", "session", sess.ID, "node", sess.Name, "terminals", len(macs))
}

// NodeOnline reports whether a live, named session exists for node.
// Satisfies scheduler.Transport.
func (s *Server) NodeOnline(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// SendInstructQuery emits a poll frame to the named node. Satisfies
// scheduler.Transport.
func (s *Server) SendInstructQuery(node string, q scheduler.InstructQuery) error {
	sess := s.sessionByName(node)
	if sess == nil {
		return errors.New("node not online: " + node)
	}
	return sess.send("instructQuery", q)
}

func (s *Server) sessionByName(name string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil
	}
	return s.sessions[id]
}

// SendToNode sends one frame to the named node session.
func (s *Server) SendToNode(name, event string, data any) error {
	sess := s.sessionByName(name)
	if sess == nil {
		return errors.New("node not online: " + name)
	}
	return sess.send(event, data)
}

// Broadcast sends one frame to every live session.
func (s *Server) Broadcast(event string, data any) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.send(event, data); err != nil {
			s.log.Debug("broadcast failed", "session", sess.ID, "event", event, "error", err)
		}
	}
}

// ResetNodeIndex clears the name index; it repopulates as nodes
// re-register in response to the next nodeInfo broadcast.
func (s *Server) ResetNodeIndex() {
	s.mu.Lock()
	s.byName = make(map[string]string)
	s.mu.Unlock()
}

// Sessions returns a snapshot of live sessions for diagnostics.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Session{
			ID:             sess.ID,
			Name:           sess.Name,
			IP:             sess.IP,
			Port:           sess.Port,
			MaxConnections: sess.MaxConnections,
			Connections:    sess.Connections,
			ConnectedAt:    sess.ConnectedAt,
			LastHeartbeat:  sess.LastHeartbeat,
			Authed:         sess.Authed,
		})
	}
	return out
}
