package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"callcore/native/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures a Server. Zero values take the defaults below.
type Config struct {
	Verifier     Verifier
	AuthTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *zerolog.Logger
}

const (
	defaultAuthTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 64 << 10
)

// Server is the signaling relay: it authenticates websocket clients and
// forwards peer messages by recipient.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Verifier == nil {
		cfg.Verifier = DevVerifier
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	l = l.With().Str("module", "relay").Logger()

	return &Server{
		cfg: cfg,
		hub: NewHub(l),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: l,
	}
}

// Hub exposes the connected peers.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", s.healthz)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"peers":  len(s.hub.Peers()),
	})
}

// ServeWS upgrades the request and runs the connection until it closes. The
// first frame must be auth; anything else closes the socket.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	connID := uuid.NewString()
	l := s.log.With().Str("conn", connID).Logger()

	peerID, err := s.authenticate(r.Context(), ws)
	if err != nil {
		l.Warn().Err(err).Msg("authentication failed")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}

	c := &peerConn{
		id:     connID,
		peerID: peerID,
		ws:     ws,
		log:    l.With().Str("peer", peerID).Logger(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	if old := s.hub.register(c); old != nil {
		old.log.Info().Msg("replaced by newer connection")
		old.close()
	}
	go c.writeLoop(s.cfg.PingInterval, s.cfg.WriteTimeout)

	defer func() {
		s.hub.unregister(c)
		c.close()
	}()
	s.readLoop(c)
}

func (s *Server) authenticate(ctx context.Context, ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := domain.Decode(data)
	if err != nil {
		return "", err
	}
	auth, ok := msg.(domain.Auth)
	if !ok {
		return "", errors.New("first frame is " + string(msg.Type()) + ", not auth")
	}
	return s.cfg.Verifier.Verify(ctx, auth.Token)
}

func (s *Server) readLoop(c *peerConn) {
	idle := 2 * s.cfg.PingInterval
	extend := func() { c.ws.SetReadDeadline(time.Now().Add(idle)) }
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		extend()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		extend()

		msg, err := domain.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		if _, ok := msg.(domain.Auth); ok {
			continue
		}
		s.hub.route(c.peerID, msg)
	}
}
