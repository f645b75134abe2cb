// Package wsapi serves the client websocket endpoint of the gateway along
// with its health, metrics and map lookup endpoints.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/pusher/internal/admin"
	"github.com/cory-johannsen/pusher/internal/gateway"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/protocol"
)

// ChatDialer opens the chat sub-connection of a session.
type ChatDialer interface {
	Dial(roomID, jid string) gateway.ChatConn
}

// Options tunes the endpoint.
type Options struct {
	// APIVersion must equal the version query parameter of every client.
	APIVersion string
	// XMPPDomain is the domain part of every member jid.
	XMPPDomain string
	// ConferenceDomain hosts the MUC rooms announced in the settings.
	ConferenceDomain string
	FlushInterval    time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	// ReadTimeout is how long a client may stay silent. Clients ping well
	// within it. Defaults to 60s.
	ReadTimeout time.Duration
	// ReadLimit caps an inbound frame. Defaults to 1 MiB.
	ReadLimit int64
	// JoinTimeout bounds opening the room's backend stream. Zero waits as
	// long as the session lives.
	JoinTimeout time.Duration
}

// Handler upgrades /chat requests into gateway sessions.
type Handler struct {
	registry *gateway.Registry
	admin    admin.Interface
	chat     ChatDialer
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions sync.WaitGroup
	closed   bool
}

// NewHandler creates a Handler. chat and metrics may be nil; without a chat
// dialer sessions have no chat sub-connection.
//
// Precondition: registry, adm and logger must be non-nil.
func NewHandler(registry *gateway.Registry, adm admin.Interface, chat ChatDialer, metrics *observability.Metrics, logger *zap.Logger, opts Options) *Handler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		registry: registry,
		admin:    adm,
		chat:     chat,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Shutdown ends every open session with a going-away close frame and waits
// for their handlers to return. Later handshakes are refused.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.sessions.Wait()
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions.Add(1)
	return true
}

// NewMux routes /chat, /map, /up and /metrics.
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /chat", h)
	mux.HandleFunc("GET /map", h.serveMap)
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", h.metrics.Handler())
	return mux
}

// ServeHTTP performs the handshake, then pumps the session until either
// side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("version"); v != h.opts.APIVersion {
		h.reject(w, http.StatusBadRequest, "version mismatch", zap.String("version", v))
		return
	}
	playURI := q.Get("playUri")
	if playURI == "" {
		h.reject(w, http.StatusBadRequest, "missing playUri")
		return
	}
	ip := clientIP(r)

	member, status, err := h.identify(r.Context(), q.Get("token"), q.Get("uuid"), playURI, ip)
	if err != nil {
		h.reject(w, status, err.Error(), zap.String("play_uri", playURI))
		return
	}

	ban, err := h.admin.VerifyBanUser(r.Context(), member.UserUUID, ip, playURI)
	switch {
	case errors.Is(err, admin.ErrUnconfigured):
	case err != nil:
		h.logger.Error("verifying ban", zap.String("user", member.UserUUID), zap.Error(err))
		h.reject(w, http.StatusInternalServerError, "ban check failed")
		return
	case ban.IsBanned:
		h.reject(w, http.StatusForbidden, "banned: "+ban.Message, zap.String("user", member.UserUUID))
		return
	}

	if !h.track() {
		h.reject(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer h.sessions.Done()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.serveSession(conn, member, q.Get("uuid"), playURI)
}

// identify resolves the member through the token path first, falling back to
// the uuid path when no admin backoffice handles tokens.
func (h *Handler) identify(ctx context.Context, token, userUUID, playURI, ip string) (admin.MemberData, int, error) {
	if token != "" {
		member, err := h.admin.FetchMemberDataByToken(ctx, token, playURI)
		if err == nil {
			return member, 0, nil
		}
		if !errors.Is(err, admin.ErrUnconfigured) {
			h.logger.Info("token rejected", zap.Error(err))
			return admin.MemberData{}, http.StatusForbidden, errors.New("invalid token")
		}
	}
	if userUUID == "" {
		return admin.MemberData{}, http.StatusBadRequest, errors.New("missing uuid")
	}
	member, err := h.admin.FetchMemberDataByUUID(ctx, userUUID, playURI, ip)
	if err != nil {
		h.logger.Error("fetching member data", zap.String("uuid", userUUID), zap.Error(err))
		return admin.MemberData{}, http.StatusInternalServerError, errors.New("member lookup failed")
	}
	return member, 0, nil
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string, fields ...zap.Field) {
	h.logger.Debug("rejecting connection", append(fields, zap.Int("status", status), zap.String("reason", msg))...)
	http.Error(w, msg, status)
}

func (h *Handler) serveSession(conn *websocket.Conn, member admin.MemberData, userUUID, roomID string) {
	if userUUID == "" {
		userUUID = member.UserUUID
	}
	sess := gateway.NewSession(conn, gateway.SessionConfig{
		UserID:        member.UserUUID,
		UUID:          userUUID,
		Tags:          member.Tags,
		FlushInterval: h.opts.FlushInterval,
		QueueSize:     h.opts.QueueSize,
		WriteTimeout:  h.opts.WriteTimeout,
		Metrics:       h.metrics,
	}, h.logger)
	logger := h.logger.With(zap.String("session", sess.ID()), zap.String("room", roomID))

	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()
	logger.Info("session opened", zap.String("user", member.UserUUID))

	g, ctx := errgroup.WithContext(h.ctx)
	g.Go(func() error {
		return sess.WritePump(ctx)
	})
	g.Go(func() error {
		defer sess.End(websocket.CloseNormalClosure, "")
		jid := member.UserUUID + "@" + h.opts.XMPPDomain
		if err := sess.SendSettings(h.settings(jid, member)); err != nil {
			return nil
		}
		if err := h.join(ctx, roomID, sess); err != nil {
			if ctx.Err() != nil {
				logger.Debug("join abandoned", zap.Error(err))
				sess.End(websocket.CloseGoingAway, gateway.ReasonShuttingDown)
				return nil
			}
			logger.Warn("joining room", zap.Error(err))
			sess.End(gateway.CloseCodeBackend, "cannot join room")
			return nil
		}
		defer h.registry.Leave(sess)
		defer h.registry.LeaveChat(sess)
		if h.chat != nil {
			sess.SetChat(h.chat.Dial(roomID, jid))
		}
		h.readLoop(conn, sess, logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Debug("session pump stopped", zap.Error(err))
	}
	code, reason, _ := sess.CloseStatus()
	logger.Info("session closed", zap.Int("code", code), zap.String("reason", reason))
}

func (h *Handler) join(ctx context.Context, roomID string, sess *gateway.Session) error {
	if h.opts.JoinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.JoinTimeout)
		defer cancel()
	}
	if err := h.registry.Join(ctx, roomID, sess); err != nil {
		return err
	}
	if err := h.registry.JoinChat(ctx, roomID, sess); err != nil {
		h.registry.Leave(sess)
		return err
	}
	return nil
}

func (h *Handler) settings(jid string, member admin.MemberData) *protocol.XmppSettings {
	rooms := make([]*protocol.MucRoom, 0, len(member.MucRooms))
	for _, r := range member.MucRooms {
		rooms = append(rooms, &protocol.MucRoom{Name: r.Name, URL: r.URL, Type: r.Type})
	}
	return &protocol.XmppSettings{
		Jid:              jid,
		ConferenceDomain: h.opts.ConferenceDomain,
		Rooms:            rooms,
	}
}

// readLoop handles client frames until the socket fails or closes.
func (h *Handler) readLoop(conn *websocket.Conn, sess *gateway.Session, logger *zap.Logger) {
	conn.SetReadLimit(h.opts.ReadLimit)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
			return
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.Disconnecting() {
				logger.Debug("reading frame", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			h.metrics.DroppedFrame("text")
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			h.metrics.DroppedFrame("decode")
			logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		switch msg := env.Payload.(type) {
		case *protocol.Ping:
		case *protocol.XmppMessage:
			if err := sess.RelayStanza(msg.Stanza); err != nil {
				h.metrics.DroppedFrame("stanza")
				logger.Debug("dropping stanza", zap.Error(err))
			}
		default:
			h.metrics.DroppedFrame("unexpected")
			logger.Debug("ignoring client frame", zap.Stringer("case", env.Case()))
		}
	}
}

type mapResponse struct {
	MapURL                  string `json:"mapUrl,omitempty"`
	AuthenticationMandatory bool   `json:"authenticationMandatory"`
	RedirectURL             string `json:"redirectUrl,omitempty"`
}

func (h *Handler) serveMap(w http.ResponseWriter, r *http.Request) {
	playURI := r.URL.Query().Get("playUri")
	if playURI == "" {
		http.Error(w, "missing playUri", http.StatusBadRequest)
		return
	}
	details, err := h.admin.FetchMapDetails(r.Context(), playURI, r.URL.Query().Get("authToken"))
	switch {
	case errors.Is(err, admin.ErrInvalidMapURL):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		h.logger.Warn("fetching map details", zap.String("play_uri", playURI), zap.Error(err))
		http.Error(w, "map lookup failed", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mapResponse{
		MapURL:                  details.MapURL,
		AuthenticationMandatory: details.AuthenticationMandatory,
		RedirectURL:             details.RedirectURL,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
