package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/metrics"
)

// createRoomRequest/roomCreatedResponse/joinRoomRequest/roomJoinedResponse/
// errorResponse are carried unencrypted in an Envelope's Ciphertext
// field (base64 of their JSON encoding): no PAKE session key exists
// yet when a room is created or joined, so these control messages
// cannot be sealed the way pake_message/candidate/sdp envelopes are.
// The room code travels in plaintext in these messages, and the server
// keys its room map by the plain code for the room's lifetime.
type createRoomRequest struct{}

type roomCreatedResponse struct {
	Code string `json:"code"`
}

type joinRoomRequest struct {
	Code string `json:"code"`
}

type roomJoinedResponse struct {
	PeerID device.DeviceID `json:"peer_id"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func encodeControlPayload(v any) string {
	b, _ := json.Marshal(v)
	return base64.StdEncoding.EncodeToString(b)
}

func decodeControlPayload(env *Envelope, v any) error {
	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("signaling: decode control payload: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// Server is the signaling rendezvous server of spec.md §4.7: it pairs
// peers by room code and relays their PAKE/SDP/ICE envelopes without
// ever decrypting them.
type Server struct {
	mu    sync.Mutex
	rooms map[string]*signalingRoom

	replay  *ReplayCache
	limiter *IPLimiter
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer constructs a signaling Server. logger and m may be nil.
func NewServer(ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Server {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		rooms:   make(map[string]*signalingRoom),
		replay:  NewReplayCache(),
		limiter: NewIPLimiter(),
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

// Handler returns the HTTP handler serving the signaling WebSocket
// endpoint, for use directly (tests) or behind ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tallow-signaling", s.handleWebSocket)
	return mux
}

// ListenAndServe starts the signaling HTTP/WebSocket listener on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	first, err := s.readEnvelope(ctx, conn)
	if err != nil {
		return
	}

	switch first.Type {
	case TypeCreateRoom:
		s.serveCreator(ctx, conn, first, ip)
	case TypeJoinRoom:
		s.serveJoiner(ctx, conn, first, ip)
	default:
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, device.DeviceID{}, errorResponse{Message: "expected create_room or join_room"})
	}
}

func (s *Server) serveCreator(ctx context.Context, conn *websocket.Conn, first *Envelope, ip string) {
	if !s.limiter.AllowCreate(ip) {
		s.metrics.RecordRateLimitReject("create")
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "rate limit exceeded"})
		return
	}

	code, err := GenerateRoomCode(s.roomExists)
	if err != nil {
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "could not allocate room code"})
		return
	}

	room := newSignalingRoom(code, s.ttl)
	self := &peerSession{id: first.From, send: make(chan []byte, 16)}
	room.setCreator(self)

	s.mu.Lock()
	s.rooms[code] = room
	s.mu.Unlock()
	s.metrics.RecordRoomCreated()
	defer s.closeRoom(code)

	s.writeEnvelope(ctx, conn, TypeRoomCreated, device.DeviceID{}, first.From, roomCreatedResponse{Code: code})
	s.pumpSession(ctx, conn, room, self)
}

func (s *Server) serveJoiner(ctx context.Context, conn *websocket.Conn, first *Envelope, ip string) {
	if !s.limiter.AllowJoin(ip) {
		s.metrics.RecordRateLimitReject("join")
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "rate limit exceeded"})
		return
	}

	var req joinRoomRequest
	if err := decodeControlPayload(first, &req); err != nil {
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "malformed join request"})
		return
	}
	code := strings.TrimSpace(req.Code)

	if s.limiter.RoomLocked(code, time.Now()) {
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "room locked out"})
		return
	}

	s.mu.Lock()
	room, ok := s.rooms[code]
	s.mu.Unlock()
	if !ok || room.expired(time.Now()) {
		s.limiter.RecordFailedJoin(code, time.Now())
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "invalid or expired room code"})
		return
	}

	self := &peerSession{id: first.From, send: make(chan []byte, 16)}
	if !room.join(self) {
		s.limiter.RecordFailedJoin(code, time.Now())
		s.writeEnvelope(ctx, conn, TypeError, device.DeviceID{}, first.From, errorResponse{Message: "room already joined"})
		return
	}

	peerID := device.DeviceID{}
	if room.creator != nil {
		peerID = room.creator.id
	}
	s.writeEnvelope(ctx, conn, TypeRoomJoined, device.DeviceID{}, first.From, roomJoinedResponse{PeerID: peerID})
	s.pumpSession(ctx, conn, room, self)
}

// pumpSession reads this connection's subsequent envelopes and
// forwards them to the room's other occupant, and drains this
// session's outbound queue to the socket, until the connection drops.
func (s *Server) pumpSession(ctx context.Context, conn *websocket.Conn, room *signalingRoom, self *peerSession) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-self.send:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		env, err := s.readEnvelope(ctx, conn)
		if err != nil {
			break
		}
		s.forward(room, self, env)
	}
	<-done
}

func (s *Server) forward(room *signalingRoom, self *peerSession, env *Envelope) {
	if s.replay.CheckAndRemember(env, time.Now()) {
		return
	}
	other, ok := room.peerFor(self.id)
	if !ok {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	select {
	case other.send <- data:
	default:
	}
}

func (s *Server) closeRoom(code string) {
	s.mu.Lock()
	delete(s.rooms, code)
	s.mu.Unlock()
	s.limiter.ClearRoom(code)
	s.metrics.RecordRoomClosed("peer_closed")
}

func (s *Server) roomExists(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[code]
	return ok
}

func (s *Server) readEnvelope(ctx context.Context, conn *websocket.Conn) (*Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, typ Type, from, to device.DeviceID, payload any) {
	env := &Envelope{
		Type:       typ,
		From:       from,
		To:         to,
		Timestamp:  time.Now().Unix(),
		Ciphertext: encodeControlPayload(payload),
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	conn.Write(ctx, websocket.MessageText, data)
}
