package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/transport"
)

const tokenLifetime = 24 * time.Hour

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Claims binds a join token to one actor on one document.
type Claims struct {
	Actor string `json:"actor"`
	DocID string `json:"doc_id"`
	jwt.RegisteredClaims
}

// Server hosts the join endpoint and the websocket endpoint, and keeps
// one running hub per document.
type Server struct {
	secret  []byte
	archive Archive
	bus     Bus
	logf    func(format string, args ...any)

	ctx  context.Context
	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewServer builds a relay server. A nil archive falls back to an
// in-memory one; bus may be nil for single-instance deployments. Hubs
// spawned by the server stop when ctx is cancelled.
func NewServer(ctx context.Context, secret []byte, archive Archive, bus Bus, logf func(string, ...any)) *Server {
	if archive == nil {
		archive = NewMemoryArchive()
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Server{
		secret:  secret,
		archive: archive,
		bus:     bus,
		logf:    logf,
		ctx:     ctx,
		hubs:    make(map[string]*Hub),
	}
}

// Router returns the HTTP surface: POST /api/join/{docid} issues a
// token, GET /ws/{docid} upgrades to the sync websocket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/join/{docid}", s.join).Methods("POST")
	r.HandleFunc("/ws/{docid}", s.ws).Methods("GET")
	return r
}

// hubFor returns the running hub for docID, starting one if needed.
func (s *Server) hubFor(docID string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[docID]
	if !ok {
		h = newHub(docID, s.archive, s.bus, s.logf)
		s.hubs[docID] = h
		go h.Run(s.ctx)
	}
	return h
}

type joinResponse struct {
	ActorID string `json:"actor_id"`
	Token   string `json:"token"`
}

// join allocates a fresh actor id for the document and returns it with
// a signed token admitting that actor to the websocket endpoint.
func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docid"]
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	actor := uuid.NewString()
	claims := Claims{
		Actor: actor,
		DocID: docID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		s.logf("hub: sign token: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(joinResponse{ActorID: actor, Token: token}); err != nil {
		s.logf("hub: write join response: %v", err)
	}
}

// parseToken validates a join token and returns its claims.
func (s *Server) parseToken(token string) (*Claims, bool) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, false
	}
	claims, ok := parsed.Claims.(*Claims)
	return claims, ok && parsed.Valid
}

// bearerToken pulls the token from the Authorization header, falling
// back to a token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, "Bearer ")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ws upgrades a token-bearing request and hands the connection to the
// document's hub.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docid"]

	claims, ok := s.parseToken(bearerToken(r))
	if !ok {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	if claims.DocID != docID {
		http.Error(w, "token is for another document", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("hub: upgrade: %v", err)
		return
	}

	s.hubFor(docID).Join(clock.ActorID(claims.Actor), transport.NewWS(conn))
}
