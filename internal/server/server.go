// Package server wires the HTTP surface: the authenticated WebSocket
// upgrade, the health endpoint, and graceful shutdown of the storage and
// bridge collaborators.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/matterdocs/collab-server/internal/auth"
	"github.com/matterdocs/collab-server/internal/config"
	"github.com/matterdocs/collab-server/internal/security"
	"github.com/matterdocs/collab-server/internal/session"
	"github.com/matterdocs/collab-server/internal/storage"
	"github.com/matterdocs/collab-server/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS middleware
	},
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	hub      *websocket.Hub
	manager  *session.Manager
	store    storage.DocumentStore
	bridge   *storage.RedisBridge
	security *security.SecurityManager
	server   *http.Server
}

// New creates a server with its collaborators wired from configuration:
// PostgreSQL when DATABASE_URL is set (in-memory otherwise), and the Redis
// broadcast bridge when REDIS_URL is set.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store storage.DocumentStore
	if cfg.DatabaseURL != "" {
		storeCfg := storage.DefaultStorageConfig()
		storeCfg.ConnectionString = cfg.DatabaseURL
		pg := storage.NewPostgresStore(storeCfg)
		if err := pg.Connect(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		log.Println("server: DATABASE_URL not set, using in-memory document store")
		store = storage.NewMemoryStore()
	}

	var bridge *storage.RedisBridge
	if cfg.RedisURL != "" {
		rb, err := storage.NewRedisBridge(&storage.RedisBridgeConfig{
			URL:           cfg.RedisURL,
			ChannelPrefix: cfg.RedisChannelPrefix,
		})
		if err != nil {
			return nil, err
		}
		if err := rb.Connect(ctx); err != nil {
			return nil, err
		}
		bridge = rb
	}

	sec := security.NewSecurityManager()
	hub := websocket.NewHub(sec)

	managerCfg := session.ManagerConfig{
		Store:          store,
		Relay:          hub,
		DefaultLockTTL: cfg.DefaultLockTTL,
	}
	if bridge != nil {
		managerCfg.Bridge = bridge
	}
	manager := session.NewManager(managerCfg)
	hub.BindManager(manager)
	go hub.Run()

	return &Server{
		config:   cfg,
		hub:      hub,
		manager:  manager,
		store:    store,
		bridge:   bridge,
		security: sec,
	}, nil
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// Routes
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its collaborators.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	s.security.Dispose()
	if s.bridge != nil {
		s.bridge.Disconnect(ctx)
	}
	if disconnectErr := s.store.Disconnect(ctx); disconnectErr != nil {
		log.Printf("server: store disconnect failed: %v", disconnectErr)
	}
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "MatterDocs Collaboration Server",
		"version":     "0.2.0",
		"description": "Real-time collaborative document editing for legal matters",
		"endpoints": map[string]string{
			"health": "/health",
			"ws":     "/ws",
		},
		"features": map[string]string{
			"websocket": "Real-time collaboration via WebSocket",
			"auth":      "JWT authentication with matter permissions",
			"ot":        "Operational transformation conflict resolution",
			"locks":     "Advisory document locks",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.GetStats()
	storeHealthy, _ := s.store.HealthCheck(r.Context())

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"version":     "0.2.0",
		"connections": stats.Connections,
		"sessions":    stats.Sessions,
		"storage":     storeHealthy,
	}
	if s.bridge != nil {
		healthy, _ := s.bridge.HealthCheck(r.Context())
		response["bridge"] = healthy
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleWebSocket authenticates the request, enforces the per-IP limit,
// and hands the upgraded connection to the hub. Authentication happens
// before the upgrade, so an unauthenticated client never gets a socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	payload, err := auth.VerifyToken(token, s.config.JWTSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if !s.security.ConnectionLimiter.CanConnect(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade error: %v", err)
		return
	}
	s.security.ConnectionLimiter.AddConnection(ip)

	conn := websocket.NewConnection(generateConnID(), payload, ip, ws, s.hub)
	s.hub.Register <- conn

	// Start pumps
	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.config.CORSOrigins) > 0 && s.config.CORSOrigins[0] != "*" {
			origin = s.config.CORSOrigins[0]
			for _, allowed := range s.config.CORSOrigins {
				if allowed == r.Header.Get("Origin") {
					origin = allowed
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the JWT from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
