package game

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"example.com/promptctf/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// LobbyID is the only lobby that exists.
const LobbyID = "global"

const (
	defaultPingEvery = 25 * time.Second
	maxInitBody      = 4 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the lobby and game room endpoints.
type Server struct {
	rooms     *Registry
	lobby     *Matchmaker
	secret    []byte
	log       *slog.Logger
	pingEvery time.Duration
}

func NewServer(rooms *Registry, lobby *Matchmaker, secret []byte, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		rooms:     rooms,
		lobby:     lobby,
		secret:    secret,
		log:       log,
		pingEvery: defaultPingEvery,
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/parties/main/{lobby}", s.handleLobby)
	r.Post("/parties/gameroom/{roomID}", s.handleInit)
	r.Get("/parties/gameroom/{roomID}", s.handleRoom)
}

// handleLobby: вход в лобби. Сообщения клиента игнорируются.
func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "lobby") != LobbyID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown lobby"})
		return
	}
	if s.lobby == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lobby disabled"})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := NewClientConn(ws)
	go cc.WriteLoop(s.pingEvery)

	if !s.lobby.Join(cc) {
		cc.Close()
		return
	}
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	s.lobby.Leave(cc)
	cc.Close()
}

// handleInit: привилегированная инициализация комнаты.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	if err := auth.VerifyBootstrap(s.secret, r.Header.Get(SecretHeader), roomID); err != nil {
		s.log.Warn("rejected room bootstrap", "room", roomID, "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req InitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInitBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.PlayerIDs) != 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected two playerIds"})
		return
	}

	err := s.rooms.Initialize(r.Context(), roomID, [2]string{req.PlayerIDs[0], req.PlayerIDs[1]})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, ErrAlreadyInitialized):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already initialized"})
	case errors.Is(err, ErrBadPlayerIDs):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.log.Error("initialize room", "room", roomID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	}
}

// handleRoom: без upgrade отдаёт информацию о комнате, с upgrade подключает игрока.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	if !websocket.IsWebSocketUpgrade(r) {
		info, err := s.rooms.Info(r.Context(), roomID)
		if err != nil {
			s.log.Error("room info", "room", roomID, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	playerID := r.URL.Query().Get("playerId")
	if playerID == "" {
		http.Error(w, "missing playerId", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := NewClientConn(ws)
	go cc.WriteLoop(s.pingEvery)

	sess, sub, err := s.rooms.Connect(roomID, playerID, cc)
	if err != nil {
		s.log.Info("connection refused", "room", roomID, "err", err)
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		sess.Deliver(sub, data)
	}
	sess.Disconnect(sub)
	cc.Close()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
