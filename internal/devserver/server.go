package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"chatlink/internal/models"
)

const (
	cookieName    = "auth_token"
	headerName    = "X-Auth-Token"
	tokenLifetime = 30 * 24 * time.Hour

	// Avatar and message image limits.
	maxUploadBytes = 2 << 20
)

type contextKey string

const userContextKey contextKey = "user"

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server implements the chat backend surface the client consumes. It is
// meant for development and tests, not production.
type Server struct {
	store  *Store
	hub    *Hub
	secret []byte
	router chi.Router
}

func NewServer(store *Store, hub *Hub, jwtSecret string) *Server {
	s := &Server{
		store:  store,
		hub:    hub,
		secret: []byte(jwtSecret),
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.withAuth)
			r.Get("/check", s.handleCheck)
			r.Put("/profile", s.handleUpdateProfile)
			r.Delete("/delete", s.handleDeleteAccount)
			r.Get("/message/users", s.handleListUsers)
			r.Get("/message/{peerID}", s.handleHistory)
			r.Post("/message/send/{peerID}", s.handleSendMessage)
			r.Delete("/message/delete/{messageID}", s.handleDeleteMessage)
		})
	})
	r.Get("/ws", s.handleWebSocket)

	s.router = r
	return s
}

// Handler exposes the full route tree, REST and push alike.
func (s *Server) Handler() http.Handler {
	return s.router
}

// --- auth plumbing ---

func (s *Server) mintToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(tokenLifetime).Unix(),
	})
	return token.SignedString(s.secret)
}

// tokenFromRequest accepts any of the supported credential carriages.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.Header.Get(headerName); token != "" {
		return token
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) userFromToken(tokenString string) (*models.User, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	exp, ok := claims["exp"].(float64)
	if !ok || int64(exp) < time.Now().Unix() {
		return nil, fmt.Errorf("token expired")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid user id in token")
	}
	return s.store.GetUserByID(userID)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := tokenFromRequest(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.userFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

// --- auth handlers ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Email == "" || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "name, email and a password of at least 6 characters are required")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user, err := s.store.CreateUser(req.Name, req.Email, string(hashed))
	if err != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	s.respondAuthenticated(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, hash, err := s.store.GetUserByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondAuthenticated(w, http.StatusOK, user)
}

func (s *Server) respondAuthenticated(w http.ResponseWriter, status int, user *models.User) {
	tokenString, err := s.mintToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenLifetime.Seconds()),
	})

	writeJSON(w, status, models.AuthResponse{Token: tokenString, User: *user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestUser(r))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	name := r.FormValue("name")
	avatarURL := ""
	if file, header, err := r.FormFile("avatar"); err == nil {
		defer file.Close()
		avatarURL, err = encodeImage(file, header.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
	}
	if name == "" && avatarURL == "" {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	updated, err := s.store.UpdateUser(user.ID, name, avatarURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := s.store.DeleteUser(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	s.hub.Disconnect(user.ID)
	s.handleLogout(w, r)
}

// --- message handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	users, err := s.store.ListUsersExcept(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	peerID := chi.URLParam(r, "peerID")

	messages, err := s.store.GetConversation(user.ID, peerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	peerID := chi.URLParam(r, "peerID")

	if _, err := s.store.GetUserByID(peerID); err != nil {
		writeError(w, http.StatusNotFound, "recipient not found")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	text := r.FormValue("text")
	imageURL := ""
	if file, header, err := r.FormFile("image"); err == nil {
		defer file.Close()
		imageURL, err = encodeImage(file, header.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
	}
	if text == "" && imageURL == "" {
		writeError(w, http.StatusBadRequest, ErrEmptyFields.Error())
		return
	}

	msg, err := s.store.SaveMessage(user.ID, peerID, text, imageURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	// Push to both parties: the receiver sees the new message, and any other
	// session of the sender stays in sync.
	s.hub.SendToUser(peerID, models.EventNewMessage, msg)
	s.hub.SendToUser(user.ID, models.EventNewMessage, msg)

	writeJSON(w, http.StatusCreated, models.SendMessageResponse{Data: *msg})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.SenderID != user.ID {
		writeError(w, http.StatusForbidden, ErrNotSender.Error())
		return
	}

	if err := s.store.DeleteMessage(messageID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	s.hub.SendToUser(msg.ReceiverID, models.EventMessageDeleted, messageID)
	s.hub.SendToUser(msg.SenderID, models.EventMessageDeleted, messageID)

	w.WriteHeader(http.StatusOK)
}

// --- websocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter required")
		return
	}
	if _, err := s.store.GetUserByID(userID); err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "devserver").Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 64), userID: userID}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// --- helpers ---

// encodeImage stores small uploads inline as a data URL; the development
// server has no blob storage.
func encodeImage(file io.Reader, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("unsupported image type %q", contentType)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading upload: %v", err)
	}
	if len(data) > maxUploadBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxUploadBytes)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("component", "devserver").Err(err).Msg("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
