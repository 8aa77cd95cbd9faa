package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlink/internal/models"
	"chatlink/internal/prefs"
	"chatlink/internal/realtime"
	"chatlink/internal/transport"
)

// Status is the client's belief about which identity is authenticated.
type Status int

const (
	StatusUnknown Status = iota
	StatusChecking
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	}
	return "unknown"
}

// ProfilePatch is a partial profile update. Empty fields are left alone.
type ProfilePatch struct {
	Name       string
	AvatarName string
	Avatar     []byte
}

// Manager owns the authentication state and its lifecycle. It is the only
// component allowed to open or close the push channel, which exists exactly
// while the session is authenticated.
type Manager struct {
	client  *transport.Client
	channel *realtime.Channel
	prefs   *prefs.Store

	mu        sync.RWMutex
	status    Status
	user      *models.User
	online    map[string]struct{}
	onlineSub realtime.ListenerID

	checking        bool
	loggingIn       bool
	signingUp       bool
	updatingProfile bool
}

// NewManager starts in Checking: callers must run VerifySession before
// anything else. prefStore may be nil when no local persistence is wanted.
func NewManager(client *transport.Client, channel *realtime.Channel, prefStore *prefs.Store) *Manager {
	return &Manager{
		client:   client,
		channel:  channel,
		prefs:    prefStore,
		status:   StatusChecking,
		checking: true,
	}
}

// VerifySession resolves Checking into Authenticated or Anonymous. It is
// idempotent and safe to call again later; the checking flag clears on
// every path.
func (m *Manager) VerifySession(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusChecking
	m.checking = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.checking = false
		m.mu.Unlock()
	}()

	// A token that is already expired cannot verify; skip the round trip.
	if token := m.client.Token(); token != "" && tokenExpired(token) {
		m.becomeAnonymous()
		return nil
	}

	var user models.User
	if err := m.client.Get(ctx, "/check", &user); err != nil {
		m.becomeAnonymous()
		if transport.IsUnauthenticated(err) {
			return nil
		}
		return errors.Wrap(err, "verifying session")
	}

	return m.becomeAuthenticated(user, "")
}

// Login exchanges credentials for a session. Its busy flag is independent
// of signup's so the UI can disable only the relevant control.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.mu.Lock()
	if m.loggingIn {
		m.mu.Unlock()
		return errors.New("login already in flight")
	}
	m.loggingIn = true
	m.mu.Unlock()
	defer m.clearFlag(&m.loggingIn)

	var resp models.AuthResponse
	if err := m.client.Post(ctx, "/login", models.LoginRequest{Email: email, Password: password}, &resp); err != nil {
		return errors.Wrap(err, "logging in")
	}
	return m.becomeAuthenticated(resp.User, resp.Token)
}

// Signup registers a new account and authenticates as it.
func (m *Manager) Signup(ctx context.Context, name, email, password string) error {
	m.mu.Lock()
	if m.signingUp {
		m.mu.Unlock()
		return errors.New("signup already in flight")
	}
	m.signingUp = true
	m.mu.Unlock()
	defer m.clearFlag(&m.signingUp)

	req := models.SignupRequest{Name: name, Email: email, Password: password}
	var resp models.AuthResponse
	if err := m.client.Post(ctx, "/signup", req, &resp); err != nil {
		return errors.Wrap(err, "signing up")
	}
	return m.becomeAuthenticated(resp.User, resp.Token)
}

// Logout invalidates the session server-side, best effort. Local teardown
// is unconditional: a failed revocation must not leave this client holding
// an open push channel.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.client.Post(ctx, "/logout", nil, nil)
	m.becomeAnonymous()
	if err != nil {
		log.Warn().Str("component", "session").Err(err).Msg("server-side logout failed, local state cleared anyway")
		return errors.Wrap(err, "logging out")
	}
	return nil
}

// UpdateProfile replaces the user snapshot on success and leaves the
// session untouched on any failure.
func (m *Manager) UpdateProfile(ctx context.Context, patch ProfilePatch) error {
	m.mu.Lock()
	if m.status != StatusAuthenticated {
		m.mu.Unlock()
		return errors.New("not authenticated")
	}
	m.updatingProfile = true
	m.mu.Unlock()
	defer m.clearFlag(&m.updatingProfile)

	fields := map[string]string{}
	if patch.Name != "" {
		fields["name"] = patch.Name
	}
	var files []transport.FilePart
	if len(patch.Avatar) > 0 {
		name := patch.AvatarName
		if name == "" {
			name = "avatar"
		}
		files = append(files, transport.FilePart{Field: "avatar", Filename: name, Data: patch.Avatar})
	}

	var user models.User
	if err := m.client.PutMultipart(ctx, "/profile", fields, files, &user); err != nil {
		return errors.Wrap(err, "updating profile")
	}

	m.mu.Lock()
	m.user = &user
	m.mu.Unlock()
	return nil
}

// DeleteAccount assumes the caller has already double-confirmed. On success
// it performs the logout teardown and drops local preferences for the
// account.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	m.mu.RLock()
	var accountID string
	if m.user != nil {
		accountID = m.user.ID
	}
	m.mu.RUnlock()

	if err := m.client.Delete(ctx, "/delete"); err != nil {
		return errors.Wrap(err, "deleting account")
	}

	m.becomeAnonymous()

	if m.prefs != nil && accountID != "" {
		if err := m.prefs.ClearAccount(accountID); err != nil {
			log.Warn().Str("component", "session").Err(err).Msg("clearing account preferences failed")
		}
	}
	return nil
}

func (m *Manager) becomeAuthenticated(user models.User, token string) error {
	if token != "" {
		m.client.SetToken(token)
	}

	if err := m.channel.Open(user.ID); err != nil {
		// The session itself succeeded; presence just will not update.
		log.Warn().Str("component", "session").Err(err).Msg("opening push channel failed")
	} else {
		m.resubscribeOnline()
	}

	m.mu.Lock()
	m.status = StatusAuthenticated
	m.user = &user
	m.mu.Unlock()

	log.Info().Str("component", "session").Str("user", user.ID).Msg("authenticated")
	return nil
}

func (m *Manager) becomeAnonymous() {
	m.channel.Close()
	m.client.SetToken("")

	m.mu.Lock()
	m.status = StatusAnonymous
	m.user = nil
	m.online = nil
	m.onlineSub = 0
	m.mu.Unlock()
}

// resubscribeOnline keeps exactly one presence listener across repeated
// channel opens.
func (m *Manager) resubscribeOnline() {
	m.mu.Lock()
	old := m.onlineSub
	m.mu.Unlock()

	if old != 0 {
		m.channel.Off(models.EventOnlineUsers, old)
	}
	sub := m.channel.On(models.EventOnlineUsers, m.handleOnlineUsers)

	m.mu.Lock()
	m.onlineSub = sub
	m.mu.Unlock()
}

func (m *Manager) handleOnlineUsers(payload json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		log.Warn().Str("component", "session").Err(err).Msg("bad presence payload")
		return
	}

	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}

	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

func (m *Manager) clearFlag(flag *bool) {
	m.mu.Lock()
	*flag = false
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// User returns a copy of the authenticated user, or nil.
func (m *Manager) User() *models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	user := *m.user
	return &user
}

// OnlineUsers returns the ids currently connected, sorted.
func (m *Manager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.online))
	for id := range m.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.online[userID]
	return ok
}

func (m *Manager) CheckingAuth() bool { return m.flag(&m.checking) }

func (m *Manager) LoggingIn() bool { return m.flag(&m.loggingIn) }

func (m *Manager) SigningUp() bool { return m.flag(&m.signingUp) }

func (m *Manager) UpdatingProfile() bool { return m.flag(&m.updatingProfile) }

func (m *Manager) flag(f *bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *f
}

// tokenExpired peeks at the token's exp claim without verifying the
// signature; only the server can truly validate it.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, ok := claims["exp"].(float64)
	return ok && int64(exp) < time.Now().Unix()
}
