package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlink/internal/models"
	"chatlink/internal/realtime"
	"chatlink/internal/transport"
)

// EventBus is the slice of the realtime channel the store consumes. The
// session manager owns opening and closing the connection; the store only
// attaches and detaches message listeners.
type EventBus interface {
	On(event string, fn realtime.Handler) realtime.ListenerID
	Off(event string, id realtime.ListenerID)
}

// SendPayload is an outgoing message: text, an image, or both.
type SendPayload struct {
	Text      string
	ImageName string
	Image     []byte
}

// Store reconciles three producers into one per-conversation cache: REST
// history fetches, confirmed local sends/deletes, and inbound push events.
// The cache is single-slot: selecting a peer drops the previous peer's
// messages, and re-selecting an old peer re-fetches.
type Store struct {
	client *transport.Client
	bus    EventBus

	mu              sync.Mutex
	peers           []models.User
	active          string
	epoch           uint64
	messages        []models.Message
	loadingPeers    bool
	loadingMessages bool
	subNew          realtime.ListenerID
	subDel          realtime.ListenerID
}

func New(client *transport.Client, bus EventBus) *Store {
	return &Store{client: client, bus: bus}
}

// ListPeers refreshes the full user roster. An unauthenticated failure is
// swallowed: the caller is already handling that case through the session.
func (s *Store) ListPeers(ctx context.Context) error {
	s.mu.Lock()
	s.loadingPeers = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loadingPeers = false
		s.mu.Unlock()
	}()

	var peers []models.User
	if err := s.client.Get(ctx, "/message/users", &peers); err != nil {
		if transport.IsUnauthenticated(err) {
			return nil
		}
		return errors.Wrap(err, "fetching peers")
	}

	s.mu.Lock()
	s.peers = peers
	s.mu.Unlock()
	return nil
}

// SelectConversation makes peerID the active conversation: the previous
// cache is dropped immediately, history is fetched, and push listeners are
// re-attached. A history response that arrives after the selection moved
// on is discarded rather than merged.
func (s *Store) SelectConversation(ctx context.Context, peerID string) error {
	s.mu.Lock()
	s.active = peerID
	s.epoch++
	epoch := s.epoch
	s.messages = nil
	s.loadingMessages = true
	s.mu.Unlock()

	s.resubscribe()

	var history []models.Message
	err := s.client.Get(ctx, "/message/"+peerID, &history)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		// The selection changed while the fetch was in flight; the newer
		// selection owns the cache and the loading flag now.
		log.Debug().Str("component", "store").Str("peer", peerID).Msg("dropping stale history response")
		return nil
	}
	s.loadingMessages = false
	if err != nil {
		return errors.Wrapf(err, "fetching history for %s", peerID)
	}

	s.messages = s.messages[:0]
	for _, msg := range history {
		s.insertLocked(msg)
	}
	return nil
}

// SendMessage issues the send and appends the server-confirmed message.
// Nothing is shown optimistically: the response owns id and createdAt.
func (s *Store) SendMessage(ctx context.Context, payload SendPayload) error {
	s.mu.Lock()
	peer := s.active
	epoch := s.epoch
	s.mu.Unlock()

	if peer == "" {
		return errors.New("no active conversation")
	}
	if payload.Text == "" && len(payload.Image) == 0 {
		return errors.New("message needs text or an image")
	}

	fields := map[string]string{}
	if payload.Text != "" {
		fields["text"] = payload.Text
	}
	var files []transport.FilePart
	if len(payload.Image) > 0 {
		name := payload.ImageName
		if name == "" {
			name = "image"
		}
		files = append(files, transport.FilePart{Field: "image", Filename: name, Data: payload.Image})
	}

	var resp models.SendMessageResponse
	if err := s.client.PostMultipart(ctx, "/message/send/"+peer, fields, files, &resp); err != nil {
		return errors.Wrap(err, "sending message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		// Confirmed against a conversation that is no longer selected.
		return nil
	}
	s.insertLocked(resp.Data)
	return nil
}

// DeleteMessage removes one message from the active conversation. The
// message must still be cached; on any failure the cache is unchanged.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	epoch := s.epoch
	found := s.indexLocked(id) >= 0
	s.mu.Unlock()

	if !found {
		return errors.Errorf("message %s not in the active conversation", id)
	}

	if err := s.client.Delete(ctx, "/message/delete/"+id); err != nil {
		return errors.Wrap(err, "deleting message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	s.removeLocked(id)
	return nil
}

// Unsubscribe detaches this store's push listeners. Must run whenever the
// active conversation changes or is cleared so a stale listener cannot
// mutate a cache about to be replaced; SelectConversation does this itself.
func (s *Store) Unsubscribe() {
	s.mu.Lock()
	subNew, subDel := s.subNew, s.subDel
	s.subNew, s.subDel = 0, 0
	s.mu.Unlock()

	if subNew != 0 {
		s.bus.Off(models.EventNewMessage, subNew)
	}
	if subDel != 0 {
		s.bus.Off(models.EventMessageDeleted, subDel)
	}
}

// resubscribe pairs every subscribe with an unsubscribe of the previous
// selection's listeners, so repeated selections never stack handlers.
func (s *Store) resubscribe() {
	s.Unsubscribe()

	subNew := s.bus.On(models.EventNewMessage, s.handleNewMessage)
	subDel := s.bus.On(models.EventMessageDeleted, s.handleMessageDeleted)

	s.mu.Lock()
	s.subNew, s.subDel = subNew, subDel
	s.mu.Unlock()
}

// handleNewMessage accepts a pushed message only when it names the active
// peer, and suppresses duplicate delivery of an id already cached (the
// same message can arrive as both a send confirmation and a push).
func (s *Store) handleNewMessage(payload json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Str("component", "store").Err(err).Msg("bad newMessage payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || (msg.SenderID != s.active && msg.ReceiverID != s.active) {
		return
	}
	s.insertLocked(msg)
}

func (s *Store) handleMessageDeleted(payload json.RawMessage) {
	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		log.Warn().Str("component", "store").Err(err).Msg("bad messageDeleted payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// insertLocked keeps the cache unique by id and sorted by createdAt.
func (s *Store) insertLocked(msg models.Message) {
	if s.indexLocked(msg.ID) >= 0 {
		return
	}
	at := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[at+1:], s.messages[at:])
	s.messages[at] = msg
}

func (s *Store) removeLocked(id string) {
	at := s.indexLocked(id)
	if at < 0 {
		return
	}
	s.messages = append(s.messages[:at], s.messages[at+1:]...)
}

func (s *Store) indexLocked(id string) int {
	for i, msg := range s.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the active conversation's cache, oldest first.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Peers returns a copy of the last fetched roster.
func (s *Store) Peers() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, len(s.peers))
	copy(out, s.peers)
	return out
}

func (s *Store) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) LoadingPeers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingPeers
}

func (s *Store) LoadingMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingMessages
}
