package devserver

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"chatlink/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrEmailTaken  = errors.New("email already registered")
	ErrNotSender   = errors.New("only the sender can delete a message")
	ErrEmptyFields = errors.New("message needs text or an image")
)

// Store is the development server's sqlite persistence.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	if err := initSchema(db); err != nil {
		return nil, errors.Wrap(err, "initializing schema")
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			avatar_url TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			text TEXT,
			image_url TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (sender_id) REFERENCES users(id),
			FOREIGN KEY (receiver_id) REFERENCES users(id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return errors.Wrap(err, "executing schema query")
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(name, email, hashedPassword string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, name, email, password, avatar_url, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Name, user.Email, hashedPassword, "", user.CreatedAt,
	)
	if err != nil {
		// Unique constraint on email is the only expected failure here.
		return nil, ErrEmailTaken
	}
	return user, nil
}

// GetUserByEmail also returns the password hash for credential checks.
func (s *Store) GetUserByEmail(email string) (*models.User, string, error) {
	user := &models.User{}
	var hash string
	err := s.db.QueryRow(
		"SELECT id, name, email, password, avatar_url, created_at FROM users WHERE email = ?",
		email,
	).Scan(&user.ID, &user.Name, &user.Email, &hash, &user.AvatarURL, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "querying user by email")
	}
	return user, hash, nil
}

func (s *Store) GetUserByID(id string) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRow(
		"SELECT id, name, email, avatar_url, created_at FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.Name, &user.Email, &user.AvatarURL, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying user by id")
	}
	return user, nil
}

// ListUsersExcept returns the roster without the requesting user.
func (s *Store) ListUsersExcept(id string) ([]models.User, error) {
	rows, err := s.db.Query(
		"SELECT id, name, email, avatar_url, created_at FROM users WHERE id != ? ORDER BY name",
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.AvatarURL, &user.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning user")
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(id, name, avatarURL string) (*models.User, error) {
	if name != "" {
		if _, err := s.db.Exec("UPDATE users SET name = ? WHERE id = ?", name, id); err != nil {
			return nil, errors.Wrap(err, "updating name")
		}
	}
	if avatarURL != "" {
		if _, err := s.db.Exec("UPDATE users SET avatar_url = ? WHERE id = ?", avatarURL, id); err != nil {
			return nil, errors.Wrap(err, "updating avatar")
		}
	}
	return s.GetUserByID(id)
}

// DeleteUser removes the account and every message it sent or received.
func (s *Store) DeleteUser(id string) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE sender_id = ? OR receiver_id = ?", id, id); err != nil {
		return errors.Wrap(err, "deleting user messages")
	}
	_, err := s.db.Exec("DELETE FROM users WHERE id = ?", id)
	return errors.Wrap(err, "deleting user")
}

func (s *Store) SaveMessage(senderID, receiverID, text, imageURL string) (*models.Message, error) {
	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		ImageURL:   imageURL,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (id, sender_id, receiver_id, text, image_url, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.ImageURL, msg.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "inserting message")
	}
	return msg, nil
}

// GetConversation returns both directions of traffic between two users,
// oldest first.
func (s *Store) GetConversation(userID, peerID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender_id, receiver_id, text, image_url, created_at FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at ASC`,
		userID, peerID, peerID, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversation")
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.ImageURL, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning message")
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(id string) (*models.Message, error) {
	msg := &models.Message{}
	err := s.db.QueryRow(
		"SELECT id, sender_id, receiver_id, text, image_url, created_at FROM messages WHERE id = ?",
		id,
	).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.ImageURL, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying message")
	}
	return msg, nil
}

func (s *Store) DeleteMessage(id string) error {
	result, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "deleting message")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
