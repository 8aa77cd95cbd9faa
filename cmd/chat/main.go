package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatlink/internal/config"
	"chatlink/internal/models"
	"chatlink/internal/prefs"
	"chatlink/internal/realtime"
	"chatlink/internal/session"
	"chatlink/internal/store"
	"chatlink/internal/transport"
)

const (
	prefLastAccount = "last_account"
	prefToken       = "token"
	prefTheme       = "theme"
	localScope      = "local"
)

type app struct {
	cfg      *config.Config
	client   *transport.Client
	channel  *realtime.Channel
	sessions *session.Manager
	chats    *store.Store
	prefs    *prefs.Store
}

func main() {
	root := &cobra.Command{
		Use:   "chat",
		Short: "Terminal chat client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	prefStore, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return err
	}
	defer prefStore.Close()

	client := transport.NewClient(cfg.APIBaseURL, transport.CredentialStyle(cfg.CredentialStyle))
	channel := realtime.NewChannel(cfg.SocketURL)

	a := &app{
		cfg:      cfg,
		client:   client,
		channel:  channel,
		sessions: session.NewManager(client, channel, prefStore),
		chats:    store.New(client, channel),
		prefs:    prefStore,
	}

	a.restoreToken()
	if err := a.sessions.VerifySession(ctx); err != nil {
		log.Warn().Err(err).Msg("session check failed")
	}

	if a.sessions.Status() != session.StatusAuthenticated {
		if err := a.authenticate(ctx); err != nil {
			return err
		}
	}
	a.cacheToken()
	a.watchPush()

	user := a.sessions.User()
	fmt.Printf("signed in as %s <%s>\n", user.Name, user.Email)
	return a.loop(ctx)
}

// restoreToken reattaches the credential cached for the last account.
func (a *app) restoreToken() {
	last, err := a.prefs.Get(localScope, prefLastAccount)
	if err != nil || last == "" {
		return
	}
	token, err := a.prefs.Get(last, prefToken)
	if err != nil || token == "" {
		return
	}
	a.client.SetToken(token)
}

func (a *app) cacheToken() {
	user := a.sessions.User()
	if user == nil {
		return
	}
	_ = a.prefs.Set(localScope, prefLastAccount, user.ID)
	_ = a.prefs.Set(user.ID, prefToken, a.client.Token())
}

func (a *app) authenticate(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("login or signup? [login] ")
	choice, _ := reader.ReadString('\n')

	fmt.Print("email: ")
	email, _ := reader.ReadString('\n')
	fmt.Print("password: ")
	password, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)

	if strings.TrimSpace(choice) == "signup" {
		fmt.Print("name: ")
		name, _ := reader.ReadString('\n')
		return a.sessions.Signup(ctx, strings.TrimSpace(name), email, password)
	}
	return a.sessions.Login(ctx, email, password)
}

// watchPush prints inbound events so the terminal stays live while the
// user types. These listeners are the CLI's own, next to the store's.
func (a *app) watchPush() {
	a.channel.On(models.EventNewMessage, func(payload json.RawMessage) {
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		self := a.sessions.User()
		if self != nil && msg.SenderID == self.ID {
			return
		}
		fmt.Printf("\n[%s] %s\n> ", msg.SenderID, renderBody(msg))
	})
	a.channel.On(realtime.EventDisconnected, func(json.RawMessage) {
		fmt.Print("\n(push channel disconnected)\n> ")
	})
}

func (a *app) loop(ctx context.Context) error {
	fmt.Println("commands: /users /open <id> /online /del <id> /profile <name> /theme <name> /logout /quit")
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/logout":
			if err := a.sessions.Logout(ctx); err != nil {
				fmt.Println("logout:", err)
			}
			return nil
		case line == "/users":
			a.printUsers(ctx)
		case line == "/online":
			fmt.Println("online:", strings.Join(a.sessions.OnlineUsers(), ", "))
		case strings.HasPrefix(line, "/open "):
			a.openConversation(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		case strings.HasPrefix(line, "/del "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/del "))
			if err := a.chats.DeleteMessage(ctx, id); err != nil {
				fmt.Println("delete:", err)
			}
		case strings.HasPrefix(line, "/profile "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/profile "))
			if err := a.sessions.UpdateProfile(ctx, session.ProfilePatch{Name: name}); err != nil {
				fmt.Println("profile:", err)
			}
		case strings.HasPrefix(line, "/theme "):
			a.setTheme(strings.TrimSpace(strings.TrimPrefix(line, "/theme ")))
		case strings.HasPrefix(line, "/img "):
			a.sendImage(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/img ")))
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command:", line)
		default:
			if err := a.chats.SendMessage(ctx, store.SendPayload{Text: line}); err != nil {
				fmt.Println("send:", err)
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func (a *app) printUsers(ctx context.Context) {
	if err := a.chats.ListPeers(ctx); err != nil {
		fmt.Println("users:", err)
		return
	}
	for _, peer := range a.chats.Peers() {
		marker := " "
		if a.sessions.IsOnline(peer.ID) {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, peer.ID, peer.Name)
	}
}

func (a *app) openConversation(ctx context.Context, peerID string) {
	if err := a.chats.SelectConversation(ctx, peerID); err != nil {
		fmt.Println("open:", err)
		return
	}
	for _, msg := range a.chats.Messages() {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), msg.SenderID, renderBody(msg))
	}
}

func (a *app) sendImage(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("img:", err)
		return
	}
	payload := store.SendPayload{ImageName: filepath.Base(path), Image: data}
	if err := a.chats.SendMessage(ctx, payload); err != nil {
		fmt.Println("img:", err)
	}
}

func (a *app) setTheme(theme string) {
	user := a.sessions.User()
	if user == nil {
		return
	}
	if err := a.prefs.Set(user.ID, prefTheme, theme); err != nil {
		fmt.Println("theme:", err)
	}
}

func renderBody(msg models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return "(image)"
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
}
