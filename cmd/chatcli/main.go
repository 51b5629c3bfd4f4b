// Command chatcli is a terminal chat client for the relay. It keeps one
// connection open, shows the notification feed and lets the user talk to one
// peer at a time.
//
//	/open <peer-id>     join the room shared with peer
//	/notifs             list the notification feed
//	/ack <id>           mark a notification read
//	/report <reason>    report the current peer
//	/quit               exit
//
// Any other line is sent to the open room.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fitmatch/realtime/internal/api"
	"github.com/fitmatch/realtime/internal/auth"
	"github.com/fitmatch/realtime/internal/config"
	"github.com/fitmatch/realtime/internal/connection"
	"github.com/fitmatch/realtime/internal/feed"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/room"
)

const requestTimeout = 5 * time.Second

func main() {
	env, err := config.LoadClient()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if env.UserID == "" {
		log.Fatal("USER_ID is required")
	}
	self := room.Participant{ID: env.UserID, Role: protocol.Role(env.UserRole)}
	if !self.Role.Valid() {
		log.Fatalf("invalid USER_ROLE %q (want coach or client)", env.UserRole)
	}
	peerRole := protocol.RoleCoach
	if self.Role == protocol.RoleCoach {
		peerRole = protocol.RoleClient
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCfg := connection.DefaultConfig()
	connCfg.URL = env.RelayURL
	connCfg.ReconnectWait = env.ReconnectWait
	connCfg.Token = env.AuthToken
	if connCfg.Token == "" && env.JWTSecret != "" {
		connCfg.Token = mintToken(env, self)
	}
	conn := connection.New(connCfg)
	conn.RegisterIdentity(self.ID)

	conn.OnConnectionChange(func(connected bool) {
		if connected {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected, retrying")
		}
	})
	conn.On(protocol.TypeError, func(raw json.RawMessage) {
		var e protocol.ErrorMsg
		if err := json.Unmarshal(raw, &e); err == nil {
			fmt.Printf("! %s: %s\n", e.Code, e.Message)
		}
	})

	client := api.New(env.RelayHTTPURL, nil)

	notifications := feed.New(conn, client, self.ID)
	notifications.OnNotification(func(n protocol.Notification) {
		fmt.Printf("* notification [%s] %s (%d unread)\n", n.Category, n.ID, notifications.Unread())
	})

	session := room.NewSession(conn, client, self)
	session.OnMessage(func(m protocol.Message) {
		if m.SenderID == self.ID {
			return
		}
		fmt.Printf("%s> %s\n", m.SenderID, m.Text)
	})
	session.OnTyping(func(typing bool) {
		if typing {
			fmt.Printf("* %s is typing\n", session.Peer().ID)
		}
	})

	conn.Connect(ctx)
	notifications.Start(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !handleLine(ctx, strings.TrimSpace(line), session, notifications, client, self, peerRole) {
				break loop
			}
		}
	}

	session.Close()
	notifications.Close()
	if err := conn.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

// handleLine runs one input line. It returns false when the client should exit.
func handleLine(ctx context.Context, line string, session *room.Session, notifications *feed.Feed, client *api.Client, self room.Participant, peerRole protocol.Role) bool {
	if line == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return false

	case "/open":
		if arg == "" {
			fmt.Println("usage: /open <peer-id>")
			return true
		}
		openCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := session.Open(openCtx, room.Participant{ID: arg, Role: peerRole}); err != nil {
			fmt.Printf("! open: %v\n", err)
			return true
		}
		fmt.Printf("* room %s\n", session.RoomID())
		for _, m := range session.Messages() {
			fmt.Printf("%s> %s\n", m.SenderID, m.Text)
		}

	case "/notifs":
		for _, n := range notifications.Items() {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf("%s %s [%s] %s\n", mark, n.ID, n.Category, time.UnixMilli(n.CreatedAt).Format(time.Kitchen))
		}

	case "/ack":
		ackCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := notifications.Acknowledge(ackCtx, arg); err != nil {
			fmt.Printf("! ack: %v\n", err)
		}

	case "/report":
		peer := session.Peer()
		if peer.ID == "" {
			fmt.Println("! no open room")
			return true
		}
		reportCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		resp, err := client.Report(reportCtx, session.RoomID(), api.ReportRequest{ReporterID: self.ID, Reason: arg})
		if err != nil {
			fmt.Printf("! report: %v\n", err)
			return true
		}
		fmt.Printf("* report %d filed against %s\n", resp.ID, resp.ReportedID)

	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Printf("! unknown command %s\n", cmd)
			return true
		}
		if _, err := session.SendMessage(line); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
	}
	return true
}

// mintToken signs a token locally for development relays that share
// JWT_SECRET with the client.
func mintToken(env config.Client, self room.Participant) string {
	cfg := auth.DefaultConfig()
	cfg.Secret = env.JWTSecret
	cfg.Issuer = env.JWTIssuer
	tokens, err := auth.NewTokens(cfg)
	if err != nil {
		log.Fatalf("failed to configure tokens: %v", err)
	}
	token, err := tokens.Issue(self.ID, self.Role)
	if err != nil {
		log.Fatalf("failed to mint token: %v", err)
	}
	return token
}
