// Command bot is a chatroom helper bot that answers simple commands sent
// to it by @mention or direct message.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/botlib"
)

// queries is the subset of the bot context the commands need
type queries interface {
	ListChatrooms() ([]string, error)
	ListChatroomUsers(room string) ([]string, error)
	UserOnline(username string) (bool, error)
}

const helpText = "commands: help, ping, time, echo <text>, rooms, users <room>, online <user>"

// respond builds the answer to a command
func respond(q queries, author, query string, now time.Time) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return fmt.Sprintf("Hi %s! Say \"help\" to see what I can do.", author)
	}
	args := strings.TrimSpace(strings.TrimPrefix(query, fields[0]))

	switch strings.ToLower(fields[0]) {
	case "help":
		return helpText
	case "ping":
		return "pong"
	case "time":
		return now.UTC().Format(time.RFC3339)
	case "echo":
		return args
	case "rooms":
		rooms, err := q.ListChatrooms()
		if err != nil {
			return "Sorry, I could not list the chatrooms."
		}
		if len(rooms) == 0 {
			return "There are no public chatrooms."
		}
		return "Chatrooms: " + strings.Join(rooms, ", ")
	case "users":
		if args == "" {
			return "usage: users <room>"
		}
		users, err := q.ListChatroomUsers(args)
		if err != nil {
			return fmt.Sprintf("I cannot see the members of %s.", args)
		}
		return fmt.Sprintf("%s: %s", args, strings.Join(users, ", "))
	case "online":
		if args == "" {
			return "usage: online <user>"
		}
		online, err := q.UserOnline(args)
		if err != nil {
			return "Sorry, I could not check that."
		}
		if online {
			return args + " is online"
		}
		return args + " is offline"
	default:
		return fmt.Sprintf("Unknown command %q. %s", fields[0], helpText)
	}
}

func main() {
	// Command-line flags
	server := flag.String("server", "localhost:6465", "Server address (host:port or tcp://, tls://, ws://, wss:// URL)")
	username := flag.String("username", "helper", "Bot account name")
	password := flag.String("password", "", "Bot account password (default: $CHATBOT_PASSWORD)")
	register := flag.Bool("register", true, "Create the account if it does not exist")
	rooms := flag.String("rooms", "general", "Comma-separated list of chatrooms to join")
	ping := flag.Duration("ping", 30*time.Second, "Keepalive ping interval")
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("CHATBOT_PASSWORD")
	}
	if *password == "" {
		log.Fatal("a password is required (-password or CHATBOT_PASSWORD)")
	}

	// Parse rooms
	var roomList []string
	for _, room := range strings.Split(*rooms, ",") {
		if room = strings.TrimSpace(room); room != "" {
			roomList = append(roomList, room)
		}
	}

	bot := botlib.New(botlib.Config{
		Server:       *server,
		Username:     *username,
		Password:     *password,
		Register:     *register,
		Rooms:        roomList,
		PingInterval: *ping,
	})

	answer := func(ctx *botlib.Context, query string) {
		if err := ctx.Reply(respond(ctx, ctx.Author(), query, time.Now())); err != nil {
			ctx.Log("Failed to reply: %v", err)
		}
	}

	// Handle mentions - respond when someone @mentions the bot
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Log("Mentioned by %s in %s: %s", msg.Sender, msg.Target, msg.Text)
		answer(ctx, msg.MentionedContent())
	})

	// Direct messages are commands without the mention
	bot.OnDirect(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Log("Direct message from %s: %s", msg.Sender, msg.Text)
		answer(ctx, msg.Text)
	})

	log.Printf("Starting bot...")
	log.Printf("  Server: %s", *server)
	log.Printf("  Username: %s", *username)
	log.Printf("  Rooms: %v", roomList)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
