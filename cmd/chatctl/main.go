package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/socialchat/internal/api"
	"github.com/matheus3301/socialchat/internal/ctlclient"
	"github.com/matheus3301/socialchat/internal/lock"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = printUsage
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	socketPath := profile.SocketPath(profileName)
	if _, err := os.Stat(socketPath); err != nil {
		fatalf("daemon for profile %q is not running (start chatd --profile %s)", profileName, profileName)
	}
	c, err := ctlclient.New(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	out := output{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "login":
		need(args, 2, "login <token>")
		id, err := c.Login(ctx, args[1])
		check(err)
		out.print(id, func() { fmt.Printf("Logged in as %s (user %d)\n", displayName(id), id.UserID) })
	case "logout":
		check(c.Logout(ctx))
		out.print(map[string]bool{"ok": true}, func() { fmt.Println("Logged out.") })
	case "connect":
		r, err := c.Connect(ctx)
		check(err)
		out.print(r, func() { fmt.Printf("State: %s\n", r.State) })
	case "disconnect":
		check(c.Disconnect(ctx))
		out.print(map[string]bool{"ok": true}, func() { fmt.Println("Disconnected.") })
	case "conversations":
		refresh := len(args) > 1 && args[1] == "--refresh"
		list, err := c.Conversations(ctx, refresh)
		check(err)
		out.print(list, func() { printConversations(list) })
	case "open":
		need(args, 2, "open <conversationId>")
		r, err := c.Open(ctx, parseID(args[1]))
		check(err)
		out.print(r, func() { printThread(r) })
	case "new":
		need(args, 2, "new <userId>")
		conv, err := c.Create(ctx, parseID(args[1]))
		check(err)
		out.print(conv, func() { fmt.Printf("Conversation %d with %s\n", conv.ID, conv.CounterpartName) })
	case "delete":
		need(args, 2, "delete <conversationId>")
		check(c.Delete(ctx, parseID(args[1])))
		out.print(map[string]bool{"ok": true}, func() { fmt.Println("Deleted.") })
	case "send":
		need(args, 2, "send <text>")
		msg, err := c.Send(ctx, strings.Join(args[1:], " "), messaging.ContentText)
		check(err)
		out.print(msg, func() { printSent(msg) })
	case "send-image":
		need(args, 2, "send-image <url>")
		msg, err := c.Send(ctx, args[1], messaging.ContentImage)
		check(err)
		out.print(msg, func() { printSent(msg) })
	case "retry":
		need(args, 2, "retry <localId>")
		msg, err := c.Retry(ctx, args[1])
		check(err)
		out.print(msg, func() { printSent(msg) })
	case "search":
		need(args, 2, "search <query>")
		hits, err := c.Search(ctx, api.SearchRequest{Query: strings.Join(args[1:], " ")})
		check(err)
		out.print(hits, func() { printHits(hits) })
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] [--timeout <d>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon and session status")
	fmt.Fprintln(os.Stderr, "  login <token>              Store a login token and connect")
	fmt.Fprintln(os.Stderr, "  logout                     Disconnect and forget the token")
	fmt.Fprintln(os.Stderr, "  connect                    Open the realtime connection")
	fmt.Fprintln(os.Stderr, "  disconnect                 Close the realtime connection")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]  List conversations")
	fmt.Fprintln(os.Stderr, "  open <id>                  Open a conversation and print its history")
	fmt.Fprintln(os.Stderr, "  new <userId>               Create or reuse a conversation with a user")
	fmt.Fprintln(os.Stderr, "  delete <id>                Delete a conversation")
	fmt.Fprintln(os.Stderr, "  send <text>                Send to the open conversation")
	fmt.Fprintln(os.Stderr, "  send-image <url>           Send an image reference")
	fmt.Fprintln(os.Stderr, "  retry <localId>            Resend a failed message")
	fmt.Fprintln(os.Stderr, "  search <query>             Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]       Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                   List local profiles")
}

type output struct {
	json bool
}

func (o output) print(v any, human func()) {
	if o.json {
		outputJSON(v)
		return
	}
	human()
}

func cmdStatus(ctx context.Context, c *ctlclient.Client, out output) {
	st, err := c.Status(ctx)
	check(err)
	out.print(st, func() {
		fmt.Printf("Profile:   %s\n", st.Profile)
		fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		if st.Identity.LoggedIn {
			fmt.Printf("User:      %s (%d)\n", displayName(st.Identity), st.Identity.UserID)
		} else {
			fmt.Println("User:      not logged in")
		}
		fmt.Printf("State:     %s\n", st.Session.State)
		fmt.Printf("Network:   %s\n", onlineLabel(st.Session.Online))
		if st.Session.GaveUp {
			fmt.Printf("Reconnect: gave up after %d attempts\n", st.Session.ReconnectAttempts)
		} else if st.Session.ReconnectAttempts > 0 {
			fmt.Printf("Reconnect: attempt %d\n", st.Session.ReconnectAttempts)
		}
		fmt.Printf("Chats:     %d (%d unread)\n", st.Session.Conversations, st.Session.UnreadTotal)
		if st.Session.CurrentConversationID != 0 {
			fmt.Printf("Open:      %d\n", st.Session.CurrentConversationID)
		}
		if st.LastConnectedAt != nil {
			fmt.Printf("Connected: %s\n", st.LastConnectedAt.Local().Format(time.DateTime))
		}
	})
}

func cmdWatch(c *ctlclient.Client, namespaces []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Watch(ctx, namespaces, func(evt api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-28s %s\n", evt.At.Local().Format(time.TimeOnly), evt.Kind, payload)
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		fatalf("%v", err)
	}
}

func cmdProfiles(jsonOut bool) {
	names, err := profile.List()
	check(err)
	type row struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		h, err := lock.Inspect(profile.Dir(n))
		r := row{Name: n}
		if err == nil && h.Running {
			r.Running, r.PID = true, h.PID
		}
		rows = append(rows, r)
	}
	output{json: jsonOut}.print(rows, func() {
		if len(rows) == 0 {
			fmt.Println("No profiles found.")
			return
		}
		for _, r := range rows {
			state := "stopped"
			if r.Running {
				state = fmt.Sprintf("running (pid %d)", r.PID)
			}
			fmt.Printf("%-20s %s\n", r.Name, state)
		}
	})
}

func printConversations(list []messaging.Conversation) {
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range list {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d]", c.UnreadCount)
		}
		when := ""
		if !c.LastMessageAt.IsZero() {
			when = c.LastMessageAt.Local().Format("Jan 02 15:04")
		}
		fmt.Printf("%6d  %-20s %-7s %-12s %s%s\n", c.ID, c.CounterpartName, c.Presence, when, c.LastMessagePreview, unread)
	}
}

func printThread(r api.OpenReply) {
	fmt.Printf("Conversation %d with %s\n\n", r.Conversation.ID, r.Conversation.CounterpartName)
	for _, m := range r.Messages {
		who := r.Conversation.CounterpartName
		if m.SenderID != r.Conversation.CounterpartID {
			who = "me"
		}
		content := m.Content
		if m.Type == messaging.ContentImage {
			content = "[image] " + content
		}
		fmt.Printf("%s  %-12s %s\n", m.SentAt.Local().Format("Jan 02 15:04"), who, content)
	}
}

func printSent(m messaging.Message) {
	fmt.Printf("%s  %s  %s\n", m.ID, m.Status, m.Content)
}

func printHits(hits []api.SearchHit) {
	if len(hits) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, h := range hits {
		fmt.Printf("%6d  %s  %s\n", h.ConversationID, h.SentAt.Local().Format("Jan 02 15:04"), h.Snippet)
	}
}

func displayName(id api.IdentityReply) string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	if id.Username != "" {
		return id.Username
	}
	return messaging.FallbackName(id.UserID)
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fatalf("invalid id %q", s)
	}
	return id
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatctl %s", usage)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
