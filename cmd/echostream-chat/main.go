// Command echostream-chat is a terminal chat client for EchoStream rooms.
//
//	echostream-chat -anon "Movie Night" -handle guest
//	echostream-chat -user alice -pass ... -room community:<id>
//
// Lines typed on stdin are sent to the room. /older loads history, /quit exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"echostream/cmd/internal/app"
	"echostream/cmd/internal/chat"
	v1 "echostream/contracts/realtime/v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "echostream-chat:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		roomRef  = flag.String("room", "", "room reference: community:<id>, anonymous:<name> or a /communities/<id> path")
		anonName = flag.String("anon", "", "anonymous room name (shortcut for -room anonymous:<name>)")
		handle   = flag.String("handle", "", "display name for anonymous rooms; a random suffix is added")
		user     = flag.String("user", "", "username for community rooms")
		pass     = flag.String("pass", "", "password for community rooms")
		register = flag.Bool("register", false, "create the account before logging in")
		join     = flag.Bool("join", false, "join the community over REST before connecting")
		logLevel = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	log := app.NewLoggerTo(os.Stderr, *logLevel, "text")

	cfg, err := chat.LoadConfig()
	if err != nil {
		return err
	}

	room, err := pickRoom(*roomRef, *anonName)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := bufio.NewWriter(os.Stdout)
	printer := &linePrinter{w: out}

	client, err := chat.New(cfg, log, chat.WithNotifier(chat.NotifierFunc(func(_ slog.Level, msg string) {
		printer.line("! " + msg)
	})))
	if err != nil {
		return err
	}
	defer client.Close()

	identity, err := resolveIdentity(ctx, client, room, *user, *pass, *handle, *register, *join)
	if err != nil {
		return err
	}

	view, err := client.View(room, identity, func(e chat.Entry) { printer.entry(e) })
	if err != nil {
		return err
	}
	if err := view.Mount(ctx); err != nil {
		return err
	}
	defer func() { _ = view.Unmount(context.Background()) }()

	printer.line(fmt.Sprintf("# joined %s as %s", room, view.Identity().Name))
	for _, e := range view.Messages() {
		printer.entry(e)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/older":
				before := view.Messages()
				n, err := view.LoadOlder(ctx)
				if err != nil {
					continue
				}
				if n == 0 {
					printer.line("# no older messages")
					continue
				}
				for _, e := range view.Messages()[:len(view.Messages())-len(before)] {
					printer.entry(e)
				}
				continue
			}
			view.SetDraft(line)
			if err := view.Send(ctx, nil); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
				printer.line("! send failed, draft kept: " + view.Draft())
			}
		}
	}
}

func pickRoom(ref, anon string) (chat.Room, error) {
	switch {
	case anon != "":
		return chat.AnonymousRoom(anon), nil
	case ref != "":
		return chat.ResolveRoom(ref)
	default:
		return chat.Room{}, errors.New("one of -room or -anon is required")
	}
}

func resolveIdentity(ctx context.Context, c *chat.Client, room chat.Room, user, pass, handle string, register, join bool) (chat.Identity, error) {
	if room.Kind == v1.RoomAnonymous {
		return chat.NewAnonymousIdentity(handle), nil
	}

	api := c.API()
	if user != "" {
		if register {
			if _, err := api.Register(ctx, user, pass); err != nil && !chat.IsAPIStatus(err, 409) {
				return chat.Identity{}, err
			}
		}
		if _, err := api.Login(ctx, user, pass); err != nil {
			return chat.Identity{}, err
		}
	}
	me, err := api.CurrentUser(ctx)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("community rooms need a login: %w", err)
	}
	if join {
		if err := api.JoinCommunity(ctx, room.ID); err != nil {
			return chat.Identity{}, err
		}
	}
	return me, nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// linePrinter serializes output from the socket listener and the input loop.
type linePrinter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (p *linePrinter) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.w.WriteString(s + "\n")
	_ = p.w.Flush()
}

func (p *linePrinter) entry(e chat.Entry) {
	m := e.Message
	ts := m.CreatedAt.Local().Format("15:04")
	p.line(fmt.Sprintf("[%s] %s: %s", ts, m.Sender.Name, m.Content))
}
