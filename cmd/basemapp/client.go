package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/client/contacts"
	"github.com/4xmen/basemapp/internal/client/session"
	"github.com/4xmen/basemapp/internal/logging"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/pkg/config"
)

type clientOptions struct {
	Email    string
	Password string
	Username string
	ChatID   string
}

func parseClientArgs(args []string) (clientOptions, error) {
	var opts clientOptions
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Email, "email", "", "account email")
	fs.StringVar(&opts.Password, "password", "", "account password")
	fs.StringVar(&opts.Username, "register", "", "create the account with this username first")
	fs.StringVar(&opts.ChatID, "chat", "", "chat to open")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Email == "" || opts.Password == "" {
		return opts, errors.New("--email and --password are required")
	}
	return opts, nil
}

// syncWriter serializes output from the event observer and the input loop.
type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) Printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

type console struct {
	sess *session.Session
	out  *syncWriter
}

func runClient(cfg *config.ClientConfig, in io.Reader, out io.Writer, args []string) error {
	opts, err := parseClientArgs(args)
	if err != nil {
		return err
	}

	overrides, err := contacts.Load(cfg.ContactsPath)
	if err != nil {
		return err
	}

	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)
	sess := session.New(api.NewClient(cfg.BackendURL), session.Options{
		ReconnectDelay:    cfg.ReconnectDelay,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PendingQueueLimit: cfg.PendingQueueLimit,
		Contacts:          overrides,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Username != "" {
		err = sess.Register(ctx, opts.Username, opts.Email, opts.Password)
	} else {
		err = sess.Login(ctx, opts.Email, opts.Password)
	}
	if err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}

	con := &console{sess: sess, out: &syncWriter{out: out}}
	sess.OnEvent(con.printEvent)

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	con.out.Printf("signed in as %s\n", sess.User().Username)
	if opts.ChatID != "" {
		if err := con.handle(ctx, "/open "+opts.ChatID); err != nil {
			con.out.Printf("error: %v\n", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := con.handle(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				con.out.Printf("error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		chatID := c.sess.OpenChatID()
		if chatID == "" {
			return errors.New("no chat open, use /open ID")
		}
		_, err := c.sess.Send(ctx, chatID, line, models.TypeText)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return errQuit
	case "/chats":
		for _, chat := range c.sess.Chats() {
			c.out.Printf("%s  %s%s\n", chat.ID, c.sess.DisplayName(chat.OtherUser), c.summary(chat))
		}
	case "/open":
		if arg == "" {
			return errors.New("usage: /open ID")
		}
		messages, err := c.sess.OpenChat(ctx, arg)
		if err != nil {
			return err
		}
		for i := range messages {
			c.out.Printf("%s\n", c.formatMessage(&messages[i]))
		}
	case "/offline":
		c.sess.SetOnline(ctx, false)
		c.out.Printf("offline, sends are queued\n")
	case "/online":
		result := c.sess.SetOnline(ctx, true)
		c.out.Printf("online: %d delivered, %d dropped, %d pending\n",
			len(result.Delivered), len(result.Dropped), result.Retained)
	case "/pending":
		pending := c.sess.Pending()
		if len(pending) == 0 {
			c.out.Printf("no pending messages\n")
		}
		for _, e := range pending {
			c.out.Printf("%s  %q attempts=%d %s\n", e.ChatID, e.Content, e.Attempts, e.LastError)
		}
	case "/name":
		email, name, _ := strings.Cut(arg, " ")
		if email == "" {
			return errors.New("usage: /name EMAIL [NAME]")
		}
		c.sess.Contacts().Set(email, name)
		return c.sess.Contacts().Save()
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

func (c *console) summary(chat models.Chat) string {
	if chat.LastMessage == nil {
		return ""
	}
	return ": " + chat.LastMessage.Content
}

func (c *console) formatMessage(msg *models.Message) string {
	who := "them"
	if user := c.sess.User(); user != nil && msg.SenderID == user.ID {
		who = "me"
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", msg.Timestamp.Local().Format("15:04"), who, msg.Content, msg.Status)
}

func (c *console) printEvent(ev session.Event) {
	switch ev.Kind {
	case session.MessageAdded:
		if ev.Message != nil && ev.ChatID == c.sess.OpenChatID() {
			c.out.Printf("%s\n", c.formatMessage(ev.Message))
		} else if ev.Message != nil {
			c.out.Printf("new message in %s\n", ev.ChatID)
		}
	case session.MessageRemoved:
		if ev.Err != nil {
			c.out.Printf("message %s not sent: %v\n", ev.MessageID, ev.Err)
		}
	case session.PresenceChanged:
		state := "offline"
		if ev.Online {
			state = "online"
		}
		c.out.Printf("user %s is %s\n", ev.UserID, state)
	case session.ConnectionChanged:
		c.out.Printf("realtime %s\n", ev.State)
	}
}
