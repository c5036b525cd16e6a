package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/client/contacts"
	"github.com/4xmen/basemapp/internal/client/session"
)

func TestParseClientArgs(t *testing.T) {
	opts, err := parseClientArgs([]string{"--email", "a@example.com", "--password", "pw", "--chat", "c1"})
	if err != nil {
		t.Fatalf("parseClientArgs: %v", err)
	}
	if opts.Email != "a@example.com" || opts.Password != "pw" || opts.ChatID != "c1" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := parseClientArgs([]string{"--email", "a@example.com"}); err == nil {
		t.Fatal("expected error without password")
	}
	if _, err := parseClientArgs([]string{"--bogus"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	sess := session.New(api.NewClient("http://127.0.0.1:1"), session.Options{
		Contacts: contacts.New(filepath.Join(t.TempDir(), "contacts.json")),
		Logger:   zerolog.Nop(),
	})
	var buf bytes.Buffer
	return &console{sess: sess, out: &syncWriter{out: &buf}}, &buf
}

func TestConsoleCommands(t *testing.T) {
	con, buf := newTestConsole(t)
	ctx := context.Background()

	if err := con.handle(ctx, "/quit"); !errors.Is(err, errQuit) {
		t.Fatalf("/quit err = %v", err)
	}
	if err := con.handle(ctx, "/bogus"); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if err := con.handle(ctx, "hello"); err == nil || !strings.Contains(err.Error(), "no chat open") {
		t.Fatalf("text without chat err = %v", err)
	}
	if err := con.handle(ctx, "/open"); err == nil {
		t.Fatal("expected usage error for /open")
	}

	if err := con.handle(ctx, "/pending"); err != nil {
		t.Fatalf("/pending: %v", err)
	}
	if !strings.Contains(buf.String(), "no pending messages") {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	if err := con.handle(ctx, "/name bob@example.com Bobby"); err != nil {
		t.Fatalf("/name: %v", err)
	}
	if got, _ := con.sess.Contacts().Get("bob@example.com"); got != "Bobby" {
		t.Fatalf("override = %q", got)
	}
}
