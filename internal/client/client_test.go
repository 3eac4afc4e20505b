package client_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhpt111/chatc/internal/broker"
	"github.com/linhpt111/chatc/internal/client"
	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/protocol"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	cfg := &config.Config{
		Addr:            "127.0.0.1:0",
		DataDir:         t.TempDir(),
		MaxConnections:  16,
		TransferTimeout: time.Minute,
	}
	b, err := broker.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("broker.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

func dial(t *testing.T, b *broker.Broker, username string, h client.Handlers) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, b.Addr(), username, client.Options{
		Handlers:    h,
		DownloadDir: filepath.Join(t.TempDir(), "downloads"),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Dial %s: %v", username, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitForClients polls until the broker has exactly n sessions; teardown of
// a closed connection completes asynchronously.
func waitForClients(t *testing.T, b *broker.Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().Clients == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", b.Stats().Clients, n)
}

// wait pulls one value off ch or fails the test.
func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestDialRejectsDuplicateUsername(t *testing.T) {
	b := startBroker(t)
	dial(t, b, "alice", client.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, b.Addr(), "alice", client.Options{Logger: zerolog.Nop()})
	if !errors.Is(err, client.ErrUsernameTaken) {
		t.Fatalf("second dial: got %v, want ErrUsernameTaken", err)
	}
}

func TestPresenceCache(t *testing.T) {
	b := startBroker(t)

	statuses := make(chan string, 4)
	alice := dial(t, b, "alice", client.Handlers{
		UserStatus: func(username string, online bool) {
			if online {
				statuses <- username + ":online"
			} else {
				statuses <- username + ":offline"
			}
		},
	})

	lists := make(chan []string, 1)
	bob := dial(t, b, "bob", client.Handlers{
		UserList: func(users []string) { lists <- users },
	})

	if got := wait(t, lists, "user list"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("bob's user list = %v, want [alice]", got)
	}
	if got := wait(t, statuses, "bob online"); got != "bob:online" {
		t.Fatalf("status = %q", got)
	}
	if got := alice.OnlineUsers(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("alice's cache = %v, want [bob]", got)
	}

	bob.Close()
	if got := wait(t, statuses, "bob offline"); got != "bob:offline" {
		t.Fatalf("status = %q", got)
	}
	if got := alice.OnlineUsers(); len(got) != 0 {
		t.Fatalf("alice's cache after logout = %v, want empty", got)
	}
}

func TestDirectMessage(t *testing.T) {
	b := startBroker(t)

	type msg struct{ sender, topic, text string }
	msgs := make(chan msg, 1)
	acks := make(chan string, 4)

	alice := dial(t, b, "alice", client.Handlers{
		Ack: func(m string) { acks <- m },
	})
	dial(t, b, "bob", client.Handlers{
		Message: func(sender, topic, text string) { msgs <- msg{sender, topic, text} },
	})

	if err := alice.SendDirect("bob", "hi"); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	got := wait(t, msgs, "direct message")
	want := msg{"alice", "dm_alice_bob", "hi"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if m := wait(t, acks, "publish ack"); m != "Message published" {
		t.Fatalf("ack = %q", m)
	}
}

func TestGroupLifecycle(t *testing.T) {
	b := startBroker(t)

	type created struct{ name, creator string }
	createdCh := make(chan created, 1)
	groupMsgs := make(chan string, 1)

	alice := dial(t, b, "alice", client.Handlers{})
	bob := dial(t, b, "bob", client.Handlers{
		GroupCreated: func(name, creator string) { createdCh <- created{name, creator} },
		Message:      func(_, _, text string) { groupMsgs <- text },
	})

	if err := alice.Subscribe("lunch"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := wait(t, createdCh, "group created"); got != (created{"lunch", "alice"}) {
		t.Fatalf("group created = %+v", got)
	}

	if err := bob.Subscribe("lunch"); err != nil {
		t.Fatalf("bob Subscribe: %v", err)
	}
	// Brief settle so bob's subscription lands before alice publishes.
	time.Sleep(100 * time.Millisecond)

	if err := alice.SendGroup("lunch", "soup today"); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	if got := wait(t, groupMsgs, "group message"); got != "soup today" {
		t.Fatalf("group message = %q", got)
	}

	// Reconnecting restores membership via the group list.
	alice.Close()
	waitForClients(t, b, 1)
	listCh := make(chan []client.GroupInfo, 1)
	dial(t, b, "alice", client.Handlers{
		GroupList: func(groups []client.GroupInfo) { listCh <- groups },
	})
	got := wait(t, listCh, "group list")
	want := []client.GroupInfo{{Name: "lunch", Member: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("group list = %v, want %v", got, want)
	}
}

func TestFileTransfer(t *testing.T) {
	b := startBroker(t)

	// Chunk-size + 1 bytes forces a two-chunk upload.
	content := bytes.Repeat([]byte("x"), protocol.FileChunkSize+1)
	src := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	type received struct {
		sender, filename, path string
		size                   uint32
	}
	files := make(chan received, 1)
	acks := make(chan string, 4)

	alice := dial(t, b, "alice", client.Handlers{
		Ack: func(m string) { acks <- m },
	})
	dial(t, b, "bob", client.Handlers{
		FileReceived: func(sender, filename string, size uint32, path string) {
			files <- received{sender, filename, path, size}
		},
	})

	if err := alice.SendFileToUser("bob", src); err != nil {
		t.Fatalf("SendFileToUser: %v", err)
	}

	if m := wait(t, acks, "ready ack"); m != "Ready to receive file" {
		t.Fatalf("first ack = %q", m)
	}
	if m := wait(t, acks, "complete ack"); m != "File transfer complete" {
		t.Fatalf("second ack = %q", m)
	}

	got := wait(t, files, "file received")
	if got.sender != "alice" || got.filename != "notes.txt" || got.size != uint32(len(content)) {
		t.Fatalf("received = %+v", got)
	}
	data, err := os.ReadFile(got.path)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("download corrupted: %d bytes, want %d", len(data), len(content))
	}
}

func TestGameRelay(t *testing.T) {
	b := startBroker(t)

	type game struct{ from, payload string }
	games := make(chan game, 1)

	alice := dial(t, b, "alice", client.Handlers{})
	dial(t, b, "bob", client.Handlers{
		Game: func(from, payload string) { games <- game{from, payload} },
	})

	if err := alice.SendGame("bob", `{"move":"e4"}`); err != nil {
		t.Fatalf("SendGame: %v", err)
	}
	if got := wait(t, games, "game frame"); got != (game{"alice", `{"move":"e4"}`}) {
		t.Fatalf("game = %+v", got)
	}
}

func TestHistoryReplay(t *testing.T) {
	b := startBroker(t)

	acks := make(chan string, 4)
	alice := dial(t, b, "alice", client.Handlers{
		Ack: func(m string) { acks <- m },
	})
	dial(t, b, "bob", client.Handlers{})

	if err := alice.SendDirect("bob", "hi"); err != nil {
		t.Fatal(err)
	}
	if m := wait(t, acks, "publish ack"); m != "Message published" {
		t.Fatalf("ack = %q", m)
	}
	alice.Close()
	waitForClients(t, b, 1)

	type hist struct{ sender, topic, text string }
	hists := make(chan hist, 1)
	acks2 := make(chan string, 4)
	again := dial(t, b, "alice", client.Handlers{
		History: func(sender, topic, text string, _ uint64) { hists <- hist{sender, topic, text} },
		Ack:     func(m string) { acks2 <- m },
	})

	if err := again.RequestHistory(protocol.DMTopic("alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if got := wait(t, hists, "history entry"); got != (hist{"alice", "dm_alice_bob", "hi"}) {
		t.Fatalf("history = %+v", got)
	}
	if m := wait(t, acks2, "history ack"); m != "History sent" {
		t.Fatalf("ack = %q", m)
	}
}

func TestDisconnectedCallback(t *testing.T) {
	b := startBroker(t)

	done := make(chan error, 1)
	dial(t, b, "alice", client.Handlers{
		Disconnected: func(err error) { done <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Shutdown(ctx)

	if err := wait(t, done, "disconnect callback"); err == nil {
		t.Fatal("expected a transport error on broker shutdown")
	}
}
