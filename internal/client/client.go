// Package client is the Go library for talking to the chat broker: it owns
// the connection, a background reader that fires callbacks, outbound message
// id allocation, and file upload/download plumbing.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhpt111/chatc/internal/protocol"
)

// ErrUsernameTaken is returned by Dial when the broker refuses the login.
var ErrUsernameTaken = errors.New("client: username already taken")

// ErrClosed is returned by send operations after Close.
var ErrClosed = errors.New("client: connection closed")

// GroupInfo is one entry of the broker's group list.
type GroupInfo struct {
	Name   string
	Member bool
}

// Handlers are the application callbacks. All of them are optional and are
// invoked from the single reader goroutine, so they must not block for long
// and need no locking among themselves.
type Handlers struct {
	Message      func(sender, topic, text string)
	FileReceived func(sender, filename string, size uint32, path string)
	UserStatus   func(username string, online bool)
	UserList     func(users []string)
	History      func(sender, topic, text string, timestamp uint64)
	GroupCreated func(name, creator string)
	GroupList    func(groups []GroupInfo)
	Game         func(from, payload string)
	Ack          func(message string)
	Error        func(message string)
	Disconnected func(err error)
}

// Options configures Dial.
type Options struct {
	Handlers Handlers

	// DownloadDir is where incoming files are written. Defaults to
	// "downloads"; created on first incoming file.
	DownloadDir string

	Logger zerolog.Logger
}

// download is one incoming file being assembled on disk.
type download struct {
	filename string
	size     uint32
	received uint32
	sender   string
	path     string
	file     *os.File
}

// Client is one logged-in connection to the broker.
type Client struct {
	conn     net.Conn
	username string
	handlers Handlers
	dir      string
	log      zerolog.Logger

	writeMu sync.Mutex // serializes outbound frames

	seq   uint32 // atomic
	nonce uint32

	onlineMu sync.Mutex
	online   map[string]struct{}

	downloads map[uint32]*download // touched only by the reader goroutine

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial connects, logs in as username, and confirms the login before
// returning. A broker-side name conflict surfaces as ErrUsernameTaken; the
// reader goroutine is running once Dial returns nil.
func Dial(ctx context.Context, addr, username string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:      conn,
		username:  protocol.TruncateName(username),
		handlers:  opts.Handlers,
		dir:       opts.DownloadDir,
		log:       opts.Logger,
		nonce:     rand.Uint32(),
		online:    make(map[string]struct{}),
		downloads: make(map[uint32]*download),
		closed:    make(chan struct{}),
	}
	if c.dir == "" {
		c.dir = "downloads"
	}

	if err := c.writeFrame(&protocol.Frame{
		Type:      protocol.MsgLogin,
		Version:   protocol.Version,
		Timestamp: uint64(time.Now().Unix()),
		Sender:    c.username,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send login: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	reply, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read login reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case protocol.MsgAck:
	case protocol.MsgError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, reply.Payload)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected login reply type %s", reply.Type)
	}

	c.log.Debug().Str("username", c.username).Str("addr", addr).Msg("Logged in")

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Username returns the name this client logged in with (after truncation to
// the wire field width).
func (c *Client) Username() string { return c.username }

// Close sends LOGOUT best-effort and tears down the connection. Safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeFrame(&protocol.Frame{
			Type:    protocol.MsgLogout,
			Version: protocol.Version,
			Sender:  c.username,
		})
		close(c.closed)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// OnlineUsers returns a sorted snapshot of the presence cache, maintained
// from USER_LIST, USER_ONLINE and USER_OFFLINE frames.
func (c *Client) OnlineUsers() []string {
	c.onlineMu.Lock()
	defer c.onlineMu.Unlock()
	out := make([]string, 0, len(c.online))
	for name := range c.online {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribe joins a topic; for group topics the broker also records
// persistent membership.
func (c *Client) Subscribe(topic string) error {
	return c.writeFrame(&protocol.Frame{
		Type:    protocol.MsgSubscribe,
		Version: protocol.Version,
		Sender:  c.username,
		Topic:   topic,
	})
}

// Unsubscribe leaves a topic.
func (c *Client) Unsubscribe(topic string) error {
	return c.writeFrame(&protocol.Frame{
		Type:    protocol.MsgUnsubscribe,
		Version: protocol.Version,
		Sender:  c.username,
		Topic:   topic,
	})
}

// SendDirect sends a text message to one user.
func (c *Client) SendDirect(recipient, text string) error {
	return c.publishText(protocol.DMTopic(c.username, recipient), text)
}

// SendGroup sends a text message to a group.
func (c *Client) SendGroup(group, text string) error {
	return c.publishText(group, text)
}

// SendGame sends an opaque payload to one user; the broker relays it
// without persistence or acknowledgment.
func (c *Client) SendGame(recipient, payload string) error {
	return c.writeFrame(&protocol.Frame{
		Type:      protocol.MsgGame,
		MessageID: c.nextMessageID(),
		Version:   protocol.Version,
		Timestamp: uint64(time.Now().Unix()),
		Sender:    c.username,
		Topic:     recipient,
		Payload:   []byte(payload),
	})
}

// RequestUserList asks for the current online users; the reply arrives via
// the UserList handler.
func (c *Client) RequestUserList() error {
	return c.writeFrame(&protocol.Frame{
		Type:    protocol.MsgRequestUserList,
		Version: protocol.Version,
		Sender:  c.username,
	})
}

// RequestHistory asks for the last stored messages of a topic; use
// protocol.DMTopic to build direct-message topics. Replies stream through
// the History handler, terminated by an Ack.
func (c *Client) RequestHistory(topic string) error {
	return c.writeFrame(&protocol.Frame{
		Type:    protocol.MsgRequestHistory,
		Version: protocol.Version,
		Sender:  c.username,
		Topic:   topic,
	})
}

// SendFileToUser uploads a file to one user.
func (c *Client) SendFileToUser(recipient, path string) error {
	return c.sendFile(protocol.DMTopic(c.username, recipient), path)
}

// SendFileToGroup uploads a file to a group.
func (c *Client) SendFileToGroup(group, path string) error {
	return c.sendFile(group, path)
}

func (c *Client) publishText(topic, text string) error {
	return c.writeFrame(&protocol.Frame{
		Type:      protocol.MsgPublishText,
		MessageID: c.nextMessageID(),
		Version:   protocol.Version,
		Timestamp: uint64(time.Now().Unix()),
		Sender:    c.username,
		Topic:     topic,
		Payload:   []byte(text),
	})
}

// sendFile streams path as one PUBLISH_FILE frame followed by fixed-size
// FILE_DATA chunks sharing its message id. A short pause between chunks
// keeps a large upload from starving other traffic on the connection.
func (c *Client) sendFile(topic, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	size := uint32(info.Size())
	filename := filepath.Base(path)
	id := c.nextMessageID()

	meta := protocol.FileMeta{Name: filename, Size: size}
	if err := c.writeFrame(&protocol.Frame{
		Type:      protocol.MsgPublishFile,
		MessageID: id,
		Version:   protocol.Version,
		Timestamp: uint64(time.Now().Unix()),
		Sender:    c.username,
		Topic:     topic,
		Payload:   meta.Encode(),
	}); err != nil {
		return err
	}

	buf := make([]byte, protocol.FileChunkSize)
	var sent uint32
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			if err := c.writeFrame(&protocol.Frame{
				Type:      protocol.MsgFileData,
				MessageID: id,
				Version:   protocol.Version,
				Sender:    c.username,
				Topic:     topic,
				Payload:   buf[:n],
			}); err != nil {
				return err
			}
			sent += uint32(n)
			time.Sleep(time.Millisecond)
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}

	c.log.Debug().
		Str("filename", filename).
		Uint32("bytes", sent).
		Str("topic", topic).
		Msg("File upload finished")
	return nil
}

// nextMessageID allocates ids unique within this client: a monotonic
// counter XORed with a per-connection nonce so concurrent clients rarely
// collide on the broker's transfer table.
func (c *Client) nextMessageID() uint32 {
	return atomic.AddUint32(&c.seq, 1) ^ c.nonce
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, f)
}

// readLoop consumes frames until the connection drops, dispatching to the
// handlers. It is the only goroutine touching the download table.
func (c *Client) readLoop() {
	defer c.wg.Done()

	var loopErr error
	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				loopErr = err
			}
			break
		}
		c.handle(f)
	}

	c.abortDownloads()
	if c.handlers.Disconnected != nil {
		c.handlers.Disconnected(loopErr)
	}
}

func (c *Client) handle(f *protocol.Frame) {
	switch f.Type {
	case protocol.MsgPublishText:
		if c.handlers.Message != nil {
			c.handlers.Message(f.Sender, f.Topic, string(f.Payload))
		}
	case protocol.MsgPublishFile:
		c.startDownload(f)
	case protocol.MsgFileData:
		c.appendDownload(f)
	case protocol.MsgUserOnline:
		c.setOnline(string(f.Payload), true)
	case protocol.MsgUserOffline:
		c.setOnline(string(f.Payload), false)
	case protocol.MsgUserList:
		c.replaceOnline(string(f.Payload))
	case protocol.MsgHistoryData:
		if c.handlers.History != nil {
			c.handlers.History(f.Sender, f.Topic, string(f.Payload), f.Timestamp)
		}
	case protocol.MsgGroupCreated:
		if c.handlers.GroupCreated != nil {
			c.handlers.GroupCreated(f.Topic, f.Sender)
		}
	case protocol.MsgGroupList:
		if c.handlers.GroupList != nil {
			c.handlers.GroupList(parseGroupList(string(f.Payload)))
		}
	case protocol.MsgGame:
		if c.handlers.Game != nil {
			c.handlers.Game(f.Sender, string(f.Payload))
		}
	case protocol.MsgAck:
		if c.handlers.Ack != nil {
			c.handlers.Ack(string(f.Payload))
		}
	case protocol.MsgError:
		if c.handlers.Error != nil {
			c.handlers.Error(string(f.Payload))
		}
	default:
		c.log.Debug().Uint32("type", uint32(f.Type)).Msg("Ignoring unexpected frame type")
	}
}

func (c *Client) setOnline(username string, online bool) {
	c.onlineMu.Lock()
	if online {
		c.online[username] = struct{}{}
	} else {
		delete(c.online, username)
	}
	c.onlineMu.Unlock()
	if c.handlers.UserStatus != nil {
		c.handlers.UserStatus(username, online)
	}
}

func (c *Client) replaceOnline(payload string) {
	users := splitList(payload)
	c.onlineMu.Lock()
	c.online = make(map[string]struct{}, len(users))
	for _, u := range users {
		c.online[u] = struct{}{}
	}
	c.onlineMu.Unlock()
	if c.handlers.UserList != nil {
		c.handlers.UserList(users)
	}
}

// startDownload opens the destination file for an announced incoming
// transfer. The same message id replacing a live download aborts the old
// one first.
func (c *Client) startDownload(f *protocol.Frame) {
	meta, err := protocol.ParseFileMeta(f.Payload)
	if err != nil {
		c.log.Warn().Err(err).Str("sender", f.Sender).Msg("Malformed file announcement")
		return
	}
	if old, ok := c.downloads[f.MessageID]; ok {
		old.file.Close()
		os.Remove(old.path)
		delete(c.downloads, f.MessageID)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Error().Err(err).Str("dir", c.dir).Msg("Failed to create download directory")
		return
	}
	// Strip any path components a hostile sender may have embedded.
	path := filepath.Join(c.dir, filepath.Base(meta.Name))
	file, err := os.Create(path)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Failed to create download file")
		return
	}

	c.downloads[f.MessageID] = &download{
		filename: meta.Name,
		size:     meta.Size,
		sender:   f.Sender,
		path:     path,
		file:     file,
	}
	c.log.Info().
		Str("filename", meta.Name).
		Uint32("size", meta.Size).
		Str("sender", f.Sender).
		Msg("Receiving file")

	if meta.Size == 0 {
		c.finishDownload(f.MessageID)
	}
}

func (c *Client) appendDownload(f *protocol.Frame) {
	d, ok := c.downloads[f.MessageID]
	if !ok {
		c.log.Warn().Uint32("message_id", f.MessageID).Msg("Chunk for unknown file transfer")
		return
	}
	if _, err := d.file.Write(f.Payload); err != nil {
		c.log.Error().Err(err).Str("path", d.path).Msg("Failed to write download chunk")
		d.file.Close()
		os.Remove(d.path)
		delete(c.downloads, f.MessageID)
		return
	}
	d.received += uint32(len(f.Payload))
	if d.received >= d.size {
		c.finishDownload(f.MessageID)
	}
}

func (c *Client) finishDownload(id uint32) {
	d := c.downloads[id]
	d.file.Close()
	delete(c.downloads, id)
	c.log.Info().Str("filename", d.filename).Str("path", d.path).Msg("Download complete")
	if c.handlers.FileReceived != nil {
		c.handlers.FileReceived(d.sender, d.filename, d.size, d.path)
	}
}

// abortDownloads discards partial files when the connection drops.
func (c *Client) abortDownloads() {
	for id, d := range c.downloads {
		d.file.Close()
		os.Remove(d.path)
		delete(c.downloads, id)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}

// parseGroupList decodes the broker's `name:0|1;name:0|1` group list form.
func parseGroupList(s string) []GroupInfo {
	var out []GroupInfo
	for _, entry := range splitList(s) {
		name, flag, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		out = append(out, GroupInfo{Name: name, Member: flag == "1"})
	}
	return out
}
