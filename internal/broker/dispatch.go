package broker

import (
	"strings"

	"github.com/linhpt111/chatc/internal/bridge"
	"github.com/linhpt111/chatc/internal/protocol"
	"github.com/linhpt111/chatc/internal/store"
)

// historyLimit is how many messages REQUEST_HISTORY returns, newest last.
const historyLimit = 50

// dispatch routes one inbound frame. The whole handler runs under
// dispatchMu so every registry mutation and outbound write triggered by
// this frame completes before any other frame is processed.
func (b *Broker) dispatch(s *session, f *protocol.Frame) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	framesReceived.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case protocol.MsgLogin:
		b.handleLogin(s, f)
	case protocol.MsgSubscribe:
		b.handleSubscribe(s, f)
	case protocol.MsgUnsubscribe:
		b.handleUnsubscribe(s, f)
	case protocol.MsgPublishText:
		b.handlePublishText(s, f)
	case protocol.MsgPublishFile:
		b.handlePublishFile(s, f)
	case protocol.MsgFileData:
		b.handleFileData(s, f)
	case protocol.MsgRequestUserList:
		b.handleRequestUserList(s)
	case protocol.MsgRequestHistory:
		b.handleRequestHistory(s, f)
	case protocol.MsgGame:
		b.handleGame(s, f)
	default:
		// Unknown or server-only types are ignored without closing.
		b.logger.Debug().
			Uint32("type", uint32(f.Type)).
			Str("remote", s.remote).
			Msg("Ignoring unexpected frame type")
	}
}

// teardown runs the disconnect path exactly once per session: unbind the
// username, strip subscriptions, mark offline, broadcast USER_OFFLINE,
// close the socket.
func (b *Broker) teardown(s *session) {
	s.torn.Do(func() {
		b.dispatchMu.Lock()
		defer b.dispatchMu.Unlock()

		username := b.clients.remove(s)
		if username != "" {
			b.topics.removeUserEverywhere(username)
			if err := b.store.SetUserOnline(username, false); err != nil {
				b.logger.Error().Err(err).Str("username", username).Msg("Failed to mark user offline")
			}
			b.logger.Info().Str("username", username).Msg("User disconnected")
			b.broadcastUserStatus(username, false)
			if b.events != nil {
				b.events.PublishPresence(username, false)
			}
		}
		s.conn.Close()
	})
}

func (b *Broker) handleLogin(s *session, f *protocol.Frame) {
	username := f.Sender

	if err := b.clients.add(username, s); err != nil {
		b.logger.Warn().Str("username", username).Str("remote", s.remote).Msg("Login refused: username taken")
		b.sendError(s, "Username already taken")
		return
	}
	b.logger.Info().Str("username", username).Str("remote", s.remote).Msg("User logged in")

	if err := b.store.SaveUser(username); err != nil {
		b.logger.Error().Err(err).Str("username", username).Msg("Failed to persist user")
	}
	if err := b.store.SetUserOnline(username, true); err != nil {
		b.logger.Error().Err(err).Str("username", username).Msg("Failed to mark user online")
	}

	b.sendAck(s, "Login successful")
	b.broadcastUserStatus(username, true)
	b.sendUserList(s, username)
	b.sendGroupListAndSubscribe(s, username)

	if b.events != nil {
		b.events.PublishPresence(username, true)
	}
}

func (b *Broker) handleSubscribe(s *session, f *protocol.Frame) {
	username := b.clients.nameOf(s)
	if username == "" {
		b.logger.Debug().Str("remote", s.remote).Msg("Ignoring SUBSCRIBE before login")
		return
	}
	topic := f.Topic

	b.topics.subscribe(topic, username)
	b.logger.Info().Str("username", username).Str("topic", topic).Msg("Subscribed")

	if !protocol.IsDMTopic(topic) {
		isNew, err := b.store.SaveGroup(topic, username)
		if err != nil {
			b.logger.Error().Err(err).Str("group", topic).Msg("Failed to persist group")
		}
		if err := b.store.AddGroupMember(topic, username); err != nil {
			b.logger.Error().Err(err).Str("group", topic).Msg("Failed to persist group member")
		}
		if isNew {
			b.broadcastNewGroup(topic, username)
			if b.events != nil {
				b.events.PublishGroupCreated(topic, username)
			}
		}
	}

	b.sendAck(s, "Subscribed to "+topic)
}

func (b *Broker) handleUnsubscribe(s *session, f *protocol.Frame) {
	username := b.clients.nameOf(s)
	if username == "" {
		b.logger.Debug().Str("remote", s.remote).Msg("Ignoring UNSUBSCRIBE before login")
		return
	}
	topic := f.Topic

	b.topics.unsubscribe(topic, username)
	if !protocol.IsDMTopic(topic) {
		if err := b.store.RemoveGroupMember(topic, username); err != nil {
			b.logger.Error().Err(err).Str("group", topic).Msg("Failed to remove group member")
		}
	}
	b.logger.Info().Str("username", username).Str("topic", topic).Msg("Unsubscribed")
	b.sendAck(s, "Unsubscribed from "+topic)
}

func (b *Broker) handlePublishText(s *session, f *protocol.Frame) {
	topic := f.Topic
	sender := f.Sender
	content := string(f.Payload)

	b.logger.Debug().Str("sender", sender).Str("topic", topic).Msg("Publish text")

	var id uint32
	var err error
	isGroup := !protocol.IsDMTopic(topic)
	if isGroup {
		id, err = b.store.AppendMessage(sender, topic, content, true, false, "")
	} else {
		id, err = b.store.AppendMessage(sender, protocol.DMPeer(topic, sender), content, false, false, "")
	}
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to persist message")
	} else {
		messagesPersisted.Inc()
	}

	b.fanout(topic, sender, f)

	if b.events != nil {
		b.events.PublishMessage(bridge.MessageEvent{
			ID:        id,
			Sender:    sender,
			Topic:     topic,
			Content:   content,
			Timestamp: f.Timestamp,
			IsGroup:   isGroup,
		})
	}

	b.sendAck(s, "Message published")
}

func (b *Broker) handlePublishFile(s *session, f *protocol.Frame) {
	topic := f.Topic
	sender := f.Sender

	meta, err := protocol.ParseFileMeta(f.Payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("sender", sender).Msg("Rejected file publish")
		b.sendError(s, "Invalid file metadata")
		return
	}

	b.logger.Info().
		Str("sender", sender).
		Str("topic", topic).
		Str("filename", meta.Name).
		Uint32("size", meta.Size).
		Uint32("message_id", f.MessageID).
		Msg("File transfer starting")

	if replaced := b.transfers.open(f.MessageID, meta.Name, meta.Size, sender, topic); replaced {
		b.logger.Warn().Uint32("message_id", f.MessageID).Msg("Replaced active transfer with same message id")
	}
	transfersActive.Set(float64(b.transfers.count()))

	isGroup := !protocol.IsDMTopic(topic)
	recipient := topic
	if !isGroup {
		recipient = protocol.DMPeer(topic, sender)
	}
	id, err := b.store.AppendMessage(sender, recipient, "[FILE] "+meta.Name, isGroup, true, meta.Name)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to persist file message")
	} else {
		messagesPersisted.Inc()
	}

	b.fanout(topic, sender, f)

	if b.events != nil {
		b.events.PublishMessage(bridge.MessageEvent{
			ID:        id,
			Sender:    sender,
			Topic:     topic,
			Timestamp: f.Timestamp,
			IsGroup:   isGroup,
			IsFile:    true,
			Filename:  meta.Name,
		})
	}

	b.sendAck(s, "Ready to receive file")
}

func (b *Broker) handleFileData(s *session, f *protocol.Frame) {
	sender, topic, ok := b.transfers.lookup(f.MessageID)
	if !ok {
		b.sendError(s, "No active file transfer")
		return
	}

	complete, _ := b.transfers.append(f.MessageID, uint32(len(f.Payload)))
	b.logger.Debug().
		Uint32("message_id", f.MessageID).
		Int("chunk_bytes", len(f.Payload)).
		Float64("progress", b.transfers.progress(f.MessageID)).
		Msg("File chunk relayed")

	// Recipients come from the transfer opened by PUBLISH_FILE, not from
	// this frame's topic field.
	b.fanout(topic, sender, f)

	if complete {
		b.transfers.drop(f.MessageID)
		transfersActive.Set(float64(b.transfers.count()))
		b.logger.Info().Uint32("message_id", f.MessageID).Msg("File transfer complete")
		b.sendAck(s, "File transfer complete")
	}
}

func (b *Broker) handleRequestUserList(s *session) {
	username := b.clients.nameOf(s)
	if username == "" {
		b.logger.Debug().Str("remote", s.remote).Msg("Ignoring user list request before login")
		return
	}
	b.sendUserList(s, username)
}

func (b *Broker) handleRequestHistory(s *session, f *protocol.Frame) {
	username := b.clients.nameOf(s)
	if username == "" {
		b.logger.Debug().Str("remote", s.remote).Msg("Ignoring history request before login")
		return
	}
	topic := f.Topic

	var history []store.Message
	var err error
	if protocol.IsDMTopic(topic) {
		history, err = b.store.DirectHistory(username, protocol.DMPeer(topic, username), historyLimit)
	} else {
		history, err = b.store.GroupHistory(topic, historyLimit)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to read history")
	}

	for i := range history {
		msg := &history[i]
		content := msg.Content
		if msg.IsFile {
			content = "[FILE] " + msg.Filename
		}
		b.sendTo(s, &protocol.Frame{
			Type:      protocol.MsgHistoryData,
			Timestamp: msg.Timestamp,
			Version:   protocol.Version,
			Sender:    msg.Sender,
			Topic:     topic,
			Payload:   []byte(content),
		})
	}
	b.logger.Debug().Str("username", username).Str("topic", topic).Int("messages", len(history)).Msg("History sent")
	b.sendAck(s, "History sent")
}

// handleGame relays an opaque frame to the user named in the topic field.
// No persistence, no ACK.
func (b *Broker) handleGame(s *session, f *protocol.Frame) {
	recipient := f.Topic
	b.logger.Debug().Str("sender", f.Sender).Str("recipient", recipient).Msg("Game frame")
	b.forward(recipient, f)
}

// fanout forwards f to the peers of topic, excluding sender: the single DM
// peer for dm_ topics, every subscriber otherwise. Missing peers are
// skipped silently.
func (b *Broker) fanout(topic, sender string, f *protocol.Frame) {
	if protocol.IsDMTopic(topic) {
		if peer := protocol.DMPeer(topic, sender); peer != "" {
			b.forward(peer, f)
		}
		return
	}
	for _, sub := range b.topics.subscribers(topic) {
		if sub != sender {
			b.forward(sub, f)
		}
	}
}

// forward writes f to username's session if connected. Returns false when
// the user is offline or the write failed.
func (b *Broker) forward(username string, f *protocol.Frame) bool {
	peer, ok := b.clients.get(username)
	if !ok {
		return false
	}
	if err := peer.send(f); err != nil {
		forwardFailures.Inc()
		b.logger.Warn().Err(err).Str("username", username).Msg("Forward failed")
		return false
	}
	framesForwarded.Inc()
	bytesRelayed.Add(float64(len(f.Payload)))
	return true
}

// broadcastUserStatus sends USER_ONLINE / USER_OFFLINE to every connected
// client except the user themselves.
func (b *Broker) broadcastUserStatus(username string, online bool) {
	t := protocol.MsgUserOffline
	if online {
		t = protocol.MsgUserOnline
	}
	f := &protocol.Frame{
		Type:      t,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Sender:    username,
		Payload:   []byte(username),
	}
	for name := range b.clients.snapshot() {
		if name != username {
			b.forward(name, f)
		}
	}
}

// broadcastNewGroup announces a freshly created group to every connected
// client, the creator included.
func (b *Broker) broadcastNewGroup(name, creator string) {
	f := &protocol.Frame{
		Type:      protocol.MsgGroupCreated,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Sender:    creator,
		Topic:     name,
		Payload:   []byte(name),
	}
	for member := range b.clients.snapshot() {
		b.forward(member, f)
	}
	b.logger.Info().Str("group", name).Str("creator", creator).Msg("Group created")
}

// sendUserList sends the semicolon-joined online usernames, excluding the
// recipient.
func (b *Broker) sendUserList(s *session, username string) {
	var names []string
	for name := range b.clients.snapshot() {
		if name != username {
			names = append(names, name)
		}
	}
	b.sendTo(s, &protocol.Frame{
		Type:      protocol.MsgUserList,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Payload:   []byte(strings.Join(names, ";")),
	})
}

// sendGroupListAndSubscribe sends every persisted group as `name:0|1` pairs
// (1 meaning the user is a member) and re-subscribes the user to the groups
// they belong to.
func (b *Broker) sendGroupListAndSubscribe(s *session, username string) {
	memberships, err := b.store.GroupsWithMembership(username)
	if err != nil {
		b.logger.Error().Err(err).Str("username", username).Msg("Failed to read group memberships")
		return
	}

	entries := make([]string, 0, len(memberships))
	for _, m := range memberships {
		flag := "0"
		if m.Member {
			flag = "1"
			b.topics.subscribe(m.Group, username)
			b.logger.Debug().Str("username", username).Str("group", m.Group).Msg("Auto-subscribed")
		}
		entries = append(entries, m.Group+":"+flag)
	}

	b.sendTo(s, &protocol.Frame{
		Type:      protocol.MsgGroupList,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Payload:   []byte(strings.Join(entries, ";")),
	})
}

func (b *Broker) sendAck(s *session, message string) {
	b.sendTo(s, &protocol.Frame{
		Type:      protocol.MsgAck,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Payload:   []byte(message),
	})
}

func (b *Broker) sendError(s *session, message string) {
	b.sendTo(s, &protocol.Frame{
		Type:      protocol.MsgError,
		Timestamp: b.now(),
		Version:   protocol.Version,
		Payload:   []byte(message),
	})
}

func (b *Broker) sendTo(s *session, f *protocol.Frame) {
	if err := s.send(f); err != nil {
		forwardFailures.Inc()
		b.logger.Warn().Err(err).Str("remote", s.remote).Msg("Write failed")
	}
}
