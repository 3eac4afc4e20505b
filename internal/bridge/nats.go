// Package bridge mirrors broker events onto a NATS bus for external
// consumers (dashboards, archivers). The mirror is strictly one-way and
// best-effort: publish failures are logged and never affect dispatch.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectMessages = "chatc.messages."
	subjectPresence = "chatc.presence"
	subjectGroups   = "chatc.groups"
)

// MessageEvent is the JSON shape published per persisted chat message.
type MessageEvent struct {
	ID        uint32 `json:"id"`
	Sender    string `json:"sender"`
	Topic     string `json:"topic"`
	Content   string `json:"content"`
	Timestamp uint64 `json:"timestamp"`
	IsGroup   bool   `json:"isGroup"`
	IsFile    bool   `json:"isFile"`
	Filename  string `json:"filename,omitempty"`
}

// PresenceEvent is published on every user online/offline transition.
type PresenceEvent struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// GroupEvent is published when a new group is created.
type GroupEvent struct {
	Name    string `json:"name"`
	Creator string `json:"creator"`
}

// Bridge wraps one NATS connection.
type Bridge struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials the NATS server. The connection reconnects forever in the
// background; a failed initial dial is returned to the caller so startup
// can decide whether the mirror is mandatory.
func Connect(url string, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "nats_bridge").Logger()
	nc, err := nats.Connect(url,
		nats.Name("chatc-broker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("NATS bridge connected")
	return &Bridge{nc: nc, log: log}, nil
}

// PublishMessage mirrors one persisted chat message onto
// chatc.messages.<topic>.
func (b *Bridge) PublishMessage(ev MessageEvent) {
	b.publish(subjectMessages+ev.Topic, ev)
}

// PublishPresence mirrors a presence transition.
func (b *Bridge) PublishPresence(username string, online bool) {
	b.publish(subjectPresence, PresenceEvent{Username: username, Online: online})
}

// PublishGroupCreated mirrors a group creation.
func (b *Bridge) PublishGroupCreated(name, creator string) {
	b.publish(subjectGroups, GroupEvent{Name: name, Creator: creator})
}

func (b *Bridge) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("subject", subject).Msg("Failed to encode bridge event")
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish bridge event")
	}
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
