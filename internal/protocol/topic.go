package protocol

import "strings"

// Topics come in two kinds: direct-message topics named "dm_<a>_<b>" with
// the participants in lexicographic order, and group topics (any other
// name). The prefix is the only discriminator on the wire.

const dmPrefix = "dm_"

// DMTopic builds the canonical direct-message topic for two users. The
// result is identical regardless of argument order.
func DMTopic(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return dmPrefix + a + "_" + b
}

// IsDMTopic reports whether topic names a direct-message conversation.
func IsDMTopic(topic string) bool {
	return len(topic) > len(dmPrefix) && strings.HasPrefix(topic, dmPrefix)
}

// DMPeer resolves the participant of a DM topic that is not sender. It
// returns "" if topic is not a well-formed DM topic.
func DMPeer(topic, sender string) string {
	if !IsDMTopic(topic) {
		return ""
	}
	rest := topic[len(dmPrefix):]
	i := strings.IndexByte(rest, '_')
	if i < 0 {
		return ""
	}
	a, b := rest[:i], rest[i+1:]
	if a == sender {
		return b
	}
	return a
}
