// Package protocol defines the framed binary wire format shared by the
// broker and the client library: a fixed 90-byte little-endian header
// followed by a variable payload.
package protocol

import "fmt"

const (
	// DefaultPort is the broker's listen port when none is configured.
	DefaultPort = 8080

	// MaxUsernameLen and MaxTopicLen are the fixed header field widths.
	// Names occupy at most width-1 bytes; the remainder is NUL padding.
	MaxUsernameLen = 32
	MaxTopicLen    = 32

	// FileChunkSize is the payload size used by senders when streaming
	// file data. Receivers must not assume chunks arrive at this size.
	FileChunkSize = 8192

	// Version is the current protocol version carried in every header.
	Version = 1

	// HeaderSize is the exact wire size of an encoded header.
	HeaderSize = 4 + 4 + 4 + 8 + 1 + 1 + MaxUsernameLen + MaxTopicLen + 4

	// MaxPayloadSize caps a single frame's payload. Anything larger is
	// treated as a framing violation and the connection is torn down.
	MaxPayloadSize = 16 << 20
)

// MsgType identifies the kind of frame. Values outside the known set are
// reserved and must be ignored by receivers without closing the connection.
type MsgType uint32

const (
	MsgLogin           MsgType = 1
	MsgLogout          MsgType = 2
	MsgSubscribe       MsgType = 3
	MsgUnsubscribe     MsgType = 4
	MsgPublishText     MsgType = 5
	MsgPublishFile     MsgType = 6
	MsgFileData        MsgType = 7
	MsgError           MsgType = 8
	MsgAck             MsgType = 9
	MsgUserOnline      MsgType = 10
	MsgUserOffline     MsgType = 11
	MsgUserList        MsgType = 12
	MsgRequestUserList MsgType = 13
	MsgRequestHistory  MsgType = 14
	MsgHistoryData     MsgType = 15
	MsgGroupCreated    MsgType = 16
	MsgGroupList       MsgType = 17
	MsgGame            MsgType = 50
)

// String returns a short name for logging.
func (t MsgType) String() string {
	switch t {
	case MsgLogin:
		return "LOGIN"
	case MsgLogout:
		return "LOGOUT"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgPublishText:
		return "PUBLISH_TEXT"
	case MsgPublishFile:
		return "PUBLISH_FILE"
	case MsgFileData:
		return "FILE_DATA"
	case MsgError:
		return "ERROR"
	case MsgAck:
		return "ACK"
	case MsgUserOnline:
		return "USER_ONLINE"
	case MsgUserOffline:
		return "USER_OFFLINE"
	case MsgUserList:
		return "USER_LIST"
	case MsgRequestUserList:
		return "REQUEST_USER_LIST"
	case MsgRequestHistory:
		return "REQUEST_HISTORY"
	case MsgHistoryData:
		return "HISTORY_DATA"
	case MsgGroupCreated:
		return "GROUP_CREATED"
	case MsgGroupList:
		return "GROUP_LIST"
	case MsgGame:
		return "GAME"
	}
	return fmt.Sprintf("MSG(%d)", uint32(t))
}

// Known reports whether t is one of the defined message types.
func (t MsgType) Known() bool {
	switch t {
	case MsgLogin, MsgLogout, MsgSubscribe, MsgUnsubscribe,
		MsgPublishText, MsgPublishFile, MsgFileData,
		MsgError, MsgAck,
		MsgUserOnline, MsgUserOffline, MsgUserList, MsgRequestUserList,
		MsgRequestHistory, MsgHistoryData,
		MsgGroupCreated, MsgGroupList,
		MsgGame:
		return true
	}
	return false
}
