// pattern: Functional Core

package bridge

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"tmuxdeck/internal/tmux"
)

// Control frame types exchanged with agents. Text frames are JSON with a
// discriminating "type" field; binary frames carry a 2-byte big-endian
// channel id followed by raw pane bytes.
const (
	typeAuth          = "auth"
	typeAuthOK        = "auth_ok"
	typeAuthError     = "auth_error"
	typeSessionReport = "session_report"
	typeOp            = "op"
	typeOpResult      = "op_result"
	typeOpenStream    = "open_stream"
	typeStreamOpened  = "stream_opened"
	typeCloseStream   = "close_stream"
	typeResize        = "resize"
	typeLog           = "log"
	typePing          = "ping"
	typePong          = "pong"
)

// authFrame is the first text frame an agent sends after connecting.
type authFrame struct {
	Auth string `json:"auth"`
	Name string `json:"name,omitempty"`
}

// controlFrame is the superset of all control message fields. Decoding
// into one struct keeps the dispatch switch flat.
type controlFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	ChannelID uint16          `json:"channelId,omitempty"`
	Args      []string        `json:"args,omitempty"`
	Target    *streamTarget   `json:"target,omitempty"`
	Cols      uint16          `json:"cols,omitempty"`
	Rows      uint16          `json:"rows,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Value     string          `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Sessions  json.RawMessage `json:"sessions,omitempty"`
}

// streamTarget names the pane an open_stream request binds to.
type streamTarget struct {
	Session string `json:"session"`
	Window  int    `json:"window"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// reportedSession is the shape agents use in session_report frames.
type reportedSession struct {
	Name     string        `json:"session"`
	Attached bool          `json:"attached"`
	Windows  []tmux.Window `json:"windows"`
}

// decodeReport converts a session_report payload into adapter sessions
// for the given synthesized container id.
func decodeReport(containerID string, raw json.RawMessage) ([]tmux.Session, error) {
	var reported []reportedSession
	if err := json.Unmarshal(raw, &reported); err != nil {
		return nil, fmt.Errorf("session_report: %w", err)
	}

	sessions := make([]tmux.Session, 0, len(reported))
	for _, r := range reported {
		if r.Name == "" {
			continue
		}
		windows := r.Windows
		if windows == nil {
			windows = []tmux.Window{}
		}
		sessions = append(sessions, tmux.Session{
			ID:          tmux.SessionID(containerID, r.Name),
			Name:        r.Name,
			ContainerID: containerID,
			Attached:    r.Attached,
			Windows:     windows,
		})
	}
	return sessions, nil
}

// encodeBinary prefixes payload with the channel id. Channel 0 is
// reserved and never encoded.
func encodeBinary(channelID uint16, payload []byte) []byte {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], channelID)
	copy(frame[2:], payload)
	return frame
}

// decodeBinary splits a binary frame into channel id and payload.
func decodeBinary(frame []byte) (uint16, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}
	id := binary.BigEndian.Uint16(frame[:2])
	if id == 0 {
		return 0, nil, fmt.Errorf("binary frame on reserved channel 0")
	}
	return id, frame[2:], nil
}

// HashToken returns the persisted form of a bridge token. Bridge tokens
// are high-entropy random strings, so an unsalted digest suffices.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
