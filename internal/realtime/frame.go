// Package realtime carries the JSON frame protocol spoken over the chat socket.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Frame types.
const (
	TypeAuth               = "AUTH"
	TypePing               = "PING"
	TypePong               = "PONG"
	TypeChat               = "CHAT"
	TypeGetUserStatus      = "GET_USER_STATUS"
	TypeUserStatusResponse = "USER_STATUS_RESPONSE"
	TypeSessionClosed      = "SESSION_CLOSED"
	TypeError              = "ERROR"
	TypeConnect            = "CONNECT"
)

// Frame is a single socket message. Only the fields relevant to Type are set.
type Frame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	UserIDs   []int64         `json:"userIds,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	StatusMap map[string]bool `json:"statusMap,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether the server attached an error field to the frame.
func (f Frame) HasError() bool {
	return len(f.Error) > 0 && string(f.Error) != "null"
}

// Auth builds the handshake frame sent right after the socket opens.
func Auth(token string, userID int64) Frame {
	return Frame{Type: TypeAuth, Token: token, UserID: userID}
}

// Ping builds a liveness frame.
func Ping() Frame {
	return Frame{Type: TypePing}
}

// GetUserStatus asks for the presence of userIDs.
func GetUserStatus(userIDs []int64) Frame {
	return Frame{Type: TypeGetUserStatus, UserIDs: userIDs}
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, errors.New("realtime: frame has no type")
	}
	return json.Marshal(f)
}

// Decode parses a frame. A payload without a type is an error.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("realtime: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("realtime: frame has no type")
	}
	return f, nil
}

// BuildURL appends the token and user id query parameters the server expects.
func BuildURL(socketURL, token string, userID int64) (string, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("realtime: socket url scheme %q is not ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("userId", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
