// Package bridge connects a pitstop server that cannot be reached from the
// internet to a public relay (pitstop-bridge) that owns the chat bot.
//
// The agent dials the relay over a websocket, runs yamux on top of it and
// opens one bidirectional gRPC stream. Events travel as structpb.Struct, so
// no generated code is needed on either side.
package bridge

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// EventType names what an Event carries.
type EventType string

// Event types. Both sides open with hello. Afterwards the agent sends and the
// relay delivers link and message events.
const (
	EventHello     EventType = "hello"
	EventSend      EventType = "send"
	EventLink      EventType = "link"
	EventMessage   EventType = "message"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one message on the relay stream.
type Event struct {
	Type      EventType
	Agent     string
	ChatID    string
	Owner     string
	SessionID string
	Text      string
	// Prompt marks a send whose chat message should be remembered for
	// reply correlation.
	Prompt    bool
	Image     []byte
	ImageName string
}

func (e Event) encode() (*structpb.Struct, error) {
	fields := map[string]any{"type": string(e.Type)}
	put := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	put("agent", e.Agent)
	put("chat_id", e.ChatID)
	put("owner", e.Owner)
	put("session_id", e.SessionID)
	put("text", e.Text)
	put("image_name", e.ImageName)
	if e.Prompt {
		fields["prompt"] = true
	}
	if len(e.Image) > 0 {
		fields["image"] = base64.StdEncoding.EncodeToString(e.Image)
	}
	return structpb.NewStruct(fields)
}

func decode(s *structpb.Struct) (Event, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	e := Event{
		Type:      EventType(str("type")),
		Agent:     str("agent"),
		ChatID:    str("chat_id"),
		Owner:     str("owner"),
		SessionID: str("session_id"),
		Text:      str("text"),
		ImageName: str("image_name"),
		Prompt:    f["prompt"].GetBoolValue(),
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	if img := str("image"); img != "" {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return Event{}, fmt.Errorf("event image: %w", err)
		}
		e.Image = data
	}
	return e, nil
}
