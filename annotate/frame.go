package annotate

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// internal frame types
	MessageTypeHeartbeat           = "HEARTBEAT"
	MessageTypeConnectionConfirmed = "CONNECTION_CONFIRMED"

	// event frame types forwarded to the owner
	MessageTypeHighlightCreated = "highlight:created"
	MessageTypeHighlightDeleted = "highlight:deleted"
	MessageTypeCommentCreated   = "comment:created"
	MessageTypeCommentUpdated   = "comment:updated"
	MessageTypeCommentDeleted   = "comment:deleted"
	MessageTypePresenceJoin     = "presence:join"
	MessageTypePresenceLeave    = "presence:leave"
	MessageTypePresenceTyping   = "presence:typing"
)

// Frame is the JSON envelope for every channel message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func NewFrame(messageType string, payload any) (*Frame, error) {
	var payloadBytes []byte
	if payload == nil {
		payloadBytes = []byte("{}")
	} else {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{
		Type:      messageType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ChannelEvent is the closed set of inbound event frames.
// The dispatch switch in `AnnotationView.receiveFrame` covers every case;
// a new frame type must be added both here and there.
type ChannelEvent interface {
	isChannelEvent()
}

type HighlightCreatedEvent struct {
	Highlight *Highlight
}

type HighlightDeletedEvent struct {
	HighlightId string `json:"highlightId"`
}

type CommentCreatedEvent struct {
	Comment *Comment
}

type CommentUpdatedEvent struct {
	Comment *Comment
}

type CommentDeletedEvent struct {
	HighlightId string `json:"highlightId"`
	CommentId   string `json:"commentId"`
}

type PresenceJoinEvent struct {
	User *PresenceUser
}

type PresenceLeaveEvent struct {
	UserId string `json:"userId"`
}

type PresenceTypingEvent struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

func (self *HighlightCreatedEvent) isChannelEvent() {}
func (self *HighlightDeletedEvent) isChannelEvent() {}
func (self *CommentCreatedEvent) isChannelEvent()   {}
func (self *CommentUpdatedEvent) isChannelEvent()   {}
func (self *CommentDeletedEvent) isChannelEvent()   {}
func (self *PresenceJoinEvent) isChannelEvent()     {}
func (self *PresenceLeaveEvent) isChannelEvent()    {}
func (self *PresenceTypingEvent) isChannelEvent()   {}

// ParseChannelEvent decodes a forwarded frame into its typed event.
func ParseChannelEvent(frame *Frame) (ChannelEvent, error) {
	switch frame.Type {
	case MessageTypeHighlightCreated:
		highlight := &Highlight{}
		if err := json.Unmarshal(frame.Payload, highlight); err != nil {
			return nil, err
		}
		return &HighlightCreatedEvent{Highlight: highlight}, nil
	case MessageTypeHighlightDeleted:
		event := &HighlightDeletedEvent{}
		if err := json.Unmarshal(frame.Payload, event); err != nil {
			return nil, err
		}
		return event, nil
	case MessageTypeCommentCreated:
		comment := &Comment{}
		if err := json.Unmarshal(frame.Payload, comment); err != nil {
			return nil, err
		}
		return &CommentCreatedEvent{Comment: comment}, nil
	case MessageTypeCommentUpdated:
		comment := &Comment{}
		if err := json.Unmarshal(frame.Payload, comment); err != nil {
			return nil, err
		}
		return &CommentUpdatedEvent{Comment: comment}, nil
	case MessageTypeCommentDeleted:
		event := &CommentDeletedEvent{}
		if err := json.Unmarshal(frame.Payload, event); err != nil {
			return nil, err
		}
		return event, nil
	case MessageTypePresenceJoin:
		user := &PresenceUser{}
		if err := json.Unmarshal(frame.Payload, user); err != nil {
			return nil, err
		}
		return &PresenceJoinEvent{User: user}, nil
	case MessageTypePresenceLeave:
		event := &PresenceLeaveEvent{}
		if err := json.Unmarshal(frame.Payload, event); err != nil {
			return nil, err
		}
		return event, nil
	case MessageTypePresenceTyping:
		event := &PresenceTypingEvent{}
		if err := json.Unmarshal(frame.Payload, event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.Type)
	}
}
