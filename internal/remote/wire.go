package remote

import (
	"encoding/json"
	"time"

	"github.com/codestun/chatsync/internal/models"
)

// Op codes for gateway payloads.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpHello        = 10
	OpHeartbeatAck = 11
)

// EventSnapshot is the dispatch event carrying a complete replacement
// snapshot of a conversation's message set.
const EventSnapshot = "CONVERSATION_SNAPSHOT"

// Payload is the envelope for all gateway messages.
type Payload struct {
	Op    int             `json:"op"`
	Data  json.RawMessage `json:"d,omitempty"`
	Event *string         `json:"t,omitempty"`
}

// IdentifyData is sent by the client as its first payload.
type IdentifyData struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversation_id"`
}

// HelloData is sent by the server after the WebSocket connects.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// SnapshotData is the payload of an EventSnapshot dispatch.
type SnapshotData struct {
	ConversationID string   `json:"conversation_id"`
	Messages       []Record `json:"messages"`
}

// Timestamp is the wire encoding of a point in time: seconds plus
// nanoseconds since the Unix epoch.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanoseconds"`
}

// Time converts the wire timestamp to the host timestamp type.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// At converts a host timestamp to the wire encoding.
func At(tm time.Time) Timestamp {
	return Timestamp{Seconds: tm.Unix(), Nanos: int32(tm.Nanosecond())}
}

// GeoPoint is a structured location payload.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RecordUser is the author as persisted in the remote store.
type RecordUser struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Record is the remote message record wire shape. At most one of
// Image, Audio, Location is set.
type Record struct {
	ID        string     `json:"_id,omitempty"`
	Text      string     `json:"text,omitempty"`
	CreatedAt Timestamp  `json:"createdAt"`
	User      RecordUser `json:"user"`
	Image     string     `json:"image,omitempty"`
	Audio     string     `json:"audio,omitempty"`
	Location  *GeoPoint  `json:"location,omitempty"`
}

// Message maps the wire record into the host message entity.
func (r Record) Message() models.Message {
	msg := models.Message{
		ID:        r.ID,
		Text:      r.Text,
		CreatedAt: r.CreatedAt.Time(),
		Author:    models.Author{ID: r.User.ID, Name: r.User.Name},
	}
	switch {
	case r.Image != "":
		msg.Attachment = &models.Attachment{Kind: models.AttachmentImage, URL: r.Image}
	case r.Audio != "":
		msg.Attachment = &models.Attachment{Kind: models.AttachmentAudio, URL: r.Audio}
	case r.Location != nil:
		msg.Attachment = &models.Attachment{
			Kind:      models.AttachmentLocation,
			Latitude:  r.Location.Latitude,
			Longitude: r.Location.Longitude,
		}
	}
	return msg
}

// RecordFrom maps a host message into the wire record shape.
func RecordFrom(msg models.Message) Record {
	rec := Record{
		ID:        msg.ID,
		Text:      msg.Text,
		CreatedAt: At(msg.CreatedAt),
		User:      RecordUser{ID: msg.Author.ID, Name: msg.Author.Name},
	}
	if att := msg.Attachment; att != nil {
		switch att.Kind {
		case models.AttachmentImage:
			rec.Image = att.URL
		case models.AttachmentAudio:
			rec.Audio = att.URL
		case models.AttachmentLocation:
			rec.Location = &GeoPoint{Latitude: att.Latitude, Longitude: att.Longitude}
		}
	}
	return rec
}

// DecodeSnapshot maps a snapshot payload into host messages, newest first.
func DecodeSnapshot(data SnapshotData) []models.Message {
	msgs := make([]models.Message, 0, len(data.Messages))
	for _, rec := range data.Messages {
		msgs = append(msgs, rec.Message())
	}
	models.SortNewestFirst(msgs)
	return msgs
}
