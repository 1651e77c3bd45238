package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientEventJoinRoomForms(t *testing.T) {
	for _, raw := range []string{`7`, `"7"`, `{"roomId":7}`} {
		event, err := DecodeClientEvent(Envelope{Event: EventJoinRoom, Data: json.RawMessage(raw)})
		require.NoError(t, err, raw)
		require.Equal(t, JoinRoom{RoomID: 7}, event, raw)
	}
}

func TestDecodeClientEventEmptyData(t *testing.T) {
	event, err := DecodeClientEvent(Envelope{Event: EventGetRooms})
	require.NoError(t, err)
	require.Equal(t, GetRooms{}, event)

	event, err = DecodeClientEvent(Envelope{Event: EventGetNotificationCount, Data: json.RawMessage(`null`)})
	require.NoError(t, err)
	require.Equal(t, GetNotificationCount{}, event)
}

func TestDecodeClientEventRejectsUnknownAndMalformed(t *testing.T) {
	_, err := DecodeClientEvent(Envelope{Event: "launch_rockets"})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeClientEvent(Envelope{Event: EventSendMessage, Data: json.RawMessage(`{"roomId":"abc"}`)})
	require.Error(t, err)
}

func TestClientEnvelopeRoundTrip(t *testing.T) {
	replyTo := uint(3)
	envelope, err := NewClientEnvelope(SendPrivateMessage{ConversationID: 9, Content: "hi", ReplyTo: &replyTo})
	require.NoError(t, err)
	require.Equal(t, EventSendPrivateMessage, envelope.Event)

	event, err := DecodeClientEvent(envelope)
	require.NoError(t, err)
	decoded, ok := event.(SendPrivateMessage)
	require.True(t, ok)
	require.Equal(t, uint(9), decoded.ConversationID)
	require.Equal(t, replyTo, *decoded.ReplyTo)
}

func TestServerFrameFlattensEmbeddedPayload(t *testing.T) {
	frame := NewServerFrame(RoomCreated{RoomResponse: RoomResponse{ID: 4, Name: "Physics", Type: "course"}, IsCreator: true})
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	var generic struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, EventRoomCreated, generic.Event)
	require.Equal(t, "Physics", generic.Data["name"])
	require.Equal(t, true, generic.Data["isCreator"])

	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	event, err := DecodeServerEvent(envelope)
	require.NoError(t, err)
	created, ok := event.(RoomCreated)
	require.True(t, ok)
	require.Equal(t, uint(4), created.ID)
	require.True(t, created.IsCreator)
}

func TestPrivateMessageStatusOmitsMessageIDForBulkRead(t *testing.T) {
	raw, err := json.Marshal(PrivateMessageStatus{ConversationID: 2, UserID: 5, Status: "read"})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "messageId")
}
