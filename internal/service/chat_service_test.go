package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/ratelimit"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

func TestChatAdmitReplacesPreviousSession(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	budi := h.connect("budi")
	first := h.connect("ana")
	require.Equal(t, []string{dto.EventUserOnline}, eventNames(drain(budi)))

	second := h.connect("ana")
	require.True(t, first.isClosed(), "the replaced session must be closed")
	require.True(t, h.transports[first].isClosed())

	current, ok := h.svc.registry.get(h.users["ana"].ID)
	require.True(t, ok)
	require.Same(t, second, current)

	h.svc.release(first)
	require.True(t, h.svc.IsOnline(h.users["ana"].ID), "late cleanup of the stale session must not remove its replacement")
	require.NotContains(t, eventNames(drain(budi)), dto.EventUserOffline)

	h.svc.release(second)
	require.False(t, h.svc.IsOnline(h.users["ana"].ID))
	offline := eventOf[dto.UserOffline](t, drain(budi))
	require.Equal(t, h.users["ana"].ID, offline.UserID)
	require.Equal(t, "ana", offline.Username)
}

func TestChatAdmitSendsOnlineSnapshotAndPersistsPresence(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	h.connect("ana")
	budi := h.connect("budi")

	snapshot := eventOf[dto.OnlineUsers](t, drain(budi))
	require.ElementsMatch(t, []uint{h.users["ana"].ID, h.users["budi"].ID}, snapshot.UserIDs)

	require.NoError(t, h.svc.presence.wait(context.Background()))
	var stored models.User
	require.NoError(t, h.db.First(&stored, h.users["budi"].ID).Error)
	require.True(t, stored.IsOnline)
	require.NotNil(t, stored.LastSeen)
}

func TestChatSendMessageRequiresMembership(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	h.svc.handle(context.Background(), budi, dto.SendMessage{RoomID: room.ID, Content: "let me in"})

	failure := eventOf[dto.ErrorEvent](t, drain(budi))
	require.Equal(t, string(ChatErrUnauthorized), failure.Kind)
	require.Empty(t, drain(ana), "nothing may be broadcast for a rejected message")

	var count int64
	require.NoError(t, h.db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestChatSendMessageStopsTypingBeforeBroadcast(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.TypingStart{RoomID: room.ID})
	h.svc.handle(ctx, ana, dto.TypingStart{RoomID: room.ID})
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "<b>hello</b><script>x</script>"})

	budiFrames := drain(budi)
	require.Equal(t, []string{dto.EventUserTyping, dto.EventUserStopTyping, dto.EventNewMessage}, eventNames(budiFrames))

	message := eventOf[dto.NewMessage](t, budiFrames)
	require.Equal(t, "<b>hello</b>", message.Content)
	require.Equal(t, room.ID, message.RoomID)
	require.NotNil(t, message.Sender)
	require.Equal(t, "ana", message.Sender.Username)

	require.Equal(t, []string{dto.EventNewMessage}, eventNames(drain(ana)), "typing events go to others only")
	require.Empty(t, h.svc.typing.typing(roomChannel(room.ID)))

	cached := h.svc.cachedLastMessage(ctx, room.ID)
	require.NotNil(t, cached)
	require.Equal(t, message.ID, cached.ID)

	subjects := h.events.subjectsSeen()
	require.Contains(t, subjects, "gema.chat.message.created")
}

func TestChatSendMessageFileOnlyUsesFileName(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana")
	room := h.room("Physics", "ana")
	ana := h.connect("ana")
	drain(ana)

	h.svc.handle(context.Background(), ana, dto.SendMessage{
		RoomID:   room.ID,
		FileURL:  "https://cdn.example.com/notes.pdf",
		FileName: "notes.pdf",
		FileSize: 2048,
	})

	message := eventOf[dto.NewMessage](t, drain(ana))
	require.Equal(t, "notes.pdf", message.Content)
	require.Equal(t, models.MessageTypeFile, message.Type)
	require.Equal(t, int64(2048), message.FileSize)
}

func TestChatPersistenceFailureKeepsTypingState(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.TypingStart{RoomID: room.ID})
	drain(budi)

	require.NoError(t, h.db.Migrator().DropTable(&models.ChatMessage{}))
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "hello"})

	failure := eventOf[dto.ErrorEvent](t, drain(ana))
	require.Equal(t, string(ChatErrPersistence), failure.Kind)
	require.Equal(t, "error sending message", failure.Message)
	require.Empty(t, drain(budi))
	require.Equal(t, []uint{h.users["ana"].ID}, h.svc.typing.typing(roomChannel(room.ID)))
}

func TestChatSendMessageRateLimited(t *testing.T) {
	h := newChatHarness(t, ChatConfig{MessageRule: ratelimit.Rule{Key: "test:msg:", Limit: 1, Window: time.Minute}}, "ana")
	room := h.room("Physics", "ana")
	ana := h.connect("ana")
	drain(ana)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "one"})
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "two"})

	frames := drain(ana)
	require.Equal(t, []string{dto.EventNewMessage, dto.EventError}, eventNames(frames))
	require.Equal(t, string(ChatErrRateLimited), eventOf[dto.ErrorEvent](t, frames).Kind)
}

func TestChatEmptyPrivateMessageRejectedBeforePersistence(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	h.svc.handle(context.Background(), ana, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "   "})

	failure := eventOf[dto.ErrorEvent](t, drain(ana))
	require.Equal(t, string(ChatErrValidation), failure.Kind)
	require.Empty(t, drain(budi))

	var count int64
	require.NoError(t, h.db.Model(&models.PrivateMessage{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestChatPrivateMessageLifecycle(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.StartPrivateConversation{UserID: h.users["budi"].ID})

	started := eventOf[dto.PrivateConversationStarted](t, drain(ana))
	require.Equal(t, "budi", started.Peer.Username)
	peerStarted := eventOf[dto.PrivateConversationStarted](t, drain(budi))
	require.Equal(t, started.ID, peerStarted.ID)
	require.Equal(t, "ana", peerStarted.Peer.Username)

	h.svc.handle(ctx, ana, dto.PrivateTypingStart{ConversationID: started.ID})
	h.svc.handle(ctx, ana, dto.SendPrivateMessage{ConversationID: started.ID, Content: "hi budi"})

	budiFrames := drain(budi)
	require.Equal(t, []string{dto.EventPrivateUserTyping, dto.EventPrivateUserStopTyping, dto.EventNewPrivateMessage}, eventNames(budiFrames))
	message := eventOf[dto.NewPrivateMessage](t, budiFrames)
	require.Equal(t, models.MessageStatusSent, message.Status)
	drain(ana)

	h.svc.handle(ctx, budi, dto.PrivateMessageDelivered{MessageID: message.ID})
	delivered := eventOf[dto.PrivateMessageStatus](t, drain(ana))
	require.Equal(t, models.MessageStatusDelivered, delivered.Status)
	require.Equal(t, message.ID, delivered.MessageID)

	h.svc.handle(ctx, budi, dto.MarkPrivateRead{ConversationID: started.ID})
	read := eventOf[dto.PrivateMessageStatus](t, drain(ana))
	require.Equal(t, models.MessageStatusRead, read.Status)

	h.svc.handle(ctx, budi, dto.PrivateMessageDelivered{MessageID: message.ID})
	require.Empty(t, drain(ana), "status never moves backwards")

	history, err := h.svc.ConversationHistory(ctx, h.users["ana"].ID, dto.ChatHistoryQuery{ChannelID: started.ID})
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	require.Equal(t, models.MessageStatusRead, history.Messages[0].Status)
}

func TestChatPrivateMessageRejectsOutsider(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi", "citra")
	conversation := h.conversation("ana", "budi")
	citra := h.connect("citra")
	drain(citra)

	ctx := context.Background()
	h.svc.handle(ctx, citra, dto.JoinPrivateConversation{ConversationID: conversation.ID})
	h.svc.handle(ctx, citra, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "hello"})

	frames := drain(citra)
	require.Equal(t, []string{dto.EventError, dto.EventError}, eventNames(frames))
	require.False(t, h.svc.channels.isJoined(citra, privateChannel(conversation.ID)))
}

func TestChatReactionToggleAddRemoveAdd(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "react to me"})
	message := eventOf[dto.NewMessage](t, drain(budi))
	drain(ana)

	for _, want := range []string{repository.ReactionAdded, repository.ReactionRemoved, repository.ReactionAdded} {
		h.svc.handle(ctx, budi, dto.AddReaction{MessageID: message.ID, ReactionType: models.ReactionLike})
		update := eventOf[dto.ReactionUpdate](t, drain(ana))
		require.Equal(t, want, update.Action)
		require.Equal(t, room.ID, update.RoomID)
		drain(budi)
	}

	var count int64
	require.NoError(t, h.db.Model(&models.MessageReaction{}).Where("message_id = ?", message.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)

	h.svc.handle(ctx, budi, dto.AddReaction{MessageID: message.ID, ReactionType: "clap"})
	require.Equal(t, string(ChatErrValidation), eventOf[dto.ErrorEvent](t, drain(budi)).Kind)
}

func TestChatPrivateReactionTwiceAddsThenRemoves(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "hi"})
	message := eventOf[dto.NewPrivateMessage](t, drain(budi))
	drain(ana)

	h.svc.handle(ctx, budi, dto.AddReaction{MessageID: message.ID, ReactionType: models.ReactionLove, ConversationID: conversation.ID})
	first := eventOf[dto.ReactionUpdate](t, drain(ana))
	require.Equal(t, repository.ReactionAdded, first.Action)
	require.Equal(t, conversation.ID, first.ConversationID)

	h.svc.handle(ctx, budi, dto.AddReaction{MessageID: message.ID, ReactionType: models.ReactionLove, ConversationID: conversation.ID})
	second := eventOf[dto.ReactionUpdate](t, drain(ana))
	require.Equal(t, repository.ReactionRemoved, second.Action)
}

func TestChatTypingClearedOnDisconnect(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.TypingStart{RoomID: room.ID})
	h.svc.handle(ctx, ana, dto.PrivateTypingStart{ConversationID: conversation.ID})
	drain(budi)

	h.svc.release(ana)

	names := eventNames(drain(budi))
	require.ElementsMatch(t, []string{dto.EventUserStopTyping, dto.EventPrivateUserStopTyping, dto.EventUserOffline}, names)
	require.Empty(t, h.svc.typing.typing(roomChannel(room.ID)))
	require.Empty(t, h.svc.typing.typing(privateChannel(conversation.ID)))

	h.svc.release(ana)
	require.Empty(t, drain(budi), "release is idempotent")
}

func TestChatCreateRoomJoinsAndNotifiesMembers(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi", "citra", "dodi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	members := []uint{h.users["budi"].ID, h.users["citra"].ID, h.users["dodi"].ID, h.users["budi"].ID, h.users["ana"].ID, 9999}
	h.svc.handle(context.Background(), ana, dto.CreateRoom{Name: "Study group", Type: models.RoomTypeGroup, MemberIDs: members})

	anaFrames := drain(ana)
	require.Equal(t, []string{dto.EventRoomCreated, dto.EventNewMessage}, eventNames(anaFrames))
	created := eventOf[dto.RoomCreated](t, anaFrames)
	require.True(t, created.IsCreator)

	var memberships int64
	require.NoError(t, h.db.Model(&models.RoomMembership{}).Where("room_id = ?", created.ID).Count(&memberships).Error)
	require.Equal(t, int64(4), memberships)

	budiFrames := drain(budi)
	require.Equal(t, []string{dto.EventRoomCreated, dto.EventNotification, dto.EventNewMessage}, eventNames(budiFrames))
	require.False(t, eventOf[dto.RoomCreated](t, budiFrames).IsCreator)
	notification := eventOf[dto.NotificationPushed](t, budiFrames)
	require.Equal(t, NotificationRoomInvite, notification.Type)
	require.True(t, h.svc.channels.isJoined(budi, roomChannel(created.ID)))

	var invites int64
	require.NoError(t, h.db.Model(&models.Notification{}).Where("type = ?", NotificationRoomInvite).Count(&invites).Error)
	require.Equal(t, int64(3), invites)

	welcome := eventOf[dto.NewMessage](t, budiFrames)
	require.Equal(t, "Welcome to Study group!", welcome.Content)
}

func TestChatCreateRoomValidatesType(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana")
	ana := h.connect("ana")
	drain(ana)

	h.svc.handle(context.Background(), ana, dto.CreateRoom{Name: "Bad", Type: "broadcast"})
	require.Equal(t, string(ChatErrValidation), eventOf[dto.ErrorEvent](t, drain(ana)).Kind)

	var rooms int64
	require.NoError(t, h.db.Model(&models.Room{}).Count(&rooms).Error)
	require.Zero(t, rooms)
}

func TestChatListingsAndNotificationCount(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	drain(ana)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "latest"})
	_, err := h.svc.notifications.Notify(ctx, NotificationRequest{UserID: h.users["ana"].ID, Type: "system", Message: "hello"})
	require.NoError(t, err)
	drain(ana)

	h.svc.handle(ctx, ana, dto.GetRooms{})
	h.svc.handle(ctx, ana, dto.GetPrivateConversations{})
	h.svc.handle(ctx, ana, dto.GetNotificationCount{})

	frames := drain(ana)
	require.Equal(t, []string{dto.EventRoomsList, dto.EventPrivateConversationsList, dto.EventNotificationCount}, eventNames(frames))

	rooms := eventOf[dto.RoomsList](t, frames)
	require.Len(t, rooms.Rooms, 1)
	require.NotNil(t, rooms.Rooms[0].LastMessage)
	require.Equal(t, "latest", rooms.Rooms[0].LastMessage.Content)

	conversations := eventOf[dto.PrivateConversationsList](t, frames)
	require.Len(t, conversations.Conversations, 1)
	require.Equal(t, conversation.ID, conversations.Conversations[0].ID)
	require.Equal(t, "budi", conversations.Conversations[0].Peer.Username)

	require.Equal(t, int64(1), eventOf[dto.NotificationCount](t, frames).Count)
}

func TestChatJoinRoomGate(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.JoinRoom{RoomID: room.ID})
	joined := eventOf[dto.JoinedRoom](t, drain(ana))
	require.True(t, joined.Success)

	h.svc.handle(ctx, budi, dto.JoinRoom{RoomID: room.ID})
	require.Equal(t, string(ChatErrUnauthorized), eventOf[dto.ErrorEvent](t, drain(budi)).Kind)
	require.False(t, h.svc.channels.isJoined(budi, roomChannel(room.ID)))

	h.svc.handle(ctx, ana, dto.LeaveRoom{RoomID: room.ID})
	require.False(t, h.svc.channels.isJoined(ana, roomChannel(room.ID)))
}

func TestChatRoomHistoryRequiresMembership(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana")
	ana := h.connect("ana")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: fmt.Sprintf("m%d", i)})
	}

	page, err := h.svc.RoomHistory(ctx, h.users["ana"].ID, dto.ChatHistoryQuery{ChannelID: room.ID, Limit: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, 1, page.Page)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m2", page.Messages[1].Content)

	_, err = h.svc.RoomHistory(ctx, h.users["budi"].ID, dto.ChatHistoryQuery{ChannelID: room.ID})
	require.ErrorIs(t, err, ErrChatNotMember)
}

func TestChatServeConnectionEndToEnd(t *testing.T) {
	h := newChatHarness(t, ChatConfig{PingInterval: time.Hour}, "ana")
	room := h.room("Physics", "ana")
	transport := newFakeTransport()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.svc.ServeConnection(transport, ChatConnectionOptions{UserID: h.users["ana"].ID, Username: "ana", CorrelationID: "corr-1"})
	}()

	transport.push(t, dto.EventJoinRoom, room.ID)
	transport.push(t, dto.EventSendMessage, dto.SendMessage{RoomID: room.ID, Content: "over the wire"})
	transport.push(t, "launch_rockets", nil)

	require.Eventually(t, func() bool {
		names := transport.eventNames()
		return len(names) >= 4 && names[len(names)-1] == dto.EventError
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{dto.EventOnlineUsers, dto.EventJoinedRoom, dto.EventNewMessage, dto.EventError}, transport.eventNames())
	require.True(t, h.svc.IsOnline(h.users["ana"].ID))

	require.NoError(t, h.svc.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConnection did not return after shutdown")
	}
	require.False(t, h.svc.IsOnline(h.users["ana"].ID))
}

func TestChatTruncatedFrameKeepsSessionOpen(t *testing.T) {
	h := newChatHarness(t, ChatConfig{PingInterval: time.Hour}, "ana")
	room := h.room("Physics", "ana")
	transport := newFakeTransport()

	done := make(chan error, 1)
	go func() {
		done <- h.svc.ServeConnection(transport, ChatConnectionOptions{UserID: h.users["ana"].ID, Username: "ana"})
	}()

	transport.pushRaw(`{"event":"send_message","data":{"roomId":`)
	transport.pushRaw(``)
	transport.push(t, dto.EventJoinRoom, room.ID)

	require.Eventually(t, func() bool {
		names := transport.eventNames()
		return len(names) > 0 && names[len(names)-1] == dto.EventJoinedRoom
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{dto.EventOnlineUsers, dto.EventError, dto.EventError, dto.EventJoinedRoom}, transport.eventNames())
	require.True(t, h.svc.IsOnline(h.users["ana"].ID))
	require.False(t, transport.isClosed())

	require.NoError(t, h.svc.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

func TestChatRoomBroadcastFollowsCommitOrder(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi", "citra")
	room := h.room("Physics", "ana", "budi", "citra")
	ana := h.connect("ana")
	budi := h.connect("budi")
	citra := h.connect("citra")
	drainAll(ana, budi, citra)

	repo := &slowReloadRooms{ChatRepository: h.svc.messages, created: make(chan uint, 2), delay: 150 * time.Millisecond}
	repo.slow.Store(true)
	h.svc.messages = repo

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "first"})
	}()
	first := receiveID(t, repo.created)
	go func() {
		defer wg.Done()
		h.svc.handle(ctx, budi, dto.SendMessage{RoomID: room.ID, Content: "second"})
	}()
	wg.Wait()
	second := receiveID(t, repo.created)
	require.Less(t, first, second)

	var ids []uint
	for _, frame := range drain(citra) {
		if message, ok := frame.Data.(dto.NewMessage); ok {
			ids = append(ids, message.ID)
		}
	}
	require.Equal(t, []uint{first, second}, ids)
}

func TestChatPrivateBroadcastFollowsCommitOrder(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	repo := &slowReloadPrivate{PrivateMessageRepository: h.svc.privateMessages, created: make(chan uint, 2), delay: 150 * time.Millisecond}
	repo.slow.Store(true)
	h.svc.privateMessages = repo

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.svc.handle(ctx, ana, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "first"})
	}()
	first := receiveID(t, repo.created)
	go func() {
		defer wg.Done()
		h.svc.handle(ctx, budi, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "second"})
	}()
	wg.Wait()
	second := receiveID(t, repo.created)

	for _, session := range []*chatSession{ana, budi} {
		var ids []uint
		for _, frame := range drain(session) {
			if message, ok := frame.Data.(dto.NewPrivateMessage); ok {
				ids = append(ids, message.ID)
			}
		}
		require.Equal(t, []uint{first, second}, ids)
	}
	require.Empty(t, h.svc.ordering.locks, "idle channel locks are released")
}

func TestChatShutdownPersistsOfflinePresence(t *testing.T) {
	h := newChatHarness(t, ChatConfig{PingInterval: time.Hour}, "ana")
	h.svc.presence.users = &slowPresence{UserRepository: h.svc.presence.users, delay: 150 * time.Millisecond}
	transport := newFakeTransport()

	done := make(chan error, 1)
	go func() {
		done <- h.svc.ServeConnection(transport, ChatConnectionOptions{UserID: h.users["ana"].ID, Username: "ana"})
	}()
	require.Eventually(t, func() bool { return h.svc.IsOnline(h.users["ana"].ID) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Shutdown(context.Background()))
	require.NoError(t, <-done)

	var stored models.User
	require.NoError(t, h.db.First(&stored, h.users["ana"].ID).Error)
	require.False(t, stored.IsOnline, "offline presence must be stored before shutdown returns")

	late := newFakeTransport()
	err := h.svc.ServeConnection(late, ChatConnectionOptions{UserID: h.users["ana"].ID, Username: "ana"})
	require.ErrorIs(t, err, ErrChatShuttingDown)
	require.False(t, late.isClosed(), "a refused transport is left to the caller")
	require.False(t, h.svc.IsOnline(h.users["ana"].ID))
}

func TestChatShutdownHonoursContext(t *testing.T) {
	h := newChatHarness(t, ChatConfig{PingInterval: time.Hour}, "ana")
	session := newChatSession(newFakeTransport(), ChatConnectionOptions{UserID: h.users["ana"].ID}, 8, testLogger())
	h.svc.sessions.Add(1)
	t.Cleanup(func() { h.svc.sessions.Done() })
	h.svc.registry.admit(session)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.svc.Shutdown(ctx), context.DeadlineExceeded)
	require.True(t, session.isClosed())
}

func TestChatGateLookupFailureIsPersistenceError(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	drain(ana)

	ctx := context.Background()
	require.NoError(t, h.db.Migrator().DropTable(&models.RoomMembership{}, &models.PrivateConversation{}))

	h.svc.handle(ctx, ana, dto.JoinRoom{RoomID: room.ID})
	h.svc.handle(ctx, ana, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "hi"})

	frames := drain(ana)
	require.Equal(t, []string{dto.EventError, dto.EventError}, eventNames(frames))
	for _, frame := range frames {
		failure, ok := frame.Data.(dto.ErrorEvent)
		require.True(t, ok)
		require.Equal(t, string(ChatErrPersistence), failure.Kind)
	}
	require.False(t, h.svc.channels.isJoined(ana, roomChannel(room.ID)))
}

func TestChatHistoryIncludesReactions(t *testing.T) {
	h := newChatHarness(t, ChatConfig{}, "ana", "budi")
	room := h.room("Physics", "ana", "budi")
	conversation := h.conversation("ana", "budi")
	ana := h.connect("ana")
	budi := h.connect("budi")
	drainAll(ana, budi)

	ctx := context.Background()
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "room"})
	h.svc.handle(ctx, ana, dto.SendMessage{RoomID: room.ID, Content: "plain"})
	h.svc.handle(ctx, ana, dto.SendPrivateMessage{ConversationID: conversation.ID, Content: "private"})
	frames := drain(budi)
	roomMessage := eventOf[dto.NewMessage](t, frames)
	privateMessage := eventOf[dto.NewPrivateMessage](t, frames)
	require.Equal(t, "room", roomMessage.Content)
	drain(ana)

	h.svc.handle(ctx, budi, dto.AddReaction{MessageID: roomMessage.ID, ReactionType: models.ReactionLike})
	h.svc.handle(ctx, budi, dto.AddReaction{MessageID: privateMessage.ID, ReactionType: models.ReactionLove, ConversationID: conversation.ID})
	drainAll(ana, budi)

	roomPage, err := h.svc.RoomHistory(ctx, h.users["ana"].ID, dto.ChatHistoryQuery{ChannelID: room.ID})
	require.NoError(t, err)
	require.Len(t, roomPage.Messages, 2)
	require.Equal(t, []dto.ReactionResponse{{UserID: h.users["budi"].ID, ReactionType: models.ReactionLike}}, roomPage.Messages[0].Reactions)
	require.Nil(t, roomPage.Messages[1].Reactions)

	privatePage, err := h.svc.ConversationHistory(ctx, h.users["ana"].ID, dto.ChatHistoryQuery{ChannelID: conversation.ID})
	require.NoError(t, err)
	require.Len(t, privatePage.Messages, 1)
	require.Equal(t, []dto.ReactionResponse{{UserID: h.users["budi"].ID, ReactionType: models.ReactionLove}}, privatePage.Messages[0].Reactions)
}

func TestChatRoomRuleFollowsChannelBase(t *testing.T) {
	h := newChatHarness(t, ChatConfig{ChannelBase: "campus"}, "ana")
	require.Equal(t, "campus:rl:chat:room:", h.svc.cfg.RoomRule.Key)
	require.Equal(t, "campus:rl:chat:msg:", h.svc.cfg.MessageRule.Key)
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type chatHarness struct {
	t          *testing.T
	db         *gorm.DB
	svc        *chatService
	users      map[string]models.User
	events     *recordingPublisher
	transports map[*chatSession]*fakeTransport
}

func newChatHarness(t *testing.T, cfg ChatConfig, names ...string) *chatHarness {
	t.Helper()
	db := setupChatServiceDB(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.ChannelBase == "" {
		cfg.ChannelBase = "gema"
	}

	validate := validator.New()
	publisher := &recordingPublisher{}
	notifications := NewNotificationService(repository.NewNotificationRepository(db), publisher, cfg.ChannelBase, validate, testLogger())

	svc := NewChatService(ChatDependencies{
		Messages:        repository.NewChatRepository(db),
		PrivateMessages: repository.NewPrivateMessageRepository(db),
		Rooms:           repository.NewRoomRepository(db),
		Conversations:   repository.NewConversationRepository(db),
		Reactions:       repository.NewReactionRepository(db),
		Users:           repository.NewUserRepository(db),
		Notifications:   notifications,
		Limiter:         ratelimit.NewLimiter(client, testLogger()),
		Redis:           client,
		Events:          publisher,
	}, cfg, validate, testLogger()).(*chatService)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.presence.wait(ctx)
	})

	h := &chatHarness{
		t:          t,
		db:         db,
		svc:        svc,
		users:      make(map[string]models.User),
		events:     publisher,
		transports: make(map[*chatSession]*fakeTransport),
	}
	for _, name := range names {
		user := models.User{Username: name, FullName: name}
		require.NoError(t, db.Create(&user).Error)
		h.users[name] = user
	}
	return h
}

func (h *chatHarness) connect(name string) *chatSession {
	h.t.Helper()
	user, ok := h.users[name]
	require.True(h.t, ok, "unknown user %s", name)

	transport := newFakeTransport()
	session := newChatSession(transport, ChatConnectionOptions{UserID: user.ID, Username: user.Username}, 64, testLogger())
	h.transports[session] = transport
	h.svc.admit(session)
	return session
}

func (h *chatHarness) room(name string, members ...string) models.Room {
	h.t.Helper()
	room := models.Room{Name: name, Type: models.RoomTypeCourse, CreatedBy: h.users[members[0]].ID}
	require.NoError(h.t, h.db.Create(&room).Error)
	for _, member := range members {
		membership := models.RoomMembership{RoomID: room.ID, UserID: h.users[member].ID, JoinedAt: time.Now()}
		require.NoError(h.t, h.db.Create(&membership).Error)
	}
	return room
}

func (h *chatHarness) conversation(a, b string) models.PrivateConversation {
	h.t.Helper()
	conversation, _, err := repository.NewConversationRepository(h.db).FindOrCreate(context.Background(), h.users[a].ID, h.users[b].ID)
	require.NoError(h.t, err)
	return conversation
}

func setupChatServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMembership{},
		&models.PrivateConversation{},
		&models.ChatMessage{},
		&models.PrivateMessage{},
		&models.PrivateMessageStatus{},
		&models.MessageReaction{},
		&models.Notification{},
		&models.UploadRecord{},
	))
	return db
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func drain(session *chatSession) []dto.ServerFrame {
	var frames []dto.ServerFrame
	for {
		select {
		case frame := <-session.send:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func drainAll(sessions ...*chatSession) {
	for _, session := range sessions {
		drain(session)
	}
}

func eventNames(frames []dto.ServerFrame) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

func eventOf[T dto.ServerEvent](t *testing.T, frames []dto.ServerFrame) T {
	t.Helper()
	for _, frame := range frames {
		if event, ok := frame.Data.(T); ok {
			return event
		}
	}
	var zero T
	t.Fatalf("no %s event among %v", zero.EventName(), eventNames(frames))
	return zero
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) subjectsSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

// fakeTransport decodes raw frames the way the websocket library does: a
// truncated frame surfaces as io.ErrUnexpectedEOF.
type fakeTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written []dto.ServerFrame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(dto.Envelope{Event: event, Data: payload})
	require.NoError(t, err)
	f.incoming <- frame
}

func (f *fakeTransport) pushRaw(frame string) {
	f.incoming <- []byte(frame)
}

func (f *fakeTransport) ReadJSON(v interface{}) error {
	select {
	case frame := <-f.incoming:
		err := json.NewDecoder(bytes.NewReader(frame)).Decode(v)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeTransport) WriteJSON(v interface{}) error {
	if f.isClosed() {
		return errors.New("transport closed")
	}
	frame, ok := v.(dto.ServerFrame)
	if !ok {
		return errors.New("unexpected frame type")
	}
	f.mu.Lock()
	f.written = append(f.written, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) WriteMessage(int, []byte) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return eventNames(f.written)
}

func receiveID(t *testing.T, ids <-chan uint) uint {
	t.Helper()
	select {
	case id := <-ids:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("message was never stored")
		return 0
	}
}

// slowReloadRooms stalls the first reload so a later insert can overtake it.
type slowReloadRooms struct {
	repository.ChatRepository
	created chan uint
	delay   time.Duration
	slow    atomic.Bool
}

func (r *slowReloadRooms) CreateInRoom(ctx context.Context, message *models.ChatMessage) error {
	if err := r.ChatRepository.CreateInRoom(ctx, message); err != nil {
		return err
	}
	r.created <- message.ID
	return nil
}

func (r *slowReloadRooms) FindWithSender(ctx context.Context, id uint) (models.ChatMessage, error) {
	if r.slow.Swap(false) {
		time.Sleep(r.delay)
	}
	return r.ChatRepository.FindWithSender(ctx, id)
}

type slowReloadPrivate struct {
	repository.PrivateMessageRepository
	created chan uint
	delay   time.Duration
	slow    atomic.Bool
}

func (r *slowReloadPrivate) CreateInConversation(ctx context.Context, message *models.PrivateMessage, receiverID uint) error {
	if err := r.PrivateMessageRepository.CreateInConversation(ctx, message, receiverID); err != nil {
		return err
	}
	r.created <- message.ID
	return nil
}

func (r *slowReloadPrivate) FindWithSender(ctx context.Context, id uint) (models.PrivateMessage, error) {
	if r.slow.Swap(false) {
		time.Sleep(r.delay)
	}
	return r.PrivateMessageRepository.FindWithSender(ctx, id)
}

// slowPresence delays offline writes.
type slowPresence struct {
	repository.UserRepository
	delay time.Duration
}

func (r *slowPresence) UpdatePresence(ctx context.Context, userID uint, online bool, lastSeen time.Time) error {
	if !online {
		time.Sleep(r.delay)
	}
	return r.UserRepository.UpdatePresence(ctx, userID, online, lastSeen)
}
