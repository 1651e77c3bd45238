package chatclient

import (
	"github.com/noah-isme/gema-realtime/internal/dto"
)

// apply folds one server event into local state.
func (c *Client) apply(event dto.ServerEvent, selfID uint) {
	switch e := event.(type) {
	case dto.NewMessage:
		c.store.update(func() { c.store.appendMessageLocked(roomMessage(e.ChatMessageResponse)) })

	case dto.NewPrivateMessage:
		message := privateMessage(e.PrivateMessageResponse)
		if message.Status == "" {
			message.Status = "sent"
		}
		c.store.update(func() { c.store.appendMessageLocked(message) })
		if message.SenderID != selfID {
			if err := c.send(dto.PrivateMessageDelivered{MessageID: message.ID}); err != nil {
				c.logger.Debug().Err(err).Uint("message_id", message.ID).Msg("delivery ack not sent")
			}
		}

	case dto.UserTyping:
		c.setTyping(Room(e.RoomID), e.UserID, e.Username, true, selfID)
	case dto.UserStopTyping:
		c.setTyping(Room(e.RoomID), e.UserID, e.Username, false, selfID)
	case dto.PrivateUserTyping:
		c.setTyping(Conversation(e.ConversationID), e.UserID, e.Username, true, selfID)
	case dto.PrivateUserStopTyping:
		c.setTyping(Conversation(e.ConversationID), e.UserID, e.Username, false, selfID)

	case dto.ReactionUpdate:
		c.applyReaction(e)

	case dto.RoomCreated:
		c.rememberRoom(e.ID, true)
		c.store.update(func() { c.store.upsertRoomLocked(roomInfo(e.RoomResponse)) })

	case dto.NotificationPushed:
		c.store.update(func() { c.store.unread++ })
	case dto.NotificationCount:
		c.store.update(func() { c.store.unread = e.Count })

	case dto.OnlineUsers:
		c.store.update(func() {
			c.store.online = make(map[uint]struct{}, len(e.UserIDs))
			for _, id := range e.UserIDs {
				c.store.online[id] = struct{}{}
			}
		})
	case dto.UserOnline:
		c.store.update(func() { c.store.online[e.UserID] = struct{}{} })
	case dto.UserOffline:
		c.store.update(func() {
			delete(c.store.online, e.UserID)
			c.store.clearUserTypingLocked(e.UserID)
		})

	case dto.RoomsList:
		c.mu.Lock()
		c.rooms = make(map[uint]struct{}, len(e.Rooms))
		for _, room := range e.Rooms {
			c.rooms[room.ID] = struct{}{}
		}
		c.mu.Unlock()
		c.store.update(func() { c.store.rooms = roomInfos(e.Rooms) })

	case dto.PrivateConversationsList:
		c.mu.Lock()
		c.conversations = make(map[uint]struct{}, len(e.Conversations))
		for _, conversation := range e.Conversations {
			c.conversations[conversation.ID] = struct{}{}
		}
		c.mu.Unlock()
		c.store.update(func() { c.store.conversations = conversationInfos(e.Conversations, selfID) })

	case dto.PrivateConversationStarted:
		c.rememberConversation(e.ID, true)
		c.store.update(func() { c.store.upsertConversationLocked(conversationInfo(e.ConversationResponse, selfID)) })
	case dto.JoinedPrivateConversation:
		if e.Success {
			c.rememberConversation(e.ConversationID, true)
		}
	case dto.LeftPrivateConversation:
		c.rememberConversation(e.ConversationID, false)
	case dto.JoinedRoom:
		if e.Success {
			c.rememberRoom(e.RoomID, true)
		}

	case dto.PrivateMessageStatus:
		c.applyStatus(e)

	case dto.ErrorEvent:
		c.logger.Warn().Str("kind", e.Kind).Str("message", e.Message).Msg("chat server reported an error")
		c.store.update(func() { c.store.lastError = &ServerError{Kind: e.Kind, Message: e.Message} })
	}
}

func (c *Client) setTyping(channel Channel, userID uint, username string, typing bool, selfID uint) {
	if userID == selfID {
		return
	}
	c.store.update(func() { c.store.setTypingLocked(channel, userID, username, typing) })
}

func (c *Client) applyReaction(e dto.ReactionUpdate) {
	c.store.update(func() {
		var channel Channel
		switch {
		case e.ConversationID != 0:
			channel = Conversation(e.ConversationID)
		case e.RoomID != 0:
			channel = Room(e.RoomID)
		default:
			found, ok := c.store.findMessageChannelLocked(e.MessageID, KindRoom)
			if !ok {
				return
			}
			channel = found
		}

		c.store.updateMessageLocked(channel, e.MessageID, func(message *Message) {
			if e.Action == "removed" {
				delete(message.Reactions, e.UserID)
				return
			}
			if message.Reactions == nil {
				message.Reactions = make(map[uint]string)
			}
			message.Reactions[e.UserID] = e.ReactionType
		})
	})
}

// applyStatus advances delivery state. A conversation-wide read marks every
// message the reader received.
func (c *Client) applyStatus(e dto.PrivateMessageStatus) {
	c.store.update(func() {
		channel := Conversation(e.ConversationID)
		advance := func(message *Message) {
			if statusRank(e.Status) > statusRank(message.Status) {
				message.Status = e.Status
			}
		}

		if e.MessageID != 0 {
			c.store.updateMessageLocked(channel, e.MessageID, advance)
			return
		}
		messages := c.store.messages[channel]
		for i := range messages {
			if messages[i].SenderID != e.UserID {
				advance(&messages[i])
			}
		}
	})
}
