// Package dto maps raw wire JSON onto the domain records. The server
// is loose about scalar types (booleans as "1"/"true", numbers as
// strings), so every accessor coerces with an explicit default.
package dto

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xipher-im/xipher/internal/model"
)

// Bool coerces a JSON value to bool. Accepts true/false, "true"/"1"/
// "yes" and "false"/"0"/"no"; anything else yields def.
func Bool(v gjson.Result, def bool) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// Str coerces a JSON value to string; numbers and booleans are
// formatted, anything else yields def.
func Str(v gjson.Result, def string) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	}
	return def
}

// Int coerces a JSON value to int64; numeric strings are parsed,
// anything else yields def.
func Int(v gjson.Result, def int64) int64 {
	switch v.Type {
	case gjson.Number:
		return int64(v.Num)
	case gjson.String:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// ParseChat maps a chat list entry. display_name falls back to name.
func ParseChat(v gjson.Result) model.Chat {
	name := Str(v.Get("name"), "")
	return model.Chat{
		ID:          Str(v.Get("id"), ""),
		Name:        name,
		DisplayName: Str(v.Get("display_name"), name),
		AvatarURL:   Str(v.Get("avatar_url"), ""),
		LastMessage: Str(v.Get("lastMessage"), ""),
		Time:        Str(v.Get("time"), ""),
		Unread:      int(Int(v.Get("unread"), 0)),
		Online:      Bool(v.Get("online"), false),
		Pinned:      Bool(v.Get("pinned"), false),
		Muted:       Bool(v.Get("muted"), false),
	}
}

// ParseChats maps the "chats" array of a chat list response.
func ParseChats(v gjson.Result) []model.Chat {
	var chats []model.Chat
	v.ForEach(func(_, entry gjson.Result) bool {
		chats = append(chats, ParseChat(entry))
		return true
	})
	return chats
}

// ParseMessage maps a message object. Missing message_type defaults to
// "text"; file_size defaults to 0; every string field defaults empty.
func ParseMessage(v gjson.Result) model.Message {
	id := Str(v.Get("id"), "")
	if id == "" {
		id = Str(v.Get("message_id"), "")
	}
	return model.Message{
		ID:               id,
		TempID:           Str(v.Get("temp_id"), ""),
		ChatID:           Str(v.Get("chat_id"), ""),
		SenderID:         Str(v.Get("sender_id"), ""),
		ReceiverID:       Str(v.Get("receiver_id"), ""),
		Content:          Str(v.Get("content"), ""),
		Type:             model.MessageType(Str(v.Get("message_type"), string(model.TypeText))),
		Sent:             Bool(v.Get("sent"), false),
		Status:           model.DeliveryStatus(Str(v.Get("status"), "")),
		IsRead:           Bool(v.Get("is_read"), false),
		IsDelivered:      Bool(v.Get("is_delivered"), false),
		FilePath:         Str(v.Get("file_path"), ""),
		FileName:         Str(v.Get("file_name"), ""),
		FileSize:         Int(v.Get("file_size"), 0),
		MimeType:         Str(v.Get("mime_type"), ""),
		ReplyToMessageID: Str(v.Get("reply_to_message_id"), ""),
		CreatedAt:        Str(v.Get("created_at"), ""),
		Time:             Str(v.Get("time"), ""),
	}
}

// ParseMessages maps the "messages" array of a message list response.
func ParseMessages(v gjson.Result) []model.Message {
	var msgs []model.Message
	v.ForEach(func(_, entry gjson.Result) bool {
		msgs = append(msgs, ParseMessage(entry))
		return true
	})
	return msgs
}

// ParseWsMessage maps a new_message push frame. Some server builds nest
// the record under "message"; both shapes are accepted. Sent is derived
// by comparing sender_id against the current user.
func ParseWsMessage(v gjson.Result, currentUserID string) model.Message {
	source := v
	if nested := v.Get("message"); nested.IsObject() {
		source = nested
	}
	msg := ParseMessage(source)
	if currentUserID != "" && msg.SenderID != "" {
		msg.Sent = msg.SenderID == currentUserID
	}
	return msg
}

// ParseTyping maps a typing push frame. A missing is_typing defaults to
// true so a bare typing frame still shows the indicator.
func ParseTyping(v gjson.Result) model.TypingEvent {
	return model.TypingEvent{
		ChatType:     Str(v.Get("chat_type"), ""),
		ChatID:       Str(v.Get("chat_id"), ""),
		FromUserID:   Str(v.Get("from_user_id"), ""),
		FromUsername: Str(v.Get("from_username"), ""),
		IsTyping:     Bool(v.Get("is_typing"), true),
	}
}
