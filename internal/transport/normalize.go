package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/tidwall/gjson"
)

// Backends disagree on envelopes and field spelling. Everything is mapped to
// model types here so nothing past the transport boundary sniffs shapes.

var (
	messageListPaths = []string{"data", "messages", "data.messages", "items"}
	contactListPaths = []string{"data", "users", "contacts", "data.users", "data.contacts"}
	singlePaths      = []string{"data.message", "message", "data"}
	tallyPaths       = []string{"data.unread", "unread", "data"}
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// first returns the first of the given paths present in r.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func parse(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, malformed("invalid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// list locates the array in a bare or enveloped payload.
func list(root gjson.Result, envelopes []string) (gjson.Result, bool) {
	if root.IsArray() {
		return root, true
	}
	if !root.IsObject() {
		return gjson.Result{}, false
	}
	for _, p := range envelopes {
		if v := root.Get(p); v.IsArray() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// NormalizeMessages maps a message list payload to model messages. Entries
// without an id or sender are skipped.
func NormalizeMessages(body []byte) ([]model.Message, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}
	arr, ok := list(root, messageListPaths)
	if !ok {
		return nil, malformed("no message list")
	}
	var out []model.Message
	for _, item := range arr.Array() {
		msg, err := message(item)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// NormalizeMessage maps a single-message payload, bare or enveloped.
func NormalizeMessage(body []byte) (model.Message, error) {
	root, err := parse(body)
	if err != nil {
		return model.Message{}, err
	}
	return messageOf(root)
}

func messageOf(root gjson.Result) (model.Message, error) {
	if !root.IsObject() {
		return model.Message{}, malformed("message is not an object")
	}
	if first(root, "id", "_id").Exists() {
		return message(root)
	}
	for _, p := range singlePaths {
		if v := root.Get(p); v.IsObject() {
			return message(v)
		}
	}
	return model.Message{}, malformed("no message object")
}

func message(r gjson.Result) (model.Message, error) {
	if !r.IsObject() {
		return model.Message{}, malformed("message is not an object")
	}
	msg := model.Message{
		ID:              first(r, "id", "_id", "messageId", "message_id").String(),
		ClientID:        first(r, "clientId", "client_id").String(),
		ConversationKey: first(r, "conversationKey", "conversation_key", "groupId", "group_id").String(),
		SenderID:        first(r, "senderId", "sender_id", "from").String(),
		ReceiverID:      first(r, "receiverId", "receiver_id", "to").String(),
		Content:         first(r, "content", "text", "body").String(),
		State:           deliveryState(first(r, "status", "state", "deliveryState").String()),
	}
	if msg.ID == "" || msg.SenderID == "" {
		return model.Message{}, malformed("message without id or sender")
	}
	ts, err := timestamp(first(r, "createdAt", "created_at", "timestamp"))
	if err != nil {
		return model.Message{}, err
	}
	msg.CreatedAt = ts
	if a := first(r, "attachment", "file"); a.IsObject() {
		msg.Attachment = &model.Attachment{
			Name:      first(a, "name", "fileName", "file_name").String(),
			Size:      first(a, "size", "fileSize", "file_size").Int(),
			MediaType: first(a, "mediaType", "media_type", "mimeType", "mime_type").String(),
			URL:       first(a, "url", "fileUrl", "file_url").String(),
		}
	}
	return msg, nil
}

// timestamp accepts unix milliseconds (number or numeric string) and RFC 3339.
// A missing timestamp is zero.
func timestamp(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Null:
		return time.Time{}, nil
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), nil
	case gjson.String:
		if ms, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return time.Time{}, malformed("timestamp %q", r.Str)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, malformed("timestamp of type %s", r.Type)
	}
}

func deliveryState(s string) model.DeliveryState {
	switch strings.ToLower(s) {
	case "delivered":
		return model.Delivered
	case "read", "seen":
		return model.Read
	default:
		return model.Sent
	}
}

// NormalizeTally maps an unread payload. Accepted shapes are an object of
// sender to count, or a list of {senderId, count} entries, bare or enveloped.
func NormalizeTally(body []byte) (model.Tally, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}
	src := root
	if root.IsObject() {
		if v := first(root, tallyPaths...); v.IsObject() || v.IsArray() {
			src = v
		}
	}

	tally := model.Tally{}
	switch {
	case src.IsArray():
		for _, item := range src.Array() {
			sender := first(item, "senderId", "sender_id", "_id", "userId", "user_id").String()
			count := first(item, "count", "unread", "unreadCount", "unread_count")
			if sender == "" || count.Type != gjson.Number {
				return nil, malformed("tally entry %s", item.Raw)
			}
			tally[sender] = int(count.Int())
		}
	case src.IsObject():
		var bad string
		src.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.Number {
				bad = key.String()
				return false
			}
			tally[key.String()] = int(value.Int())
			return true
		})
		if bad != "" {
			return nil, malformed("tally count for %q is not a number", bad)
		}
	default:
		return nil, malformed("tally is neither object nor list")
	}
	return tally.Clone(), nil
}

// NormalizeConversations maps a contact list payload. Entries without an id
// are skipped.
func NormalizeConversations(body []byte) ([]model.Conversation, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}
	arr, ok := list(root, contactListPaths)
	if !ok {
		return nil, malformed("no contact list")
	}
	var out []model.Conversation
	for _, item := range arr.Array() {
		key := first(item, "id", "_id", "userId", "user_id", "key").String()
		if key == "" {
			continue
		}
		conv := model.Conversation{
			Key:         key,
			DisplayName: first(item, "displayName", "display_name", "name", "username").String(),
			IsGroup:     first(item, "isGroup", "is_group").Bool(),
		}
		for _, m := range item.Get("members").Array() {
			if id := m.String(); id != "" {
				conv.Members = append(conv.Members, id)
			}
		}
		out = append(out, conv)
	}
	return out, nil
}

// ParseFrame decodes a push frame of the form {"event": name, "data": {...}}.
func ParseFrame(data []byte) (Event, error) {
	root, err := parse(data)
	if err != nil {
		return Event{}, err
	}
	name := first(root, "event", "type").String()
	payload := root.Get("data")
	switch name {
	case EventNewMessage:
		msg, err := messageOf(payload)
		if err != nil {
			return Event{}, err
		}
		return Event{Name: name, Message: &msg}, nil
	case EventTyping:
		return Event{
			Name:   name,
			UserID: first(payload, "userId", "user_id", "from").String(),
			Typing: first(payload, "typing", "isTyping", "is_typing").Bool(),
		}, nil
	case EventPresence:
		return Event{
			Name:   name,
			UserID: first(payload, "userId", "user_id").String(),
			Status: first(payload, "status", "presence").String(),
		}, nil
	case "":
		return Event{}, malformed("frame without event name")
	default:
		return Event{Name: name}, nil
	}
}
