// Package chatstore is the single writer of the chat read model. All
// mutations funnel through one event loop: user intents arrive as
// commands, server pushes and transfer updates arrive as bus events,
// and every change is published back on the bus for the UI layer.
package chatstore

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xipher-im/xipher/internal/api"
	"github.com/xipher-im/xipher/internal/bus"
	"github.com/xipher-im/xipher/internal/model"
	"github.com/xipher-im/xipher/internal/session"
	"github.com/xipher-im/xipher/internal/upload"
	"github.com/xipher-im/xipher/internal/ws"
	"go.uber.org/zap"
)

const (
	commandBuffer = 64
	eventBuffer   = 256
	typingTTL     = 3 * time.Second
)

// API is the slice of the request client the store needs.
type API interface {
	FetchChats(ctx context.Context) ([]model.Chat, *api.Error)
	FetchMessages(ctx context.Context, chatID string) ([]model.Message, *api.Error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (model.Message, *api.Error)
	DeleteMessage(ctx context.Context, messageID string) *api.Error
	FindUser(ctx context.Context, username string) (api.FindUserResult, *api.Error)
	GetUserProfile(ctx context.Context, userID string) (api.ProfileResult, *api.Error)
	CreateGroup(ctx context.Context, name string, memberIDs []string) (api.CreateGroupResult, *api.Error)
}

// Pusher is the slice of the push channel client the store needs.
type Pusher interface {
	SendTyping(chatID, chatType string, isTyping bool)
	SendReceipt(receiptType, messageID string)
}

// Transfers is the slice of the transfer manager the store needs.
type Transfers interface {
	Start(req upload.Request) error
	Cancel(tempID string) bool
	MaxUploadBytes() int64
}

// Snapshot is a point-in-time copy of the read model.
type Snapshot struct {
	Chats          []model.Chat
	Messages       []model.Message
	Uploads        []model.UploadItem
	SelectedChatID string
	Offline        bool
	TypingUser     string
	SearchQuery    string
}

// Toast is the payload of store.toast bus events.
type Toast struct {
	Message string
	Level   string // info, error
}

// TypingState is the payload of store.typing bus events.
type TypingState struct {
	ChatID   string
	Username string
	Active   bool
}

// Store owns the chat list, the open chat's message list, and the
// transfer list. State is only touched from the Run goroutine.
type Store struct {
	api       API
	push      Pusher
	transfers Transfers
	bus       *bus.Bus
	sess      *session.Session
	logger    *zap.Logger

	commands chan func()
	done     chan struct{}

	// Test seams.
	newTempID func() string
	now       func() time.Time
	typingTTL time.Duration

	// Owned by the Run goroutine.
	ctx            context.Context
	chats          []model.Chat
	messages       []model.Message
	uploads        []model.UploadItem
	selectedChatID string
	offline        bool
	typingUser     string
	typingTimer    *time.Timer
	searchQuery    string
}

// New creates a store. Run must be called before intents take effect.
func New(a API, push Pusher, transfers Transfers, b *bus.Bus, sess *session.Session, logger *zap.Logger) *Store {
	return &Store{
		api:       a,
		push:      push,
		transfers: transfers,
		bus:       b,
		sess:      sess,
		logger:    logger,
		commands:  make(chan func(), commandBuffer),
		done:      make(chan struct{}),
		newTempID: uuid.NewString,
		now:       time.Now,
		typingTTL: typingTTL,
		offline:   true, // until the push channel authenticates
	}
}

// Run drives the event loop until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)
	s.ctx = ctx

	wsSub := s.bus.Subscribe("ws.", eventBuffer)
	defer wsSub.Close()
	upSub := s.bus.Subscribe("upload.", eventBuffer)
	defer upSub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.commands:
			fn()
		case evt := <-wsSub.C():
			s.handleWsEvent(evt)
		case evt := <-upSub.C():
			s.handleUploadEvent(evt)
		}
	}
}

// do enqueues a command for the event loop; it is dropped once the
// loop has exited.
func (s *Store) do(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

// Snapshot returns a copy of the current read model.
func (s *Store) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	s.do(func() { reply <- s.snapshot() })
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return Snapshot{}
	}
}

// RefreshChats reloads the chat list from the server.
func (s *Store) RefreshChats() {
	s.do(s.refreshChats)
}

// SelectChat opens a chat: clears its unread counter, drops the typing
// indicator, and replaces the message list with a fresh fetch.
func (s *Store) SelectChat(chatID string) {
	s.do(func() { s.selectChat(chatID) })
}

// SendMessage sends a text message to the selected chat with an
// optimistic local echo.
func (s *Store) SendMessage(content, replyToID string) {
	s.do(func() { s.sendMessage(content, replyToID) })
}

// AddAttachment starts the attachment pipeline for the selected chat:
// an uploading message plus a transfer record, then the upload itself.
func (s *Store) AddAttachment(filePath string) {
	s.do(func() { s.addAttachment(filePath) })
}

// CancelUpload cancels an in-flight attachment transfer.
func (s *Store) CancelUpload(tempID string) {
	s.do(func() { s.transfers.Cancel(tempID) })
}

// RetryMessage re-sends a failed message, reusing its correlation id.
func (s *Store) RetryMessage(tempID string) {
	s.do(func() { s.retryMessage(tempID) })
}

// DeleteMessage deletes a message by server id.
func (s *Store) DeleteMessage(messageID string) {
	s.do(func() { s.deleteMessage(messageID) })
}

// SendTyping forwards a typing signal for the selected chat.
func (s *Store) SendTyping(isTyping bool) {
	s.do(func() {
		if s.selectedChatID == "" || s.offline {
			return
		}
		s.push.SendTyping(s.selectedChatID, "chat", isTyping)
	})
}

// SetSearchQuery filters the published chat list by name.
func (s *Store) SetSearchQuery(query string) {
	s.do(func() {
		s.searchQuery = strings.TrimSpace(query)
		s.publishChats()
	})
}

// FindUser looks up a user by name and adds a chat entry for them.
func (s *Store) FindUser(username string) {
	s.do(func() { s.findUser(username) })
}

// CreateGroup creates a named group chat with the given members.
func (s *Store) CreateGroup(name string, memberIDs []string) {
	s.do(func() { s.createGroup(name, memberIDs) })
}

// ---- intents, run on the event loop ----

func (s *Store) refreshChats() {
	go func() {
		chats, apiErr := s.api.FetchChats(s.ctx)
		s.do(func() {
			if apiErr != nil {
				s.apiFailure(apiErr, "Failed to load chats")
				return
			}
			s.chats = chats
			s.publishChats()
		})
	}()
}

func (s *Store) selectChat(chatID string) {
	if chatID == s.selectedChatID {
		return
	}
	s.selectedChatID = chatID
	s.clearTyping()
	s.messages = nil
	s.publishMessages()
	if chat := s.findChat(chatID); chat != nil && chat.Unread > 0 {
		chat.Unread = 0
		s.publishChats()
	}
	if chatID == "" {
		return
	}
	go func() {
		msgs, apiErr := s.api.FetchMessages(s.ctx, chatID)
		s.do(func() {
			if s.selectedChatID != chatID {
				return // selection moved on while fetching
			}
			if apiErr != nil {
				s.apiFailure(apiErr, "Failed to load messages")
				return
			}
			s.messages = msgs
			s.publishMessages()
			s.acknowledgeLastInbound()
		})
	}()
}

// acknowledgeLastInbound sends a read receipt for the newest inbound
// message of the open chat, so the peer sees it was read on open.
func (s *Store) acknowledgeLastInbound() {
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if !msg.Sent && msg.ID != "" {
			s.push.SendReceipt("message_read", msg.ID)
			return
		}
	}
}

// fetchAvatar fills in a chat's avatar from the profile endpoint.
func (s *Store) fetchAvatar(userID string) {
	go func() {
		profile, apiErr := s.api.GetUserProfile(s.ctx, userID)
		s.do(func() {
			if apiErr != nil || profile.AvatarURL == "" {
				return
			}
			if chat := s.findChat(userID); chat != nil {
				chat.AvatarURL = profile.AvatarURL
				s.publishChats()
			}
		})
	}()
}

func (s *Store) sendMessage(content, replyToID string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if s.selectedChatID == "" {
		s.toast("Select a chat first", "error")
		return
	}
	if s.offline {
		s.toast("You are offline. Message not sent.", "error")
		return
	}

	msg := model.Message{
		TempID:   s.newTempID(),
		ChatID:   s.selectedChatID,
		SenderID: s.sess.UserID(),
		Content:  content,
		Type:     model.TypeText,
		Sent:     true,
		Status:   model.StatusSending,
		Time:     s.now().Format("15:04"),

		ReplyToMessageID: replyToID,
	}
	s.messages = append(s.messages, msg)
	s.publishMessages()
	s.updateChatPreview(msg.ChatID, msg.Content, msg.Time)

	s.postMessage(api.SendMessageRequest{
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		Type:      model.TypeText,
		ReplyToID: replyToID,
		TempID:    msg.TempID,
	})
}

// postMessage runs the send round trip and reconciles the optimistic
// record with the server response.
func (s *Store) postMessage(req api.SendMessageRequest) {
	go func() {
		result, apiErr := s.api.SendMessage(s.ctx, req)
		s.do(func() {
			if apiErr != nil {
				s.markSendFailed(req.TempID, apiErr)
				return
			}
			s.reconcile(req.TempID, result)
		})
	}()
}

func (s *Store) addAttachment(filePath string) {
	if s.selectedChatID == "" {
		s.toast("Select a chat first", "error")
		return
	}
	if s.offline {
		s.toast("You are offline. File not sent.", "error")
		return
	}

	tempID := s.newTempID()
	if err := s.transfers.Start(upload.Request{
		TempID:   tempID,
		ChatID:   s.selectedChatID,
		FilePath: filePath,
	}); err != nil {
		s.logger.Warn("attachment rejected", zap.Error(err))
		s.toast("Cannot send file: "+err.Error(), "error")
		return
	}

	fileName := filepath.Base(filePath)
	s.messages = append(s.messages, model.Message{
		TempID:        tempID,
		ChatID:        s.selectedChatID,
		SenderID:      s.sess.UserID(),
		Type:          upload.MessageTypeFor(fileName),
		Sent:          true,
		Status:        model.StatusSending,
		FileName:      fileName,
		MimeType:      upload.MimeTypeFor(fileName),
		LocalFilePath: filePath,
		TransferState: model.TransferUploading,
		Time:          s.now().Format("15:04"),
	})
	s.uploads = append(s.uploads, model.UploadItem{
		TempID:   tempID,
		FilePath: filePath,
		FileName: fileName,
		State:    "uploading",
	})
	s.publishMessages()
	s.publishUploads()
}

func (s *Store) retryMessage(tempID string) {
	msg := s.findMessageByTempID(tempID)
	if msg == nil || msg.Status != model.StatusFailed {
		return
	}
	if s.offline {
		s.toast("You are offline. Message not sent.", "error")
		return
	}

	if msg.LocalFilePath != "" && !msg.Confirmed() {
		// Attachment: restart the whole pipeline with the same
		// correlation id.
		if err := s.transfers.Start(upload.Request{
			TempID:   tempID,
			ChatID:   msg.ChatID,
			FilePath: msg.LocalFilePath,
		}); err != nil {
			s.toast("Cannot send file: "+err.Error(), "error")
			return
		}
		msg.Status = model.StatusSending
		msg.TransferState = model.TransferUploading
		msg.TransferProgress = 0
		s.setUploadState(tempID, "uploading", 0, "")
		s.publishMessages()
		s.publishUploads()
		return
	}

	msg.Status = model.StatusSending
	s.publishMessages()
	s.postMessage(api.SendMessageRequest{
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		Type:      msg.Type,
		ReplyToID: msg.ReplyToMessageID,
		TempID:    tempID,
		FilePath:  msg.FilePath,
		FileName:  msg.FileName,
		FileSize:  msg.FileSize,
	})
}

func (s *Store) deleteMessage(messageID string) {
	if messageID == "" {
		return
	}
	go func() {
		apiErr := s.api.DeleteMessage(s.ctx, messageID)
		s.do(func() {
			if apiErr != nil {
				s.apiFailure(apiErr, "Failed to delete message")
				return
			}
			s.removeMessageByID(messageID)
			s.publishMessages()
		})
	}()
}

func (s *Store) findUser(username string) {
	username = strings.TrimSpace(username)
	if username == "" {
		return
	}
	go func() {
		result, apiErr := s.api.FindUser(s.ctx, username)
		s.do(func() {
			if apiErr != nil {
				s.apiFailure(apiErr, "User not found")
				return
			}
			if result.UserID == "" {
				s.toast("User not found", "error")
				return
			}
			if s.findChat(result.UserID) == nil {
				s.chats = append(s.chats, model.Chat{
					ID:          result.UserID,
					Name:        result.Username,
					DisplayName: result.Username,
					AvatarURL:   result.AvatarURL,
				})
			}
			s.publishChats()
			if result.AvatarURL == "" {
				s.fetchAvatar(result.UserID)
			}
		})
	}()
}

func (s *Store) createGroup(name string, memberIDs []string) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.toast("Group name is required", "error")
		return
	}
	if len(memberIDs) == 0 {
		s.toast("Select at least one member", "error")
		return
	}
	go func() {
		result, apiErr := s.api.CreateGroup(s.ctx, name, memberIDs)
		s.do(func() {
			if apiErr != nil {
				s.apiFailure(apiErr, "Failed to create group")
				return
			}
			groupName := result.GroupName
			if groupName == "" {
				groupName = name
			}
			s.toast("Group \""+groupName+"\" created", "info")
			// The server owns the group's chat entry; refetch the list
			// so it appears with its id and metadata.
			s.refreshChats()
		})
	}()
}

// ---- push channel events ----

func (s *Store) handleWsEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindWsState:
		sc, ok := evt.Payload.(ws.StateChange)
		if !ok {
			return
		}
		wasOffline := s.offline
		s.setOffline(!sc.Connected)
		if wasOffline && sc.Connected {
			// Back online: resync what the push channel may have missed.
			s.refreshChats()
			if chatID := s.selectedChatID; chatID != "" {
				s.refetchSelected(chatID)
			}
		}
	case bus.KindWsMessage:
		if msg, ok := evt.Payload.(model.Message); ok {
			s.handlePushedMessage(msg)
		}
	case bus.KindWsTyping:
		if ev, ok := evt.Payload.(model.TypingEvent); ok {
			s.handleTyping(ev)
		}
	case bus.KindWsDelivered:
		if r, ok := evt.Payload.(ws.Receipt); ok {
			s.applyReceipt(r.MessageID, model.StatusDelivered)
		}
	case bus.KindWsRead:
		if r, ok := evt.Payload.(ws.Receipt); ok {
			s.applyReceipt(r.MessageID, model.StatusRead)
		}
	case bus.KindWsDeleted:
		if del, ok := evt.Payload.(ws.Deleted); ok {
			s.removeMessageByID(del.MessageID)
			s.publishMessages()
		}
	case bus.KindWsAvatar:
		if av, ok := evt.Payload.(ws.AvatarUpdate); ok {
			if chat := s.findChat(av.UserID); chat != nil {
				chat.AvatarURL = av.AvatarURL
				s.publishChats()
			}
		}
	}
}

func (s *Store) handlePushedMessage(msg model.Message) {
	if msg.ID == "" && msg.TempID == "" {
		// No identity at all: cannot dedupe or reconcile, so a replayed
		// frame would duplicate it. Drop.
		return
	}
	chatID := pushedChatID(msg)

	if msg.Sent {
		// Echo of our own message: reconcile with the optimistic
		// record instead of appending a duplicate.
		if msg.TempID != "" && s.findMessageByTempID(msg.TempID) != nil {
			s.reconcile(msg.TempID, msg)
			return
		}
		if msg.ID != "" && s.findMessageByID(msg.ID) != nil {
			return
		}
	}

	if s.findChat(chatID) == nil {
		// First message from a chat we have never listed (new contact
		// or a group created elsewhere); refetch the list so it shows
		// up with its proper metadata.
		if chatID != "" {
			s.refreshChats()
		}
	} else {
		s.updateChatPreview(chatID, msg.Content, msg.Time)
	}

	if chatID == s.selectedChatID {
		if msg.ID != "" && s.findMessageByID(msg.ID) != nil {
			return // duplicate push
		}
		msg.ChatID = chatID
		s.messages = append(s.messages, msg)
		s.publishMessages()
		if !msg.Sent && msg.ID != "" {
			s.push.SendReceipt("message_read", msg.ID)
		}
		return
	}

	if !msg.Sent {
		if chat := s.findChat(chatID); chat != nil {
			chat.Unread++
		}
		s.publishChats()
		if msg.ID != "" {
			s.push.SendReceipt("message_delivered", msg.ID)
		}
	}
}

func (s *Store) handleTyping(ev model.TypingEvent) {
	chatID := ev.ChatID
	if chatID == "" {
		chatID = ev.FromUserID
	}
	if chatID != s.selectedChatID {
		return
	}
	if !ev.IsTyping {
		s.clearTyping()
		return
	}
	s.typingUser = ev.FromUsername
	s.publishTyping(true)
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	// Stale indicators clear themselves; a typing=false frame is not
	// guaranteed to arrive.
	s.typingTimer = time.AfterFunc(s.typingTTL, func() {
		s.do(s.clearTyping)
	})
}

func (s *Store) clearTyping() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.typingUser == "" {
		return
	}
	s.typingUser = ""
	s.publishTyping(false)
}

func (s *Store) applyReceipt(messageID string, status model.DeliveryStatus) {
	msg := s.findMessageByID(messageID)
	if msg == nil {
		return
	}
	switch status {
	case model.StatusRead:
		msg.IsRead = true
		msg.IsDelivered = true
		msg.Status = model.StatusRead
	case model.StatusDelivered:
		msg.IsDelivered = true
		if msg.Status != model.StatusRead {
			msg.Status = model.StatusDelivered
		}
	}
	s.publishMessages()
}

// ---- transfer events ----

func (s *Store) handleUploadEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindUploadProgress:
		p, ok := evt.Payload.(upload.Progress)
		if !ok {
			return
		}
		if msg := s.findMessageByTempID(p.TempID); msg != nil {
			msg.TransferProgress = p.Percent
			s.publishMessages()
		}
		s.setUploadState(p.TempID, "uploading", p.Percent, "")
		s.publishUploads()
	case bus.KindUploadFinished:
		fin, ok := evt.Payload.(upload.Finished)
		if !ok {
			return
		}
		s.removeUpload(fin.TempID)
		s.publishUploads()
		msg := s.findMessageByTempID(fin.TempID)
		if msg == nil {
			return
		}
		msg.Type = fin.Type
		msg.FilePath = fin.Result.FilePath
		msg.FileName = fin.Result.FileName
		msg.FileSize = fin.Result.FileSize
		msg.TransferState = model.TransferNone
		msg.TransferProgress = 100
		s.publishMessages()
		// The file is on the server; now attach it to a message.
		s.postMessage(api.SendMessageRequest{
			ChatID:   fin.ChatID,
			Content:  fin.Result.FileName,
			Type:     fin.Type,
			TempID:   fin.TempID,
			FilePath: fin.Result.FilePath,
			FileName: fin.Result.FileName,
			FileSize: fin.Result.FileSize,
		})
	case bus.KindUploadFailed:
		f, ok := evt.Payload.(upload.Failed)
		if !ok {
			return
		}
		errMsg := "Upload failed"
		if f.Err != nil && f.Err.UserMessage != "" {
			errMsg = f.Err.UserMessage
		}
		if msg := s.findMessageByTempID(f.TempID); msg != nil {
			msg.Status = model.StatusFailed
			msg.TransferState = model.TransferFailed
			s.publishMessages()
		}
		s.setUploadState(f.TempID, "failed", 0, errMsg)
		s.publishUploads()
		s.toast(errMsg, "error")
	case bus.KindUploadCancelled:
		c, ok := evt.Payload.(upload.Cancelled)
		if !ok {
			return
		}
		s.removeMessageByTempID(c.TempID)
		s.removeUpload(c.TempID)
		s.publishMessages()
		s.publishUploads()
	}
}

// ---- reconciliation ----

// reconcile merges the server record into the optimistic one, keyed by
// the correlation id. Applying the same confirmation twice is a no-op,
// so the send response and the push echo can arrive in either order.
func (s *Store) reconcile(tempID string, server model.Message) {
	msg := s.findMessageByTempID(tempID)
	if msg == nil {
		// Selection moved to another chat while the send was in
		// flight; the push echo or the next fetch covers it.
		return
	}
	if msg.Confirmed() {
		return
	}
	if server.ID != "" && s.findMessageByID(server.ID) != nil {
		// The echo appended a confirmed copy before we reconciled;
		// drop the optimistic record in its favor.
		s.removeMessageByTempID(tempID)
		s.publishMessages()
		return
	}
	msg.ID = server.ID
	if server.CreatedAt != "" {
		msg.CreatedAt = server.CreatedAt
	}
	if server.FilePath != "" {
		msg.FilePath = server.FilePath
		msg.FileName = server.FileName
		msg.FileSize = server.FileSize
	}
	if server.Status != "" {
		msg.Status = server.Status
	} else {
		switch msg.Status {
		case model.StatusSending, model.StatusFailed, "":
			msg.Status = model.StatusSent
		}
	}
	s.publishMessages()
}

func (s *Store) markSendFailed(tempID string, apiErr *api.Error) {
	if apiErr.NetworkError {
		s.setOffline(true)
	}
	msg := s.findMessageByTempID(tempID)
	if msg == nil || msg.Confirmed() {
		return
	}
	msg.Status = model.StatusFailed
	s.publishMessages()
	s.toast(apiErr.UserMessage, "error")
}

// ---- helpers, all on the event loop ----

func (s *Store) refetchSelected(chatID string) {
	go func() {
		msgs, apiErr := s.api.FetchMessages(s.ctx, chatID)
		s.do(func() {
			if apiErr != nil || s.selectedChatID != chatID {
				return
			}
			s.messages = mergeUnconfirmed(msgs, s.messages)
			s.publishMessages()
		})
	}()
}

// mergeUnconfirmed keeps local unconfirmed records (still sending or
// failed) on top of a fresh server fetch.
func mergeUnconfirmed(fetched, local []model.Message) []model.Message {
	merged := fetched
	for _, msg := range local {
		if !msg.Confirmed() {
			merged = append(merged, msg)
		}
	}
	return merged
}

func (s *Store) apiFailure(apiErr *api.Error, fallback string) {
	if apiErr.NetworkError {
		s.setOffline(true)
	}
	text := apiErr.UserMessage
	if text == "" {
		text = fallback
	}
	s.toast(text, "error")
}

func (s *Store) setOffline(offline bool) {
	if s.offline == offline {
		return
	}
	s.offline = offline
	s.bus.Publish(bus.Event{Kind: bus.KindStoreOffline, Timestamp: s.now(), Payload: offline})
}

func (s *Store) toast(message, level string) {
	s.bus.Publish(bus.Event{Kind: bus.KindStoreToast, Timestamp: s.now(), Payload: Toast{Message: message, Level: level}})
}

func (s *Store) publishChats() {
	s.bus.Publish(bus.Event{Kind: bus.KindStoreChats, Timestamp: s.now(), Payload: s.filteredChats()})
}

func (s *Store) publishMessages() {
	msgs := make([]model.Message, len(s.messages))
	copy(msgs, s.messages)
	s.bus.Publish(bus.Event{Kind: bus.KindStoreMessages, Timestamp: s.now(), Payload: msgs})
}

func (s *Store) publishUploads() {
	items := make([]model.UploadItem, len(s.uploads))
	copy(items, s.uploads)
	s.bus.Publish(bus.Event{Kind: bus.KindStoreUploads, Timestamp: s.now(), Payload: items})
}

func (s *Store) publishTyping(active bool) {
	s.bus.Publish(bus.Event{Kind: bus.KindStoreTyping, Timestamp: s.now(), Payload: TypingState{
		ChatID:   s.selectedChatID,
		Username: s.typingUser,
		Active:   active,
	}})
}

func (s *Store) filteredChats() []model.Chat {
	out := make([]model.Chat, 0, len(s.chats))
	query := strings.ToLower(s.searchQuery)
	for _, chat := range s.chats {
		if query != "" &&
			!strings.Contains(strings.ToLower(chat.Name), query) &&
			!strings.Contains(strings.ToLower(chat.DisplayName), query) {
			continue
		}
		out = append(out, chat)
	}
	return out
}

func (s *Store) snapshot() Snapshot {
	snap := Snapshot{
		Chats:          s.filteredChats(),
		Messages:       make([]model.Message, len(s.messages)),
		Uploads:        make([]model.UploadItem, len(s.uploads)),
		SelectedChatID: s.selectedChatID,
		Offline:        s.offline,
		TypingUser:     s.typingUser,
		SearchQuery:    s.searchQuery,
	}
	copy(snap.Messages, s.messages)
	copy(snap.Uploads, s.uploads)
	return snap
}

func (s *Store) findChat(chatID string) *model.Chat {
	for i := range s.chats {
		if s.chats[i].ID == chatID {
			return &s.chats[i]
		}
	}
	return nil
}

func (s *Store) findMessageByTempID(tempID string) *model.Message {
	if tempID == "" {
		return nil
	}
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			return &s.messages[i]
		}
	}
	return nil
}

func (s *Store) findMessageByID(id string) *model.Message {
	if id == "" {
		return nil
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return &s.messages[i]
		}
	}
	return nil
}

func (s *Store) removeMessageByID(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Store) removeMessageByTempID(tempID string) {
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Store) setUploadState(tempID, state string, progress int, errMsg string) {
	for i := range s.uploads {
		if s.uploads[i].TempID == tempID {
			s.uploads[i].State = state
			s.uploads[i].Progress = progress
			s.uploads[i].Error = errMsg
			return
		}
	}
}

func (s *Store) removeUpload(tempID string) {
	for i := range s.uploads {
		if s.uploads[i].TempID == tempID {
			s.uploads = append(s.uploads[:i], s.uploads[i+1:]...)
			return
		}
	}
}

func (s *Store) updateChatPreview(chatID, content, when string) {
	chat := s.findChat(chatID)
	if chat == nil {
		return
	}
	chat.LastMessage = content
	if when != "" {
		chat.Time = when
	}
	s.publishChats()
}

// pushedChatID resolves the conversation a pushed message belongs to:
// chat_id when the server sets it, otherwise the peer.
func pushedChatID(msg model.Message) string {
	if msg.ChatID != "" {
		return msg.ChatID
	}
	if msg.Sent {
		return msg.ReceiverID
	}
	return msg.SenderID
}
