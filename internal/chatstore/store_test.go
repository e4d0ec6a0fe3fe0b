package chatstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xipher-im/xipher/internal/api"
	"github.com/xipher-im/xipher/internal/bus"
	"github.com/xipher-im/xipher/internal/model"
	"github.com/xipher-im/xipher/internal/session"
	"github.com/xipher-im/xipher/internal/upload"
	"github.com/xipher-im/xipher/internal/ws"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu        sync.Mutex
	chats     []model.Chat
	messages  map[string][]model.Message
	sendFn    func(api.SendMessageRequest) (model.Message, *api.Error)
	sendCalls []api.SendMessageRequest
	deleteErr *api.Error
	findUser  api.FindUserResult
	findErr   *api.Error
	profiles  map[string]api.ProfileResult

	groupResult api.CreateGroupResult
	groupErr    *api.Error
	groupCalls  []string // group names, in call order
}

func (f *fakeAPI) FetchChats(context.Context) ([]model.Chat, *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Chat(nil), f.chats...), nil
}

func (f *fakeAPI) FetchMessages(_ context.Context, chatID string) ([]model.Message, *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[chatID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req api.SendMessageRequest) (model.Message, *api.Error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return model.Message{ID: "m9", TempID: req.TempID, ChatID: req.ChatID, Content: req.Content, Sent: true}, nil
}

func (f *fakeAPI) DeleteMessage(context.Context, string) *api.Error {
	return f.deleteErr
}

func (f *fakeAPI) FindUser(context.Context, string) (api.FindUserResult, *api.Error) {
	return f.findUser, f.findErr
}

func (f *fakeAPI) GetUserProfile(_ context.Context, userID string) (api.ProfileResult, *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeAPI) CreateGroup(_ context.Context, name string, _ []string) (api.CreateGroupResult, *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls = append(f.groupCalls, name)
	if f.groupErr != nil {
		return api.CreateGroupResult{}, f.groupErr
	}
	result := f.groupResult
	if result.GroupName == "" {
		result.GroupName = name
	}
	// The server lists the new group on the next chat fetch.
	f.chats = append(f.chats, model.Chat{ID: result.GroupID, Name: result.GroupName, DisplayName: result.GroupName})
	return result, nil
}

func (f *fakeAPI) sendCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendCalls)
}

func (f *fakeAPI) sendCallAt(i int) api.SendMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls[i]
}

type fakePusher struct {
	mu       sync.Mutex
	receipts []string // "type:messageID"
	typing   []string // "chatID:flag"
}

func (f *fakePusher) SendTyping(chatID, _ string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, fmt.Sprintf("%s:%v", chatID, isTyping))
}

func (f *fakePusher) SendReceipt(receiptType, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, receiptType+":"+messageID)
}

func (f *fakePusher) receiptList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.receipts...)
}

type fakeTransfers struct {
	mu       sync.Mutex
	starts   []upload.Request
	startErr error
	cancels  []string
}

func (f *fakeTransfers) Start(req upload.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, req)
	return nil
}

func (f *fakeTransfers) Cancel(tempID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, tempID)
	return true
}

func (f *fakeTransfers) MaxUploadBytes() int64 { return 0 }

func (f *fakeTransfers) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type harness struct {
	store     *Store
	api       *fakeAPI
	push      *fakePusher
	transfers *fakeTransfers
	bus       *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	sess := session.New()
	sess.Set("u1", "bob", "tok-1")

	a := &fakeAPI{
		chats: []model.Chat{
			{ID: "c1", Name: "alice", DisplayName: "Alice"},
			{ID: "c2", Name: "carol", DisplayName: "Carol"},
		},
		messages: map[string][]model.Message{},
	}
	p := &fakePusher{}
	tr := &fakeTransfers{}

	st := New(a, p, tr, b, sess, zap.NewNop())
	next := 0
	st.newTempID = func() string {
		next++
		return fmt.Sprintf("temp-%d", next)
	}
	st.typingTTL = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go st.Run(ctx)
	st.Snapshot() // loop is live and subscribed once this returns

	return &harness{store: st, api: a, push: p, transfers: tr, bus: b}
}

func (h *harness) goOnline(t *testing.T) {
	t.Helper()
	h.bus.Publish(bus.Event{Kind: bus.KindWsState, Payload: ws.StateChange{State: ws.StateAuthed, Connected: true}})
	h.waitSnapshot(t, func(s Snapshot) bool { return !s.Offline && len(s.Chats) == 2 })
}

func (h *harness) waitSnapshot(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = h.store.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met, last snapshot: %+v", snap)
	return snap
}

func (h *harness) openChat(t *testing.T, chatID string) {
	t.Helper()
	h.store.SelectChat(chatID)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.SelectedChatID == chatID })
}

func TestOfflineSendRejected(t *testing.T) {
	h := newHarness(t)
	// Never went online: the store starts offline.
	h.openChat(t, "c1")

	toasts := h.bus.Subscribe(bus.KindStoreToast, 4)
	defer toasts.Close()

	h.store.SendMessage("hi", "")

	select {
	case evt := <-toasts.C():
		if evt.Payload.(Toast).Level != "error" {
			t.Errorf("toast = %+v, want error level", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no toast for offline send")
	}

	snap := h.store.Snapshot()
	if len(snap.Messages) != 0 {
		t.Errorf("messages = %d, want 0 (no optimistic echo when offline)", len(snap.Messages))
	}
	if h.api.sendCallCount() != 0 {
		t.Errorf("send calls = %d, want 0", h.api.sendCallCount())
	}
}

func TestSendRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")

	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "m9"
	})
	msg := snap.Messages[0]
	if msg.Status != model.StatusSent || msg.Content != "hi" || msg.TempID != "temp-1" {
		t.Errorf("message = %+v", msg)
	}

	for _, chat := range snap.Chats {
		if chat.ID == "c1" && chat.LastMessage != "hi" {
			t.Errorf("chat preview = %q, want hi", chat.LastMessage)
		}
	}
}

func TestEchoAfterReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && s.Messages[0].ID == "m9" })

	// The push echo of our own message arrives after the send response.
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: model.Message{
		ID: "m9", TempID: "temp-1", ChatID: "c1", SenderID: "u1", Content: "hi", Sent: true,
	}})

	time.Sleep(30 * time.Millisecond)
	snap := h.store.Snapshot()
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1 (echo must not duplicate)", len(snap.Messages))
	}
}

func TestEchoBeforeResponseReconciles(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.api.sendFn = func(req api.SendMessageRequest) (model.Message, *api.Error) {
		<-release
		return model.Message{ID: "m9", TempID: req.TempID, ChatID: req.ChatID, Content: req.Content, Sent: true}, nil
	}
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	// The echo wins the race against the held-back send response.
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: model.Message{
		ID: "m9", TempID: "temp-1", ChatID: "c1", SenderID: "u1", Content: "hi", Sent: true,
	}})
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && s.Messages[0].ID == "m9" })

	close(release)
	time.Sleep(30 * time.Millisecond)
	snap := h.store.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "m9" {
		t.Errorf("messages = %+v, want single confirmed m9", snap.Messages)
	}
	if snap.Messages[0].Status != model.StatusSent {
		t.Errorf("status = %q, want sent", snap.Messages[0].Status)
	}
}

func TestDuplicatePushDropped(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	incoming := model.Message{ID: "x1", ChatID: "c1", SenderID: "c1", Content: "yo"}
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: incoming})
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: incoming})

	snap := h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) >= 1 })
	time.Sleep(30 * time.Millisecond)
	snap = h.store.Snapshot()
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1 after duplicate push", len(snap.Messages))
	}
	if got := h.push.receiptList(); len(got) != 1 || got[0] != "message_read:x1" {
		t.Errorf("receipts = %v, want single message_read:x1", got)
	}
	_ = snap
}

func TestIncomingOtherChatIncrementsUnread(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: model.Message{
		ID: "x2", ChatID: "c2", SenderID: "c2", Content: "psst",
	}})

	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		for _, chat := range s.Chats {
			if chat.ID == "c2" && chat.Unread == 1 {
				return true
			}
		}
		return false
	})
	if len(snap.Messages) != 0 {
		t.Errorf("open chat messages = %d, want 0", len(snap.Messages))
	}
	if got := h.push.receiptList(); len(got) != 1 || got[0] != "message_delivered:x2" {
		t.Errorf("receipts = %v, want message_delivered:x2", got)
	}
}

func TestPushFromUnknownChatRefreshesList(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	// The sender is not in the chat list yet; the next fetch lists it.
	h.api.mu.Lock()
	h.api.chats = append(h.api.chats, model.Chat{ID: "c3", Name: "erin", DisplayName: "Erin", Unread: 1})
	h.api.mu.Unlock()

	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: model.Message{
		ID: "x3", ChatID: "c3", SenderID: "c3", Content: "hello there",
	}})

	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		for _, chat := range s.Chats {
			if chat.ID == "c3" {
				return true
			}
		}
		return false
	})
	if len(snap.Messages) != 0 {
		t.Errorf("open chat messages = %d, want 0", len(snap.Messages))
	}
	if got := h.push.receiptList(); len(got) != 1 || got[0] != "message_delivered:x3" {
		t.Errorf("receipts = %v, want message_delivered:x3", got)
	}
}

func TestPushWithoutIdentityDropped(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	frame := model.Message{ChatID: "c1", SenderID: "c1", Content: "yo"}
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: frame})
	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: frame}) // replayed frame

	time.Sleep(30 * time.Millisecond)
	snap := h.store.Snapshot()
	if len(snap.Messages) != 0 {
		t.Errorf("messages = %d, want 0 for frames without any id", len(snap.Messages))
	}
	if got := h.push.receiptList(); len(got) != 0 {
		t.Errorf("receipts = %v, want none", got)
	}
}

func TestReconcileKeepsServerStatus(t *testing.T) {
	h := newHarness(t)
	h.api.sendFn = func(req api.SendMessageRequest) (model.Message, *api.Error) {
		return model.Message{
			ID: "m9", TempID: req.TempID, ChatID: req.ChatID,
			Content: req.Content, Sent: true, Status: model.StatusDelivered,
		}, nil
	}
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")
	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "m9"
	})
	if snap.Messages[0].Status != model.StatusDelivered {
		t.Errorf("status = %q, want server-reported delivered", snap.Messages[0].Status)
	}
}

func TestReceiptsAdvanceStatus(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")
	h.store.SendMessage("hi", "")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && s.Messages[0].ID == "m9" })

	h.bus.Publish(bus.Event{Kind: bus.KindWsDelivered, Payload: ws.Receipt{MessageID: "m9", ChatID: "c1"}})
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Messages[0].Status == model.StatusDelivered })

	h.bus.Publish(bus.Event{Kind: bus.KindWsRead, Payload: ws.Receipt{MessageID: "m9", ChatID: "c1"}})
	snap := h.waitSnapshot(t, func(s Snapshot) bool { return s.Messages[0].Status == model.StatusRead })
	if !snap.Messages[0].IsRead || !snap.Messages[0].IsDelivered {
		t.Errorf("flags = %+v", snap.Messages[0])
	}

	// A late delivered receipt must not downgrade read.
	h.bus.Publish(bus.Event{Kind: bus.KindWsDelivered, Payload: ws.Receipt{MessageID: "m9", ChatID: "c1"}})
	time.Sleep(30 * time.Millisecond)
	if got := h.store.Snapshot().Messages[0].Status; got != model.StatusRead {
		t.Errorf("status = %q, want read", got)
	}
}

func TestPushedDeleteRemovesMessage(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")
	h.store.SendMessage("hi", "")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && s.Messages[0].ID == "m9" })

	h.bus.Publish(bus.Event{Kind: bus.KindWsDeleted, Payload: ws.Deleted{MessageID: "m9", ChatID: "c1"}})
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 0 })
}

func TestTypingIndicatorAutoClears(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.bus.Publish(bus.Event{Kind: bus.KindWsTyping, Payload: model.TypingEvent{
		ChatID: "c1", FromUserID: "c1", FromUsername: "alice", IsTyping: true,
	}})
	h.waitSnapshot(t, func(s Snapshot) bool { return s.TypingUser == "alice" })

	// No typing=false frame arrives; the indicator clears on its own.
	h.waitSnapshot(t, func(s Snapshot) bool { return s.TypingUser == "" })
}

func TestTypingOtherChatIgnored(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.bus.Publish(bus.Event{Kind: bus.KindWsTyping, Payload: model.TypingEvent{
		ChatID: "c2", FromUsername: "carol", IsTyping: true,
	}})
	time.Sleep(30 * time.Millisecond)
	if got := h.store.Snapshot().TypingUser; got != "" {
		t.Errorf("TypingUser = %q, want empty for non-selected chat", got)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.AddAttachment("/tmp/photo.png")
	snap := h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && len(s.Uploads) == 1 })
	msg := snap.Messages[0]
	if msg.TransferState != model.TransferUploading || msg.Type != model.TypeImage {
		t.Errorf("message = %+v", msg)
	}
	if h.transfers.startCount() != 1 {
		t.Fatalf("transfer starts = %d, want 1", h.transfers.startCount())
	}

	h.bus.Publish(bus.Event{Kind: bus.KindUploadProgress, Payload: upload.Progress{TempID: "temp-1", ChatID: "c1", Percent: 20}})
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Messages[0].TransferProgress == 20 })

	h.bus.Publish(bus.Event{Kind: bus.KindUploadFinished, Payload: upload.Finished{
		TempID: "temp-1",
		ChatID: "c1",
		Result: api.UploadResult{FilePath: "/files/photo.png", FileName: "photo.png", FileSize: 42},
		Type:   model.TypeImage,
	}})

	// The upload hand-off sends the message with the same correlation id.
	snap = h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Uploads) == 0 && len(s.Messages) == 1 && s.Messages[0].ID == "m9"
	})
	if snap.Messages[0].FilePath != "/files/photo.png" {
		t.Errorf("file path = %q", snap.Messages[0].FilePath)
	}
	req := h.api.sendCallAt(0)
	if req.TempID != "temp-1" || req.FilePath != "/files/photo.png" || req.Type != model.TypeImage {
		t.Errorf("send request = %+v", req)
	}
}

func TestCancelledUploadRemovesMessageAndRecord(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.AddAttachment("/tmp/big.bin")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 && len(s.Uploads) == 1 })

	h.store.CancelUpload("temp-1")
	// The transfer manager confirms with a cancelled event.
	h.bus.Publish(bus.Event{Kind: bus.KindUploadCancelled, Payload: upload.Cancelled{TempID: "temp-1", ChatID: "c1"}})

	snap := h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 0 && len(s.Uploads) == 0 })
	_ = snap
	if h.api.sendCallCount() != 0 {
		t.Errorf("send calls = %d, want 0 for cancelled upload", h.api.sendCallCount())
	}
}

func TestFailedUploadRetriesPipeline(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.AddAttachment("/tmp/doc.pdf")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	h.bus.Publish(bus.Event{Kind: bus.KindUploadFailed, Payload: upload.Failed{
		TempID: "temp-1", ChatID: "c1", Err: &api.Error{UserMessage: "Service unavailable"},
	}})
	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == model.StatusFailed
	})
	if snap.Messages[0].TransferState != model.TransferFailed {
		t.Errorf("transfer state = %q, want failed", snap.Messages[0].TransferState)
	}
	if len(snap.Uploads) != 1 || snap.Uploads[0].State != "failed" {
		t.Errorf("uploads = %+v", snap.Uploads)
	}

	h.store.RetryMessage("temp-1")
	h.waitSnapshot(t, func(s Snapshot) bool {
		return s.Messages[0].Status == model.StatusSending && h.transfers.startCount() == 2
	})
}

func TestRetryFailedTextMessage(t *testing.T) {
	h := newHarness(t)
	failed := false
	h.api.sendFn = func(req api.SendMessageRequest) (model.Message, *api.Error) {
		if !failed {
			failed = true
			return model.Message{}, &api.Error{UserMessage: "Service unavailable", Transient: true}
		}
		return model.Message{ID: "m9", TempID: req.TempID, ChatID: req.ChatID, Content: req.Content, Sent: true}, nil
	}
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")
	h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == model.StatusFailed
	})

	h.store.RetryMessage("temp-1")
	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "m9"
	})
	if snap.Messages[0].Status != model.StatusSent {
		t.Errorf("status = %q, want sent", snap.Messages[0].Status)
	}
	if h.api.sendCallCount() != 2 {
		t.Errorf("send calls = %d, want 2", h.api.sendCallCount())
	}
}

func TestNetworkFailureMarksOffline(t *testing.T) {
	h := newHarness(t)
	h.api.sendFn = func(api.SendMessageRequest) (model.Message, *api.Error) {
		return model.Message{}, &api.Error{UserMessage: "Network error", Transient: true, NetworkError: true}
	}
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendMessage("hi", "")
	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return s.Offline && len(s.Messages) == 1 && s.Messages[0].Status == model.StatusFailed
	})
	_ = snap
}

func TestSearchFilter(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)

	h.store.SetSearchQuery("ali")
	snap := h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Chats) == 1 })
	if snap.Chats[0].ID != "c1" {
		t.Errorf("filtered chat = %+v", snap.Chats[0])
	}

	h.store.SetSearchQuery("")
	h.waitSnapshot(t, func(s Snapshot) bool { return len(s.Chats) == 2 })
}

func TestFindUserAddsChat(t *testing.T) {
	h := newHarness(t)
	h.api.findUser = api.FindUserResult{UserID: "u7", Username: "dave"}
	h.api.profiles = map[string]api.ProfileResult{
		"u7": {UserID: "u7", AvatarURL: "https://cdn.example.com/u7.png"},
	}
	h.goOnline(t)

	h.store.FindUser("dave")
	// The chat appears and its avatar is filled in from the profile.
	h.waitSnapshot(t, func(s Snapshot) bool {
		for _, chat := range s.Chats {
			if chat.ID == "u7" && chat.Name == "dave" && chat.AvatarURL != "" {
				return true
			}
		}
		return false
	})

	// Finding the same user again does not duplicate the entry.
	h.store.FindUser("dave")
	time.Sleep(30 * time.Millisecond)
	count := 0
	for _, chat := range h.store.Snapshot().Chats {
		if chat.ID == "u7" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("chat entries for u7 = %d, want 1", count)
	}
}

func TestCreateGroupRefreshesChats(t *testing.T) {
	h := newHarness(t)
	h.api.groupResult = api.CreateGroupResult{GroupID: "g1", GroupName: "team"}
	h.goOnline(t)

	toasts := h.bus.Subscribe(bus.KindStoreToast, 4)
	defer toasts.Close()

	h.store.CreateGroup("team", []string{"c1", "c2"})

	h.waitSnapshot(t, func(s Snapshot) bool {
		for _, chat := range s.Chats {
			if chat.ID == "g1" && chat.Name == "team" {
				return true
			}
		}
		return false
	})
	select {
	case evt := <-toasts.C():
		if evt.Payload.(Toast).Level != "info" {
			t.Errorf("toast = %+v, want info level", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no toast after group creation")
	}
}

func TestCreateGroupRejectsEmptyInput(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)

	h.store.CreateGroup("  ", []string{"c1"})
	h.store.CreateGroup("team", nil)

	time.Sleep(30 * time.Millisecond)
	h.api.mu.Lock()
	calls := len(h.api.groupCalls)
	h.api.mu.Unlock()
	if calls != 0 {
		t.Errorf("create-group calls = %d, want 0", calls)
	}
}

func TestSelectChatClearsUnreadAndFetches(t *testing.T) {
	h := newHarness(t)
	h.api.messages["c2"] = []model.Message{
		{ID: "x1", ChatID: "c2", SenderID: "c2", Content: "old"},
	}
	h.goOnline(t)
	h.openChat(t, "c1")

	h.bus.Publish(bus.Event{Kind: bus.KindWsMessage, Payload: model.Message{
		ID: "x2", ChatID: "c2", SenderID: "c2", Content: "new",
	}})
	h.waitSnapshot(t, func(s Snapshot) bool {
		for _, chat := range s.Chats {
			if chat.ID == "c2" && chat.Unread == 1 {
				return true
			}
		}
		return false
	})

	h.store.SelectChat("c2")
	snap := h.waitSnapshot(t, func(s Snapshot) bool {
		return s.SelectedChatID == "c2" && len(s.Messages) == 1
	})
	for _, chat := range snap.Chats {
		if chat.ID == "c2" && chat.Unread != 0 {
			t.Errorf("unread = %d, want 0 after opening", chat.Unread)
		}
	}
	if snap.Messages[0].ID != "x1" {
		t.Errorf("messages = %+v", snap.Messages)
	}
}

func TestSendTypingForwarded(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	h.openChat(t, "c1")

	h.store.SendTyping(true)
	h.store.SendTyping(false)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.push.mu.Lock()
		n := len(h.push.typing)
		h.push.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	if len(h.push.typing) != 2 || h.push.typing[0] != "c1:true" || h.push.typing[1] != "c1:false" {
		t.Errorf("typing = %v", h.push.typing)
	}
}
