package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the push channel client ("ws." namespace).
const (
	KindWsState     = "ws.state"
	KindWsMessage   = "ws.message"
	KindWsTyping    = "ws.typing"
	KindWsDelivered = "ws.delivered"
	KindWsRead      = "ws.read"
	KindWsDeleted   = "ws.deleted"
	KindWsAvatar    = "ws.avatar"
)

// Event kinds published by the transfer manager ("upload." namespace).
const (
	KindUploadProgress  = "upload.progress"
	KindUploadFinished  = "upload.finished"
	KindUploadFailed    = "upload.failed"
	KindUploadCancelled = "upload.cancelled"
)

// Event kinds published by the synchronization store ("store." namespace).
// The UI layer subscribes to these to refresh its read model.
const (
	KindStoreChats    = "store.chats"
	KindStoreMessages = "store.messages"
	KindStoreUploads  = "store.uploads"
	KindStoreTyping   = "store.typing"
	KindStoreOffline  = "store.offline"
	KindStoreToast    = "store.toast"
)
