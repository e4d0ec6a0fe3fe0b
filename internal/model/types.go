package model

// MessageType classifies message content.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeVoice MessageType = "voice"
)

// DeliveryStatus tracks an outgoing message through its lifecycle.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// TransferState is the upload sub-state of an attachment message.
type TransferState string

const (
	TransferNone      TransferState = "none"
	TransferUploading TransferState = "uploading"
	TransferFailed    TransferState = "failed"
)

// Chat is a conversation as shown in the chat list.
type Chat struct {
	ID          string
	Name        string
	DisplayName string
	AvatarURL   string
	LastMessage string
	Time        string
	Unread      int
	Online      bool
	Pinned      bool
	Muted       bool
}

// Message is a chat message. Exactly one of ID (server identity) or
// TempID (client correlation identity) is set while unconfirmed; after
// reconciliation ID is set and TempID may be retained for de-dup.
type Message struct {
	ID          string
	TempID      string
	ChatID      string
	SenderID    string
	ReceiverID  string
	Content     string
	Type        MessageType
	Sent        bool // authored by the current user
	Status      DeliveryStatus
	IsRead      bool
	IsDelivered bool

	FilePath      string
	FileName      string
	FileSize      int64
	MimeType      string
	LocalFilePath string

	TransferState    TransferState
	TransferProgress int

	ReplyToMessageID string
	CreatedAt        string
	Time             string
}

// Confirmed reports whether the message carries a server identity.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// TypingEvent is an inbound typing notification.
type TypingEvent struct {
	ChatType     string
	ChatID       string
	FromUserID   string
	FromUsername string
	IsTyping     bool
}

// UploadItem mirrors an in-flight transfer in the read model.
type UploadItem struct {
	TempID   string
	FilePath string
	FileName string
	FileSize int64
	State    string // uploading, failed
	Progress int
	Error    string
}
