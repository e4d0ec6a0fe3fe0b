package api

import (
	"context"

	"github.com/xipher-im/xipher/internal/dto"
	"github.com/xipher-im/xipher/internal/model"
	"go.uber.org/zap"
)

// SendMessageRequest carries a user-authored message to the server.
// TempID correlates the response (and the push echo) with the
// optimistic local record.
type SendMessageRequest struct {
	ChatID    string
	Content   string
	Type      model.MessageType
	ReplyToID string
	TempID    string
	FilePath  string
	FileName  string
	FileSize  int64
}

// LoginResult is the parsed /api/login payload.
type LoginResult struct {
	UserID   string
	Username string
	Token    string
}

// SessionResult is the parsed /api/validate-token payload.
type SessionResult struct {
	UserID   string
	Username string
}

// UploadResult is the remote descriptor of an uploaded file.
type UploadResult struct {
	FilePath string
	FileName string
	FileSize int64
}

// FindUserResult is the parsed /api/find-user payload.
type FindUserResult struct {
	UserID    string
	Username  string
	AvatarURL string
}

// CreateGroupResult is the parsed /api/create-group payload.
type CreateGroupResult struct {
	GroupID   string
	GroupName string
}

// ProfileResult is the parsed /api/user-profile payload.
type ProfileResult struct {
	UserID    string
	Username  string
	AvatarURL string
	Bio       string
}

// Login authenticates with username and password.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, *Error) {
	res, apiErr := c.PostJSON(ctx, "/api/login", map[string]any{
		"username": username,
		"password": password,
	})
	if apiErr != nil {
		return LoginResult{}, apiErr
	}
	data := res.Get("data")
	return LoginResult{
		UserID:   dto.Str(data.Get("user_id"), ""),
		Username: dto.Str(data.Get("username"), ""),
		Token:    dto.Str(data.Get("token"), ""),
	}, nil
}

// ValidateToken checks whether the restored session is still valid.
func (c *Client) ValidateToken(ctx context.Context) (SessionResult, *Error) {
	payload := map[string]any{}
	if tok := c.token(); tok != "" {
		payload["token"] = tok
	}
	c.logger.Info("validating token", zap.String("token", c.logToken()))
	res, apiErr := c.PostJSON(ctx, "/api/validate-token", payload)
	if apiErr != nil {
		return SessionResult{}, apiErr
	}
	data := res.Get("data")
	return SessionResult{
		UserID:   dto.Str(data.Get("user_id"), ""),
		Username: dto.Str(data.Get("username"), ""),
	}, nil
}

// FetchChats returns the chat list.
func (c *Client) FetchChats(ctx context.Context) ([]model.Chat, *Error) {
	tok, apiErr := c.requireToken("fetchChats")
	if apiErr != nil {
		return nil, apiErr
	}
	res, apiErr := c.PostJSON(ctx, "/api/chats", map[string]any{"token": tok})
	if apiErr != nil {
		return nil, apiErr
	}
	return dto.ParseChats(res.Get("chats")), nil
}

// FetchMessages returns the full message list for a chat.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]model.Message, *Error) {
	tok, apiErr := c.requireToken("fetchMessages")
	if apiErr != nil {
		return nil, apiErr
	}
	res, apiErr := c.PostJSON(ctx, "/api/messages", map[string]any{
		"token":     tok,
		"friend_id": chatID,
	})
	if apiErr != nil {
		return nil, apiErr
	}
	return dto.ParseMessages(res.Get("messages")), nil
}

// SendMessage delivers a text or attachment message. The returned
// record carries the server identity plus the echoed temp_id.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (model.Message, *Error) {
	tok, apiErr := c.requireToken("sendMessage")
	if apiErr != nil {
		return model.Message{}, apiErr
	}
	payload := map[string]any{
		"token":        tok,
		"receiver_id":  req.ChatID,
		"content":      req.Content,
		"message_type": string(req.Type),
	}
	if req.Type == "" {
		payload["message_type"] = string(model.TypeText)
	}
	if req.ReplyToID != "" {
		payload["reply_to_message_id"] = req.ReplyToID
	}
	if req.TempID != "" {
		payload["temp_id"] = req.TempID
	}
	if req.FilePath != "" {
		payload["file_path"] = req.FilePath
		payload["file_name"] = req.FileName
		payload["file_size"] = req.FileSize
	}

	res, apiErr := c.PostJSON(ctx, "/api/send-message", payload)
	if apiErr != nil {
		return model.Message{}, apiErr
	}
	msg := dto.ParseMessage(res)
	if msg.TempID == "" {
		msg.TempID = req.TempID
	}
	return msg, nil
}

// DeleteMessage removes a message by server id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) *Error {
	tok, apiErr := c.requireToken("deleteMessage")
	if apiErr != nil {
		return apiErr
	}
	_, apiErr = c.PostJSON(ctx, "/api/delete-message", map[string]any{
		"token":      tok,
		"message_id": messageID,
	})
	return apiErr
}

// UploadFile sends a base64-encoded file body and returns the remote
// descriptor. The transfer manager owns retry for this call, so it is
// issued without the client-level retry loop.
func (c *Client) UploadFile(ctx context.Context, fileName, base64Data string) (UploadResult, *Error) {
	tok, apiErr := c.requireToken("uploadFile")
	if apiErr != nil {
		return UploadResult{}, apiErr
	}
	res, apiErr := c.postOnce(ctx, "/api/upload-file", map[string]any{
		"token":     tok,
		"file_data": base64Data,
		"file_name": fileName,
	})
	if apiErr != nil {
		return UploadResult{}, apiErr
	}
	return UploadResult{
		FilePath: dto.Str(res.Get("file_path"), ""),
		FileName: dto.Str(res.Get("file_name"), ""),
		FileSize: dto.Int(res.Get("file_size"), 0),
	}, nil
}

// GetUserProfile fetches a user's profile (avatar, bio).
func (c *Client) GetUserProfile(ctx context.Context, userID string) (ProfileResult, *Error) {
	tok, apiErr := c.requireToken("getUserProfile")
	if apiErr != nil {
		return ProfileResult{}, apiErr
	}
	res, apiErr := c.PostJSON(ctx, "/api/user-profile", map[string]any{
		"token":   tok,
		"user_id": userID,
	})
	if apiErr != nil {
		return ProfileResult{}, apiErr
	}
	data := res.Get("data")
	if !data.IsObject() {
		data = res
	}
	return ProfileResult{
		UserID:    dto.Str(data.Get("user_id"), userID),
		Username:  dto.Str(data.Get("username"), ""),
		AvatarURL: dto.Str(data.Get("avatar_url"), ""),
		Bio:       dto.Str(data.Get("bio"), ""),
	}, nil
}

// CreateGroup creates a named group chat with the given member ids.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (CreateGroupResult, *Error) {
	tok, apiErr := c.requireToken("createGroup")
	if apiErr != nil {
		return CreateGroupResult{}, apiErr
	}
	res, apiErr := c.PostJSON(ctx, "/api/create-group", map[string]any{
		"token":   tok,
		"name":    name,
		"members": memberIDs,
	})
	if apiErr != nil {
		return CreateGroupResult{}, apiErr
	}
	return CreateGroupResult{
		GroupID:   dto.Str(res.Get("group_id"), ""),
		GroupName: dto.Str(res.Get("group_name"), ""),
	}, nil
}

// FindUser looks up a user by username.
func (c *Client) FindUser(ctx context.Context, username string) (FindUserResult, *Error) {
	tok, apiErr := c.requireToken("findUser")
	if apiErr != nil {
		return FindUserResult{}, apiErr
	}
	res, apiErr := c.PostJSON(ctx, "/api/find-user", map[string]any{
		"token":    tok,
		"username": username,
	})
	if apiErr != nil {
		return FindUserResult{}, apiErr
	}
	return FindUserResult{
		UserID:    dto.Str(res.Get("user_id"), ""),
		Username:  dto.Str(res.Get("username"), ""),
		AvatarURL: dto.Str(res.Get("avatar_url"), ""),
	}, nil
}
