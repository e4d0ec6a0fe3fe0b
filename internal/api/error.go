package api

// Error is the typed failure surfaced by the request client and the
// transfer manager. UserMessage is safe to show; DebugMessage may carry
// transport detail and stays in logs.
type Error struct {
	HTTPStatus   int
	UserMessage  string
	DebugMessage string
	ServerCode   string
	Transient    bool
	NetworkError bool
}

func (e *Error) Error() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return "request failed"
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(status int) bool {
	switch status {
	case 408, 429, 502, 503, 504:
		return true
	}
	return false
}
