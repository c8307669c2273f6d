package signaling

// CreateRoomResponse is the body of a 201 from POST /rooms.
type CreateRoomResponse struct {
	Room string `json:"room"`
}

type Message struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// ListMessagesResponse is the body of a 200 from GET /rooms/{room}/messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeBadRequest  = "bad_request"
	ErrorCodeNotFound    = "not_found"
	ErrorCodeTooLarge    = "too_large"
	ErrorCodeRateLimited = "rate_limited"
	ErrorCodeExhausted   = "exhausted"
	ErrorCodeInternal    = "internal"
)
