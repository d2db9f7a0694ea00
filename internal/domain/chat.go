package domain

// ChatMessage is the body of POST /api/chat. It is never persisted.
type ChatMessage struct {
	Message  string `json:"message"`
	HasImage bool   `json:"has_image"`
	HasAudio bool   `json:"has_audio"`
}

// ChatReply is the response to a ChatMessage.
type ChatReply struct {
	Reply string `json:"reply"`
}
