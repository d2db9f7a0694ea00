// Package chat builds the placeholder replies for the chat endpoint.
// No model is involved: the reply is a pure function of the message.
package chat

import (
	"strings"

	"openplus/internal/domain"
)

const (
	greeting     = "Hello!"
	imageAck     = "I received an image."
	audioAck     = "I received an audio clip."
	echoTemplate = "You said: "
)

// Reply returns the deterministic reply for msg. It never returns an empty
// string. The message is echoed verbatim, whitespace included; only an
// empty message is greeted.
func Reply(msg domain.ChatMessage) domain.ChatReply {
	parts := make([]string, 0, 3)
	if msg.Message != "" {
		parts = append(parts, echoTemplate+msg.Message)
	} else {
		parts = append(parts, greeting)
	}
	if msg.HasImage {
		parts = append(parts, imageAck)
	}
	if msg.HasAudio {
		parts = append(parts, audioAck)
	}
	return domain.ChatReply{Reply: strings.Join(parts, "\n")}
}
