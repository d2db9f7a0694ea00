package chat

import (
	"strings"
	"testing"

	"openplus/internal/domain"
)

func TestReply_EmptyMessage_Greets(t *testing.T) {
	got := Reply(domain.ChatMessage{})
	if got.Reply != "Hello!" {
		t.Errorf("got %q", got.Reply)
	}
}

func TestReply_WhitespaceOnly_Echoed(t *testing.T) {
	got := Reply(domain.ChatMessage{Message: "  \t"})
	if got.Reply != "You said:   \t" {
		t.Errorf("got %q", got.Reply)
	}
}

func TestReply_SurroundingSpaces_Kept(t *testing.T) {
	got := Reply(domain.ChatMessage{Message: " hi "})
	if got.Reply != "You said:  hi " {
		t.Errorf("got %q", got.Reply)
	}
}

func TestReply_EchoesMessage(t *testing.T) {
	got := Reply(domain.ChatMessage{Message: "how are you"})
	if got.Reply != "You said: how are you" {
		t.Errorf("got %q", got.Reply)
	}
}

func TestReply_AcknowledgesAttachments(t *testing.T) {
	got := Reply(domain.ChatMessage{Message: "look", HasImage: true, HasAudio: true})
	lines := strings.Split(got.Reply, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), got.Reply)
	}
	if lines[1] != "I received an image." || lines[2] != "I received an audio clip." {
		t.Errorf("unexpected acknowledgements: %q", lines[1:])
	}
}

func TestReply_AudioOnly(t *testing.T) {
	got := Reply(domain.ChatMessage{HasAudio: true})
	if got.Reply != "Hello!\nI received an audio clip." {
		t.Errorf("got %q", got.Reply)
	}
}

func TestReply_Deterministic(t *testing.T) {
	msg := domain.ChatMessage{Message: "same", HasImage: true}
	if Reply(msg) != Reply(msg) {
		t.Error("reply should be deterministic")
	}
}
