package notify

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func TestSafeInvoke_CallsHookWithConversationID(t *testing.T) {
	var got string
	SafeInvoke(func(conversationID string) { got = conversationID }, "conv-1", zerolog.New(io.Discard))
	if got != "conv-1" {
		t.Errorf("hook received %q, want conv-1", got)
	}
}

func TestSafeInvoke_SwallowsPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("SafeInvoke should swallow panics, got: %v", r)
		}
	}()
	SafeInvoke(func(conversationID string) { panic("boom") }, "conv-2", zerolog.New(io.Discard))
}

func TestSafeInvoke_NilHookIsNoop(t *testing.T) {
	SafeInvoke(nil, "conv-3", zerolog.New(io.Discard))
}
