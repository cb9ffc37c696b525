// Package notify provides the single callback the Scheduler fires when a
// job reaches the completed state.
package notify

import (
	"github.com/rs/zerolog"
)

// Hook is invoked with the conversation id of a job that just completed;
// failed jobs do not fire it. Implementations typically push a message to a chat frontend or a
// websocket subscriber; the Scheduler does not care which.
type Hook func(conversationID string)

// SafeInvoke calls hook, recovering any panic and logging (rather than
// propagating) any error-shaped failure, so a broken notification target
// can never take down the worker loop.
func SafeInvoke(hook Hook, conversationID string, log zerolog.Logger) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "notify").
				Str("conversation_id", conversationID).
				Interface("panic", r).
				Msg("notification hook panicked, ignoring")
		}
	}()
	hook(conversationID)
}
