// Package room defines the bridge's view of the cloud conferencing
// session. The production implementation wraps the conferencing
// vendor's SDK; the bridge only depends on these interfaces, which is
// also what makes the orchestrator testable without network access.
package room

import (
	"context"

	"github.com/sipbridge/sipbridge/internal/media"
)

// Client joins conferencing sessions.
type Client interface {
	Join(ctx context.Context, session, identity string) (Handle, error)
}

// Handle is one participant connection to a conferencing session.
type Handle interface {
	// PublishLocalAudioTrack creates the bridge's from-phone track and
	// returns the sink that decoded call audio is written to.
	PublishLocalAudioTrack(sampleRate int) (media.FrameSink, error)

	// OnRemoteAudioTrack subscribes to the agent's outgoing audio. The
	// returned function cancels the subscription; the orchestrator owns
	// its lifetime.
	OnRemoteAudioTrack(cb func(media.AudioFrame)) (cancel func(), err error)

	// SendEvent publishes a payload on a topic to other participants.
	SendEvent(topic string, payload []byte) error

	// ConnectionLost closes when the session connection drops.
	ConnectionLost() <-chan struct{}

	// Close disconnects from the session.
	Close() error
}
