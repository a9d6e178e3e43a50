package natsbus

// Topic layout for presence pub/sub.
//
// The tracker publishes on presence.* and consumes server.events.* from
// whatever tails the game server (log tailer, protocol hook). Identity
// resolution is a request/reply topic served by an external resolver.

const (
	// Published by the tracker
	TopicPresenceJoined   = "presence.joined"
	TopicPresenceLeft     = "presence.left"
	TopicPresenceWatchdog = "presence.watchdog"
	TopicPresenceAll      = "presence.>"

	// Consumed by the tracker
	TopicServerPlayerJoined = "server.events.player_joined"
	TopicServerPlayerLeft   = "server.events.player_left"

	// Request/reply to an external identity resolver
	TopicIdentityResolve = "identity.resolve"
)
