// Package phx implements the client side of a Phoenix-style realtime
// messaging protocol: a multiplexed, topic-oriented, reply-bearing
// messaging layer carried over a single bidirectional text-frame transport.
//
// A Socket owns one transport connection and multiplexes any number of
// Channels, each bound to a topic. Channel.Join, Channel.Push and
// Channel.Leave never block; results arrive asynchronously through
// receivers registered on the returned Push.
package phx
