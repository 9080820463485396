// Package session implements the admin side of the lobby session protocol:
// one persistent connection to the game server carrying the connect
// handshake, heartbeat liveness, and all multiplexed command/event traffic.
//
// The engine is an actor: a single goroutine owns all connection state and
// every transition happens on message arrival (command, inbound frame, timer
// fire). Callers interact through the public methods, which post commands to
// the actor and never touch shared state.
package session
