// Package protocol defines the tagged message envelopes exchanged over the
// lobby session connection.
//
// Every frame on the wire is a JSON object {"messageType": "<Tag>",
// "payload": {...}} where the tag fully determines the payload shape.
// Game-specific payloads stay opaque json.RawMessage values; interpreting
// them is the job of whatever consumer is registered for the game type.
package protocol
