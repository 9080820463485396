// Package twitch ingests chat messages from Twitch IRC and hands them to the
// lobby layer. The connection is anonymous and read-only; no Helix API
// credentials are involved.
package twitch

import (
	"strings"
	"time"
)

// ParsedMessage is one chat message extracted from the IRC stream.
type ParsedMessage struct {
	Channel   string
	Sender    string
	Text      string
	Timestamp int64 // unix seconds
}

type lineKind int

const (
	lineOther lineKind = iota
	linePing
	linePrivMsg
)

// parseLine classifies one raw IRC line. Twitch may prefix lines with IRCv3
// tags; those are ignored wholesale.
func parseLine(raw string, now time.Time) (lineKind, ParsedMessage) {
	line := strings.TrimRight(raw, "\r\n")
	if line == "" {
		return lineOther, ParsedMessage{}
	}

	if strings.HasPrefix(line, "PING") {
		return linePing, ParsedMessage{}
	}

	if strings.HasPrefix(line, "@") {
		_, rest, ok := strings.Cut(line, " ")
		if !ok {
			return lineOther, ParsedMessage{}
		}
		line = rest
	}

	// :sender!user@host PRIVMSG #channel :text
	if !strings.HasPrefix(line, ":") {
		return lineOther, ParsedMessage{}
	}
	prefix, rest, ok := strings.Cut(line[1:], " ")
	if !ok {
		return lineOther, ParsedMessage{}
	}
	command, rest, ok := strings.Cut(rest, " ")
	if !ok || command != "PRIVMSG" {
		return lineOther, ParsedMessage{}
	}
	target, text, ok := strings.Cut(rest, " :")
	if !ok {
		return lineOther, ParsedMessage{}
	}

	sender := prefix
	if i := strings.IndexByte(sender, '!'); i >= 0 {
		sender = sender[:i]
	}

	return linePrivMsg, ParsedMessage{
		Channel:   NormalizeChannel(target),
		Sender:    sender,
		Text:      text,
		Timestamp: now.Unix(),
	}
}

// NormalizeChannel lowercases a channel name and strips the IRC # prefix so
// lobby subscriptions and IRC lines compare equal.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}
