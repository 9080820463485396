package twitch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var parseTime = time.Unix(1700000000, 0)

func TestParsePrivMsg(t *testing.T) {
	kind, msg := parseLine(":viewer1!viewer1@viewer1.tmi.twitch.tv PRIVMSG #SomeChannel :!guess 7\r\n", parseTime)

	assert.Equal(t, linePrivMsg, kind)
	assert.Equal(t, ParsedMessage{
		Channel:   "somechannel",
		Sender:    "viewer1",
		Text:      "!guess 7",
		Timestamp: 1700000000,
	}, msg)
}

func TestParsePrivMsgWithTags(t *testing.T) {
	line := "@badge-info=;color=#FF0000;display-name=Viewer1 :viewer1!viewer1@viewer1.tmi.twitch.tv PRIVMSG #somechannel :hello there"
	kind, msg := parseLine(line, parseTime)

	assert.Equal(t, linePrivMsg, kind)
	assert.Equal(t, "viewer1", msg.Sender)
	assert.Equal(t, "hello there", msg.Text)
}

func TestParseMessageTextKeepsColons(t *testing.T) {
	kind, msg := parseLine(":v!v@v.tmi.twitch.tv PRIVMSG #c :answer: 42", parseTime)

	assert.Equal(t, linePrivMsg, kind)
	assert.Equal(t, "answer: 42", msg.Text)
}

func TestParsePing(t *testing.T) {
	kind, _ := parseLine("PING :tmi.twitch.tv\r\n", parseTime)
	assert.Equal(t, linePing, kind)
}

func TestParseIgnoresOtherLines(t *testing.T) {
	for _, line := range []string{
		"",
		":tmi.twitch.tv 001 justinfan123 :Welcome, GLHF!",
		":justinfan123.tmi.twitch.tv 366 justinfan123 #chan :End of /NAMES list",
		":viewer1!v@v.tmi.twitch.tv JOIN #somechannel",
		"garbage without structure",
	} {
		kind, _ := parseLine(line, parseTime)
		assert.Equal(t, lineOther, kind, "line: %q", line)
	}
}

func TestNormalizeChannel(t *testing.T) {
	assert.Equal(t, "somechannel", NormalizeChannel("#SomeChannel"))
	assert.Equal(t, "somechannel", NormalizeChannel("  someCHANNEL "))
	assert.Equal(t, "", NormalizeChannel("#"))
}
