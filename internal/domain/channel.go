package domain

import (
	"strconv"
	"strings"
)

// Data channel wire tags. All messages are UTF-8 text.
const (
	PingTag       = "ping"
	PongTag       = "pong"
	CommandPrefix = "command:"
)

// DefaultChannelLabel is the label of the client-created data channel.
const DefaultChannelLabel = "chat"

// FormatPing builds a probe message.
func FormatPing(stamp int64) string {
	return PingTag + " " + strconv.FormatInt(stamp, 10)
}

// PongFor builds the reply to a probe by swapping the tag and keeping the payload.
func PongFor(ping string) string {
	return PongTag + strings.TrimPrefix(ping, PingTag)
}

// FormatCommand builds an operator command message.
func FormatCommand(text string) string {
	return CommandPrefix + " " + text
}

// ParseCommand extracts the command text from a message.
func ParseCommand(msg string) (string, bool) {
	if !strings.HasPrefix(msg, CommandPrefix) {
		return "", false
	}
	return strings.TrimSpace(msg[len(CommandPrefix):]), true
}
