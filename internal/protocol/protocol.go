// Package protocol parses the line-oriented chat wire format and formats the
// lines the server sends back. The format has no escaping: payload fields
// must not contain the delimiter that precedes them.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies an inbound command.
type Kind int

const (
	Identify Kind = iota + 1
	JoinGroup
	GroupMessage
	DirectMessage
	Voice
	CallInitiate
	CallAccept
	CallReject
	CallEnd
)

var kindNames = map[Kind]string{
	Identify:      "identify",
	JoinGroup:     "group",
	GroupMessage:  "message",
	DirectMessage: "dm",
	Voice:         "voice",
	CallInitiate:  "call_initiate",
	CallAccept:    "call_accept",
	CallReject:    "call_reject",
	CallEnd:       "call_end",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Wire prefixes.
const (
	PrefixUsername     = "USERNAME:"
	PrefixGroup        = "/group"
	PrefixMessage      = "/message"
	PrefixDM           = "/dm"
	PrefixVoice        = "VOICE:"
	PrefixCallInitiate = "CALL_INITIATE:"
	PrefixCallAccept   = "CALL_ACCEPT:"
	PrefixCallReject   = "CALL_REJECT:"
	PrefixCallEnd      = "CALL_END:"

	PrefixCallRequest  = "CALL_REQUEST:"
	PrefixCallAccepted = "CALL_ACCEPTED:"
	PrefixCallRejected = "CALL_REJECTED:"
	PrefixCallEnded    = "CALL_ENDED:"
	PrefixSystem       = "SYSTEM: "
)

var (
	ErrUnknown   = errors.New("unknown command")
	ErrMalformed = errors.New("malformed command")
)

// Usage lists every command a client can send.
const Usage = "Commands: USERNAME:<name>, /group <name>, /message <group> <text>, /dm <user> <text>, " +
	"VOICE:<user|group>:<base64>, CALL_INITIATE:<user>, CALL_ACCEPT:<caller>, CALL_REJECT:<caller>, CALL_END:<user>"

// Command is one parsed inbound line. Target is the user, group or call
// peer the command addresses; Body is the message text or voice payload.
type Command struct {
	Kind   Kind
	Target string
	Body   string
}

// Parse turns one line (without its trailing newline) into a Command.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, PrefixUsername):
		return single(Identify, line, PrefixUsername, "USERNAME:<name>")
	case strings.HasPrefix(line, PrefixVoice):
		return parseVoice(line)
	case strings.HasPrefix(line, PrefixCallInitiate):
		return single(CallInitiate, line, PrefixCallInitiate, "CALL_INITIATE:<user>")
	case strings.HasPrefix(line, PrefixCallAccept):
		return single(CallAccept, line, PrefixCallAccept, "CALL_ACCEPT:<caller>")
	case strings.HasPrefix(line, PrefixCallReject):
		return single(CallReject, line, PrefixCallReject, "CALL_REJECT:<caller>")
	case strings.HasPrefix(line, PrefixCallEnd):
		return single(CallEnd, line, PrefixCallEnd, "CALL_END:<user>")
	}

	fields := strings.SplitN(strings.TrimLeft(line, " "), " ", 3)
	switch fields[0] {
	case PrefixGroup:
		name := strings.Fields(strings.TrimPrefix(strings.TrimLeft(line, " "), PrefixGroup))
		if len(name) == 0 {
			return Command{}, malformed("/group <name>")
		}
		return Command{Kind: JoinGroup, Target: name[0]}, nil
	case PrefixMessage:
		return addressed(GroupMessage, fields, "/message <group> <text>")
	case PrefixDM:
		return addressed(DirectMessage, fields, "/dm <user> <text>")
	}
	return Command{}, ErrUnknown
}

// UsageOf returns the usage text carried by a malformed-command error.
func UsageOf(err error) string {
	var u usageError
	if errors.As(err, &u) {
		return u.usage
	}
	return Usage
}

type usageError struct{ usage string }

func (e usageError) Error() string { return fmt.Sprintf("%s: usage %s", ErrMalformed, e.usage) }

func (e usageError) Unwrap() error { return ErrMalformed }

func malformed(usage string) error { return usageError{usage: usage} }

func single(kind Kind, line, prefix, usage string) (Command, error) {
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if target == "" {
		return Command{}, malformed(usage)
	}
	return Command{Kind: kind, Target: target}, nil
}

func addressed(kind Kind, fields []string, usage string) (Command, error) {
	if len(fields) < 3 || fields[1] == "" || strings.TrimSpace(fields[2]) == "" {
		return Command{}, malformed(usage)
	}
	return Command{Kind: kind, Target: fields[1], Body: fields[2]}, nil
}

func parseVoice(line string) (Command, error) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" || parts[2] == "" {
		return Command{}, malformed("VOICE:<user|group>:<base64>")
	}
	return Command{Kind: Voice, Target: strings.TrimSpace(parts[1]), Body: parts[2]}, nil
}

// System formats a free-form status line.
func System(format string, args ...any) string {
	return PrefixSystem + fmt.Sprintf(format, args...)
}

func CallRequest(caller string) string { return PrefixCallRequest + caller }

func CallAccepted(user string) string { return PrefixCallAccepted + user }

func CallRejected(user string) string { return PrefixCallRejected + user }

func CallEnded(user string) string { return PrefixCallEnded + user }

// VoiceFrom rewrites a voice chunk so the recipient sees the sender.
func VoiceFrom(sender, payload string) string { return PrefixVoice + sender + ":" + payload }

// GroupText formats a group chat line.
func GroupText(group, sender, text string) string {
	return "[" + group + "] " + sender + ": " + text
}

// DirectText formats a direct message line.
func DirectText(sender, text string) string { return "[DM] " + sender + ": " + text }
