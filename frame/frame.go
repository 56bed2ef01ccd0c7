// Package frame defines the NotNet wire protocol: the Frame value exchanged
// between host and clients, its length-prefixed binary encoding, and a
// streaming decoder that survives arbitrarily chunked TCP input.
package frame

import (
	"fmt"
	"strings"
)

// Kind identifies what a Frame carries.
type Kind uint8

const (
	KindChat    Kind = iota + 1 // Chat payload: sender identity + text
	KindControl                 // Control command token sent by a client (e.g. "/logout")
	KindSystem                  // Host-generated notice (join, leave)
	KindHello                   // First client frame: requested name + protocol version
	KindWelcome                 // Host admission: assigned name + host name
	KindError                   // Host error notice; Text holds one of the Code* values
	KindRoster                  // Active names, newline separated, in join order
)

// ProtocolVersion is sent in the Hello frame and must match on both ends.
const ProtocolVersion = "1"

// ReservedName is the identity the host uses for its own announcements. No
// client may register it.
const ReservedName = "SERVER"

// Error codes carried in the Text of a KindError frame.
const (
	CodeBadHello         = "bad_hello"
	CodeProtocolMismatch = "protocol_mismatch"
	CodeUsernameInvalid  = "username_invalid"
	CodeUsernameReserved = "username_reserved"
	CodeUsernameTaken    = "username_taken"
	CodeBanned           = "banned"
	CodeMalformedFrame   = "malformed_frame"
	CodeUnknownCommand   = "unknown_command"
	CodeUnexpectedFrame  = "unexpected_frame"
	CodeKicked           = "kicked"
	CodeServerClosed     = "server_closed"
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "Chat"
	case KindControl:
		return "Control"
	case KindSystem:
		return "System"
	case KindHello:
		return "Hello"
	case KindWelcome:
		return "Welcome"
	case KindError:
		return "Error"
	case KindRoster:
		return "Roster"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a kind this protocol version understands.
func (k Kind) Valid() bool {
	return k >= KindChat && k <= KindRoster
}

// Frame is one discrete unit on the wire. It is a plain value: copies are
// independent and nothing in this package mutates a Frame after construction.
type Frame struct {
	Kind   Kind
	Sender string
	Text   string
}

// Chat builds a chat frame from sender carrying text.
//
// Parameters:
//   - sender: Display name of the originating session
//   - text: The user-typed payload, delivered byte-for-byte
//
// Returns:
//   - The chat Frame
func Chat(sender, text string) Frame {
	return Frame{Kind: KindChat, Sender: sender, Text: text}
}

// Control builds a control frame carrying a command token such as "/logout".
func Control(token string) Frame {
	return Frame{Kind: KindControl, Text: token}
}

// System builds a host notice.
func System(text string) Frame {
	return Frame{Kind: KindSystem, Text: text}
}

// Hello builds the first frame a client sends, requesting name.
func Hello(name string) Frame {
	return Frame{Kind: KindHello, Sender: name, Text: ProtocolVersion}
}

// Welcome builds the admission frame telling a client its assigned name.
func Welcome(name, hostName string) Frame {
	return Frame{Kind: KindWelcome, Sender: name, Text: hostName}
}

// Error builds an error notice with one of the Code* values.
func Error(code string) Frame {
	return Frame{Kind: KindError, Text: code}
}

// Roster builds a roster frame from names in join order. Names never contain
// a newline, so the joined form is unambiguous.
func Roster(names []string) Frame {
	return Frame{Kind: KindRoster, Text: strings.Join(names, "\n")}
}

// Names splits a roster frame back into names. It returns nil for any other
// kind or for an empty roster.
func (f Frame) Names() []string {
	if f.Kind != KindRoster || f.Text == "" {
		return nil
	}

	return strings.Split(f.Text, "\n")
}

// String renders the frame the way a terminal shows it.
func (f Frame) String() string {
	switch f.Kind {
	case KindChat:
		return f.Sender + ": " + f.Text
	case KindSystem:
		return "* " + f.Text
	case KindError:
		return "! " + f.Text
	default:
		return fmt.Sprintf("[%s] %s %s", f.Kind, f.Sender, f.Text)
	}
}
