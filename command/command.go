// Package command interprets control frames sent by clients and turns
// terminal input lines into outbound frames.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cyberinferno/notnet/frame"
)

// Action is what the host does in response to a control frame.
type Action int

const (
	Logout Action = iota + 1 // End the sender's session
	Who                      // Send the roster to the sender only
	Help                     // Send the command list to the sender only
)

// String returns the command token for the action.
func (a Action) String() string {
	switch a {
	case Logout:
		return "/logout"
	case Who:
		return "/who"
	case Help:
		return "/help"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

var (
	// ErrUnrecognizedCommand is returned for control tokens with no action.
	ErrUnrecognizedCommand = errors.New("command: unrecognized command")

	// ErrNotControl is returned when Interpret is given a non-control frame.
	ErrNotControl = errors.New("command: not a control frame")
)

type entry struct {
	action  Action
	summary string
}

// Interpreter maps control tokens to actions. It holds no mutable state and
// is safe for concurrent use.
type Interpreter struct {
	table map[string]entry
	order []Action
}

// NewInterpreter returns an Interpreter that knows /logout, /who and /help.
func NewInterpreter() *Interpreter {
	in := &Interpreter{table: make(map[string]entry)}
	in.add(Logout, "leave the chat")
	in.add(Who, "list who is connected")
	in.add(Help, "show this list")
	return in
}

func (in *Interpreter) add(a Action, summary string) {
	in.table[a.String()] = entry{action: a, summary: summary}
	in.order = append(in.order, a)
}

// Interpret resolves a control frame to an action.
//
// Parameters:
//   - f: A KindControl frame; only its first whitespace-separated token is
//     considered and matching ignores case
//
// Returns:
//   - The Action on success
//   - ErrNotControl if f is not a control frame
//   - An error wrapping ErrUnrecognizedCommand for unknown tokens
func (in *Interpreter) Interpret(f frame.Frame) (Action, error) {
	if f.Kind != frame.KindControl {
		return 0, ErrNotControl
	}

	token, _, _ := strings.Cut(strings.TrimSpace(f.Text), " ")
	e, ok := in.table[strings.ToLower(token)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnrecognizedCommand, token)
	}

	return e.action, nil
}

// Help returns one line per command, in registration order.
func (in *Interpreter) Help() string {
	lines := make([]string, 0, len(in.order))
	for _, a := range in.order {
		lines = append(lines, fmt.Sprintf("%-8s %s", a, in.table[a.String()].summary))
	}

	return strings.Join(lines, "\n")
}

// ParseInput turns a line typed at a client terminal into the frame to send.
// Lines starting with "/" are commands; a leading "//" sends the rest of the
// line, starting with a single "/", as ordinary chat. Blank lines yield false.
func ParseInput(line string) (frame.Frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return frame.Frame{}, false
	}

	switch {
	case strings.HasPrefix(line, "//"):
		return frame.Chat("", line[1:]), true
	case strings.HasPrefix(line, "/"):
		return frame.Control(strings.TrimSpace(line)), true
	default:
		return frame.Chat("", line), true
	}
}
