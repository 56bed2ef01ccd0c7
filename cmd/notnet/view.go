package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gookit/color"

	"github.com/cyberinferno/notnet/client"
	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/registry"
)

var codeText = map[string]string{
	frame.CodeBadHello:         "the host did not understand the greeting",
	frame.CodeProtocolMismatch: "the host speaks a different protocol version",
	frame.CodeUsernameInvalid:  "that name is not allowed",
	frame.CodeUsernameReserved: "that name is reserved",
	frame.CodeUsernameTaken:    "that name is already taken",
	frame.CodeBanned:           "you are banned for now",
	frame.CodeMalformedFrame:   "the host could not read what was sent",
	frame.CodeUnknownCommand:   "unknown command, try /help",
	frame.CodeUnexpectedFrame:  "the host did not expect that",
	frame.CodeKicked:           "you were kicked by the host",
	frame.CodeServerClosed:     "the host closed the room",
}

func describeCode(code string) string {
	if text, ok := codeText[code]; ok {
		return text
	}

	return code
}

// chatView renders frames for a terminal. Handlers call it from the client's
// read goroutine while the input loop may report problems, hence the lock.
type chatView struct {
	mu   sync.Mutex
	out  io.Writer
	self string
}

func newChatView(out io.Writer) *chatView {
	return &chatView{out: out}
}

func (v *chatView) SetSelf(name string) {
	v.mu.Lock()
	v.self = name
	v.mu.Unlock()
}

func (v *chatView) Welcome(name, hostName string) {
	v.println(color.Green.Sprintf("Joined %s as %s", hostName, name))
}

func (v *chatView) Frame(f frame.Frame) {
	switch f.Kind {
	case frame.KindChat:
		v.println(v.chatLine(f))
	case frame.KindSystem:
		v.println(color.Gray.Sprint("* " + f.Text))
	case frame.KindRoster:
		v.println(color.Gray.Sprintf("online: %s", strings.Join(f.Names(), ", ")))
	case frame.KindError:
		v.println(color.Red.Sprint("! " + describeCode(f.Text)))
	}
}

func (v *chatView) chatLine(f frame.Frame) string {
	v.mu.Lock()
	self := v.self
	v.mu.Unlock()

	sender := color.Cyan.Sprint(f.Sender)
	switch {
	case f.Sender == frame.ReservedName:
		sender = color.Yellow.Sprint(f.Sender)
	case self != "" && registry.Key(f.Sender) == registry.Key(self):
		sender = color.Green.Sprint(f.Sender)
	}

	return sender + ": " + f.Text
}

func (v *chatView) Disconnected(reason error) {
	var hostErr *client.HostError
	if errors.As(reason, &hostErr) {
		v.println(color.Red.Sprint("Disconnected: " + describeCode(hostErr.Code)))
		return
	}

	v.println(color.Red.Sprint("Disconnected: connection to the host was lost"))
}

func (v *chatView) Problem(err error) {
	v.println(color.Red.Sprintf("! %v", err))
}

func (v *chatView) println(line string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintln(v.out, line)
}
