package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/cyberinferno/notnet/dispatcher"
	"github.com/cyberinferno/notnet/host"
)

// consoleHost is the part of *host.Host the operator console drives.
type consoleHost interface {
	Sessions() []host.SessionInfo
	Kick(name string) bool
	Announce(text string) dispatcher.Report
	Uptime() time.Duration
}

const consoleHelp = `/who           list connected users
/kick <name>   disconnect a user and ban their address for a while
/say <text>    send a message as SERVER (plain text does the same)
/uptime        show how long the room has been open
/stop          close the room`

// console reads operator commands for a running host.
type console struct {
	host consoleHost
	out  io.Writer
	now  func() time.Time
}

func newConsole(h consoleHost, out io.Writer) *console {
	return &console{host: h, out: out, now: time.Now}
}

// Run handles lines from in until /stop or end of input. It reports whether
// the operator asked to stop; end of input leaves the host running.
func (c *console) Run(in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if c.handle(scanner.Text()) {
			return true
		}
	}

	return false
}

func (c *console) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		c.say(line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "/who":
		c.who()
	case "/kick":
		if arg == "" {
			c.printf("usage: /kick <name>")
			return false
		}

		if c.host.Kick(arg) {
			c.printf("kicked %s", arg)
		} else {
			c.printf("no user named %s", arg)
		}
	case "/say":
		if arg == "" {
			c.printf("usage: /say <text>")
			return false
		}

		c.say(arg)
	case "/uptime":
		c.printf("up %s", c.host.Uptime().Round(time.Second))
	case "/help":
		c.printf("%s", consoleHelp)
	case "/stop":
		c.printf("stopping")
		return true
	default:
		c.printf("unknown command %s, try /help", cmd)
	}

	return false
}

func (c *console) who() {
	sessions := c.host.Sessions()
	if len(sessions) == 0 {
		c.printf("nobody is connected")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"Name", "Address", "Connected"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	now := c.now()
	for _, s := range sessions {
		table.Append([]string{s.Name, s.RemoteAddr, now.Sub(s.ConnectedAt).Round(time.Second).String()})
	}

	table.Render()
}

func (c *console) say(text string) {
	report := c.host.Announce(text)
	c.printf("sent to %d of %d", report.Delivered, report.Recipients)
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}
