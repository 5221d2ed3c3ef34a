package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lalith-99/hackerchat/internal/client"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
)

const helpText = `commands:
  /join <channel>          switch the current channel
  /channels                list channels
  /history                 show the current channel
  /reply <id> <text>       reply to a message
  /react <id> <emoji>      react to a message
  /thread <id> <name>      start a thread on a message
  /new <name>              create a channel
  /delete <id>             delete your message
  /dm <user>               open a direct message
  /status <status>         online, away, busy or offline
  /quit                    leave`

type command struct {
	name string
	args []string
	text string
}

// parseLine splits "/cmd a b rest of text" into the command, up to
// nargs positional arguments and the remaining text. Lines without a
// leading slash are a "say" command.
func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: "help"}
	}
	c := command{name: fields[0]}
	nargs := map[string]int{"reply": 1, "react": 1, "thread": 1}[c.name]
	rest := fields[1:]
	if nargs > len(rest) {
		nargs = len(rest)
	}
	c.args = rest[:nargs]
	c.text = strings.Join(rest[nargs:], " ")
	return c
}

type repl struct {
	sess    *client.Session
	out     io.Writer
	channel string
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	c := parseLine(line)
	var err error
	switch c.name {
	case "say":
		if c.text == "" {
			return false
		}
		if r.channel == "" {
			fmt.Fprintln(r.out, "no channel selected, use /join")
			return false
		}
		_, err = r.sess.SendMessage(ctx, r.channel, c.text, "")
	case "reply":
		if len(c.args) == 0 || c.text == "" {
			return r.usage()
		}
		_, err = r.sess.SendMessage(ctx, r.channel, c.text, c.args[0])
	case "react":
		if len(c.args) == 0 || c.text == "" {
			return r.usage()
		}
		err = r.sess.React(ctx, c.args[0], c.text)
	case "thread":
		if len(c.args) == 0 || c.text == "" {
			return r.usage()
		}
		_, err = r.sess.PromoteThread(ctx, c.args[0], c.text, "")
	case "new":
		_, err = r.sess.CreateChannel(ctx, c.text, "")
	case "delete":
		err = r.sess.DeleteMessage(ctx, c.text)
	case "dm":
		err = r.sess.OpenDM(ctx, c.text)
	case "status":
		err = r.sess.SetStatus(ctx, models.Status(c.text))
	case "join":
		r.channel = c.text
		r.printHistory()
	case "channels":
		for _, ch := range r.sess.Store().Channels() {
			fmt.Fprintf(r.out, "  %s  #%s\n", ch.ID, ch.Name)
		}
	case "history":
		r.printHistory()
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(r.out, helpText)
	}
	if err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
	}
	return false
}

func (r *repl) usage() bool {
	fmt.Fprintln(r.out, helpText)
	return false
}

func (r *repl) printHistory() {
	for _, m := range r.sess.Store().Messages(r.channel) {
		fmt.Fprintln(r.out, formatMessage(m, r.sess.Store()))
	}
}

func formatMessage(m models.Message, store *client.Store) string {
	author := m.AuthorID
	if m.Author != nil {
		author = m.Author.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.ID, author, m.Content)
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "  (re %s)", m.ReplyTo.ID)
	}
	if m.ThreadID != "" {
		fmt.Fprintf(&b, "  [thread #%s]", m.ThreadName)
	}
	for _, rx := range m.Reactions {
		fmt.Fprintf(&b, " %s", rx.Content)
	}
	if _, failed := store.Failed(m.ID); failed {
		b.WriteString("  (not delivered)")
	}
	return b.String()
}

// render prints server events for the current channel as they arrive.
func (r *repl) render(ctx context.Context) {
	store := r.sess.Store()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.sess.Failures():
			fmt.Fprintf(r.out, "! %s %s failed: %s\n", f.Entity, f.TempID, f.Err.Message)
		case ev := <-r.sess.Events():
			switch e := ev.(type) {
			case protocol.NewMessageEvent:
				if e.Entity != nil && e.Entity.ChannelID == r.channel {
					fmt.Fprintln(r.out, formatMessage(*e.Entity, store))
				}
			case protocol.Delivered:
				if e.ChannelID == r.channel {
					fmt.Fprintf(r.out, "  %s delivered as %s\n", e.TempID, e.PermanentID)
				}
			case protocol.ChannelCreatedEvent:
				if e.Entity != nil {
					fmt.Fprintf(r.out, "* channel #%s (%s)\n", e.Entity.Name, e.Entity.ID)
				}
			case protocol.StatusChangedEvent:
				fmt.Fprintf(r.out, "* %s is %s\n", e.UserID, e.Status)
			case protocol.ErrorEvent:
				fmt.Fprintf(r.out, "! %s: %s\n", e.Code, e.Message)
			}
		}
	}
}
