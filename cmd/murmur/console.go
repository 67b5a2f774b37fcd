package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"murmur/core/internal/app"
	"murmur/core/internal/chat"
	"murmur/core/internal/store"
)

const consoleSearchLimit = 10

type command struct {
	name string
	arg  string
}

// parseCommand splits "/name rest of line". Lines without a leading slash
// are messages.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

type console struct {
	session *app.Session
	out     io.Writer
}

func newConsole(session *app.Session, out io.Writer) *console {
	return &console{session: session, out: out}
}

// Run reads commands until in is exhausted or ctx ends.
func (c *console) Run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	c.printf("type /help for commands\n")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := c.exec(ctx, scanner.Text())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.printf("error: %v\n", err)
		}
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, isCommand := parseCommand(line)
	if !isCommand {
		if cmd.arg == "" {
			return nil
		}
		_, err := c.session.Send(ctx, cmd.arg)
		var sendErr *chat.SendError
		if errors.As(err, &sendErr) {
			c.printf("not sent, your text was: %s\n", sendErr.Content)
		}
		return err
	}

	switch cmd.name {
	case "help":
		c.printf("/servers /server <id> /channels /channel <id> /messages /members\n")
		c.printf("/new-server <name> /new-channel <name> /presence <state>\n")
		c.printf("/search <text> /edit <id> <text> /delete <id> /state /quit\n")
	case "servers":
		for _, s := range c.session.Directory().Servers() {
			c.printf("%s  %s\n", s.ID, s.Name)
		}
	case "server":
		if err := c.session.SelectServer(ctx, cmd.arg); err != nil {
			return err
		}
		c.printChannels()
	case "channels":
		c.printChannels()
	case "members":
		for _, m := range c.session.Directory().Members() {
			c.printf("%s  %s (%s)\n", m.UserID, m.Profile.Name(), m.Role)
		}
	case "channel":
		if err := c.session.SelectChannel(ctx, cmd.arg); err != nil {
			return err
		}
		c.printMessages()
	case "messages":
		c.printMessages()
	case "new-server":
		server, err := c.session.CreateServer(ctx, cmd.arg, "")
		if err != nil {
			return err
		}
		c.printf("created server %s\n", server.ID)
	case "new-channel":
		channel, err := c.session.CreateChannel(ctx, cmd.arg)
		if err != nil {
			return err
		}
		c.printf("created #%s (%s)\n", channel.Name, channel.ID)
	case "presence":
		cfg, err := c.session.SetPresence(ctx, cmd.arg)
		if err != nil {
			return err
		}
		c.printf("presence %s: %+v\n", cmd.arg, cfg)
	case "search":
		resp, err := c.session.Search(ctx, cmd.arg, false, consoleSearchLimit)
		if err != nil {
			return err
		}
		for _, r := range resp.Results {
			c.printf("%s  %s\n", r.ID, r.Snippet)
		}
		c.printf("%d result(s)\n", resp.Total)
	case "edit":
		id, text, _ := strings.Cut(cmd.arg, " ")
		if _, err := c.session.Edit(ctx, id, text); err != nil {
			return err
		}
	case "delete":
		return c.session.Delete(ctx, cmd.arg)
	case "state":
		c.printf("%s\n", c.session)
	case "quit":
		return io.EOF
	default:
		return fmt.Errorf("unknown command /%s", cmd.name)
	}
	return nil
}

func (c *console) printChannels() {
	for _, ch := range c.session.Directory().Channels() {
		marker := "#"
		if ch.Type == store.ChannelVoice {
			marker = "~"
		}
		c.printf("%s%s  %s\n", marker, ch.Name, ch.ID)
	}
}

func (c *console) printMessages() {
	for _, m := range c.session.Engine().Messages() {
		author := m.AuthorID
		if m.Author != nil {
			author = m.Author.Name()
		}
		pending := ""
		if chat.IsTemporaryID(m.ID) {
			pending = " (sending)"
		}
		c.printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.Kitchen), author, m.Content, pending)
	}
}
