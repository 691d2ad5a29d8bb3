package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

const cliChatID = "local"

// CLIChannel reads user input line by line and prints agent replies. It is
// the transport behind `nanobot chat`.
type CLIChannel struct {
	*BaseChannel
	in     io.Reader
	out    io.Writer
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCLIChannel(msgBus *bus.MessageBus) *CLIChannel {
	return &CLIChannel{
		BaseChannel: NewBaseChannel("cli", msgBus),
		in:          os.Stdin,
		out:         os.Stdout,
	}
}

// Start launches the stdin read loop. EOF (Ctrl-D) ends the loop quietly.
func (c *CLIChannel) Start(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-readCtx.Done():
				return
			default:
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				c.cancel()
				return
			}
			c.PublishInbound("user", cliChatID, line, nil, "", nil)
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("cli input closed", "error", err)
		}
	}()
	return nil
}

func (c *CLIChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send prints a reply. Media paths are listed under the text.
func (c *CLIChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.Content != "" {
		fmt.Fprintln(c.out, msg.Content)
	}
	for _, m := range msg.Media {
		fmt.Fprintf(c.out, "  [attachment] %s\n", m)
	}
	return nil
}

// Done reports when the input loop has ended, for REPL-style commands that
// block until the user quits.
func (c *CLIChannel) Done() <-chan struct{} {
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}
