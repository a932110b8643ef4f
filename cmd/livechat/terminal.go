package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/livechat/internal/session"
	"github.com/haasonsaas/livechat/pkg/models"
)

var errNoCredential = errors.New("no credential entered")

// promptCredential reads a bearer credential without echo when stdin is a
// terminal, and as a plain line otherwise.
func promptCredential(prompt io.Writer, in io.Reader) (string, error) {
	fmt.Fprint(prompt, "Credential: ")
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}
		return nonEmptyCredential(string(raw))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return nonEmptyCredential(line)
}

func nonEmptyCredential(raw string) (string, error) {
	credential := strings.TrimSpace(raw)
	if credential == "" {
		return "", errNoCredential
	}
	return credential, nil
}

// printer serializes session output. Callbacks arrive from transport and
// delivery goroutines while the input loop prints command results.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) errorf(err error) {
	p.linef("! %v", err)
}

func (p *printer) event(ev session.Event) {
	switch ev.Kind {
	case session.EventStatus:
		conn := ev.Connection
		if conn.LastError != "" {
			p.linef("* %s (retry %d): %s", conn.Status, conn.RetryCount, conn.LastError)
			return
		}
		p.linef("* %s", conn.Status)
	case session.EventIdentified:
		if ev.Identity.Identified {
			p.linef("* joined as %s", ev.Identity.Resolved.Role)
			return
		}
		p.linef("* not identified: %s", ev.Identity.Reason)
	case session.EventMessage:
		p.message(ev.Message)
	}
}

func (p *printer) message(msg models.Message) {
	p.linef("[%s] %s %s: %s", msg.ConversationID, msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Text)
}

func (p *printer) sent(msg models.Message) {
	if msg.State == models.DeliveryConfirmed {
		return
	}
	p.linef("  (%s, local id %s)", msg.State, msg.LocalID)
}

func (p *printer) history(conversationID string, msgs []models.Message) {
	if conversationID == "" {
		return
	}
	p.linef("-- %s: %d messages", conversationID, len(msgs))
	for _, msg := range msgs {
		p.message(msg)
	}
}

func (p *printer) conversations(convs []models.Conversation) {
	if len(convs) == 0 {
		p.linef("-- no conversations")
		return
	}
	p.linef("-- %d conversations", len(convs))
	for _, conv := range convs {
		flag := " "
		if conv.Priority == models.PriorityHigh {
			flag = "!"
		}
		name := conv.CounterpartName
		if name == "" {
			name = "(unknown)"
		}
		p.linef("%s %-12s %-20s %3d unread  %s", flag, conv.ID, name, conv.UnreadCount, preview(conv.LastMessageText))
	}
}

func preview(text string) string {
	msg := models.Message{Text: text}
	return msg.Preview(40)
}
