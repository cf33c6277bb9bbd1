package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/resilience"
)

// starter starts conversation sessions; satisfied by *app.SessionManager.
type starter interface {
	Start(ctx context.Context, cb conversation.Callbacks) (*conversation.Handle, error)
}

// converse runs sessions until ctx ends or the user declines a restart.
// Sessions are never restarted without asking.
func converse(ctx context.Context, sm starter, in *bufio.Reader, out io.Writer) {
	for {
		c := &captions{w: out}
		h, err := sm.Start(ctx, c.callbacks())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, resilience.ErrCircuitOpen) {
				fmt.Fprintln(out, "✖ too many failed sessions in a row; wait a moment before retrying")
			} else {
				fmt.Fprintf(out, "✖ could not start a session: %v\n", err)
			}
		} else {
			select {
			case <-h.Done():
			case <-ctx.Done():
				<-h.Done()
				return
			}
			if ctx.Err() != nil {
				return
			}
			slog.Debug("session ended", "session_id", h.ID(), "state", h.State().String(), "err", h.Err())
		}

		if !ask(ctx, in, out, "Start a new conversation? [y/N] ") {
			return
		}
	}
}

// ask prints prompt and reports whether the user answered yes. It returns
// false on EOF or when ctx ends first.
func ask(ctx context.Context, in *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	answer := make(chan string, 1)
	go func() {
		line, _ := in.ReadString('\n')
		answer <- line
	}()
	select {
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false
	}
}

// ── Captions ──────────────────────────────────────────────────────────────────

// captions renders live transcripts. Callbacks run one at a time, so no
// locking is needed.
type captions struct {
	w      io.Writer
	live   bool
	opened bool
}

func (c *captions) callbacks() conversation.Callbacks {
	return conversation.Callbacks{
		OnStateChange: func(s conversation.State) {
			switch s {
			case conversation.StateListening:
				if !c.opened {
					c.opened = true
					c.line("● listening")
				}
			case conversation.StateClosed:
				c.line("● conversation closed")
			}
		},
		OnTranscriptionUpdate: func(isUser bool, partial string) {
			c.clear()
			fmt.Fprintf(c.w, "%s %s", speaker(isUser), partial)
			c.live = true
		},
		OnTurnComplete: func(userText, modelText string) {
			if userText != "" {
				c.line(speaker(true) + " " + userText)
			}
			if modelText != "" {
				c.line(speaker(false) + " " + modelText)
			}
		},
		OnError: func(err error) {
			c.line("✖ session failed: " + err.Error())
		},
	}
}

// line prints s on its own line, replacing any live caption.
func (c *captions) line(s string) {
	c.clear()
	fmt.Fprintln(c.w, s)
}

func (c *captions) clear() {
	if c.live {
		fmt.Fprint(c.w, "\r\033[K")
		c.live = false
	}
}

func speaker(isUser bool) string {
	if isUser {
		return "you:  "
	}
	return "model:"
}
