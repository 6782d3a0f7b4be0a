package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cory-johannsen/storyweave/internal/protocol"
)

// Printer renders server messages as plain text, showing each history
// entry once.
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	history [][2]string
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Print renders msg. History carried by SETUP_RESPONSE or UPDATE_HISTORY is
// compared with what was already shown and only new entries are written.
func (p *Printer) Print(msg protocol.Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case protocol.TypeStatus:
		fmt.Fprintf(p.out, "[%s] %s\n", msg.Code, msg.Content)
	case protocol.TypeSetupResponse:
		fmt.Fprintln(p.out, msg.Content)
		p.showLocked(msg.History)
	case protocol.TypeUpdateHistory:
		p.showLocked(msg.Messages)
	}
}

func (p *Printer) showLocked(history [][2]string) {
	start := len(p.history)
	if start > len(history) {
		start = 0
	}
	for _, pair := range history[start:] {
		fmt.Fprintf(p.out, "\n%s\n%s\n", pair[0], pair[1])
	}
	p.history = append([][2]string(nil), history...)
}

// Authored counts the shown history entries whose prompt belongs to name.
func (p *Printer) Authored(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := name + ": "
	n := 0
	for _, pair := range p.history {
		if strings.HasPrefix(pair[0], prefix) {
			n++
		}
	}
	return n
}
