// Package ui prints notifications and document listings to a terminal.
package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/TobiSchelling/docwatch/internal/extract"
	"github.com/TobiSchelling/docwatch/internal/watch"
)

// Notifier writes styled notification lines. It is safe for concurrent use.
type Notifier struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewNotifier creates a Notifier writing to w.
func NewNotifier(w io.Writer) *Notifier {
	return &Notifier{w: w, now: time.Now}
}

func (n *Notifier) Info(msg string)    { n.print(InfoStyle.Render("•"), msg) }
func (n *Notifier) Success(msg string) { n.print(SuccessStyle.Render("✓"), msg) }
func (n *Notifier) Error(msg string)   { n.print(ErrorStyle.Render("✗"), ErrorStyle.Render(msg)) }

// Signal prints a badge update.
func (n *Notifier) Signal(sig watch.Signal) {
	switch sig.Kind {
	case watch.UpdatesAvailable:
		n.print(BadgeStyle.Render("●"), BadgeStyle.Render(fmt.Sprintf("%d new documents", sig.Count)))
	case watch.UpdatesCleared:
		n.print(DimStyle.Render("○"), DimStyle.Render("no new documents"))
	}
}

func (n *Notifier) print(icon, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s %s %s\n", DimStyle.Render(n.now().Format("15:04:05")), icon, msg)
}

// RenderRecords prints a document listing with an unseen-count header.
func RenderRecords(w io.Writer, records []extract.Record, unseen int) {
	header := fmt.Sprintf("%d documents", len(records))
	if unseen > 0 {
		header += " " + BadgeStyle.Render(fmt.Sprintf("(%d new)", unseen))
	}
	fmt.Fprintln(w, HeaderStyle.Render(header))

	if len(records) == 0 {
		fmt.Fprintln(w, DimStyle.Render("  nothing cached yet, run `docwatch refresh`"))
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "  %s  %s  %s\n    %s\n",
			DateStyle.Render(r.Date), TypeStyle.Render(r.Type), r.Title, LinkStyle.Render(r.URL))
	}
}
