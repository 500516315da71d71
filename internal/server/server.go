package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/docwatch/internal/database"
	"github.com/TobiSchelling/docwatch/internal/extract"
	"github.com/TobiSchelling/docwatch/internal/poller"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

const recentRuns = 10

// Snapshots is the read side of the poller.
type Snapshots interface {
	Snapshot() []extract.Record
	Status() poller.Status
}

// RunHistory lists recorded poller runs. *database.DB implements it.
type RunHistory interface {
	GetRecentRuns(limit int) ([]database.ScrapeRun, error)
}

// Server is the HTTP API and index page.
type Server struct {
	snaps  Snapshots
	runs   RunHistory
	events http.Handler
	pages  map[string]*template.Template
	mux    *http.ServeMux
}

// New creates a new Server. events serves the push channel; runs may be nil.
func New(snaps Snapshots, events http.Handler, runs RunHistory) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	pageNames := []string{"index.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	if events == nil {
		events = http.NotFoundHandler()
	}

	s := &Server{snaps: snaps, runs: runs, events: events, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/pdfs", s.handlePDFs)
	s.mux.Handle("/api/events", s.events)
	s.mux.HandleFunc("/api/status", s.handleStatus)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	records := s.snaps.Snapshot()
	s.render(w, "index.html", map[string]any{
		"Count":   len(records),
		"Listing": listingMarkdown(records),
		"Status":  s.snaps.Status(),
	})
}

func (s *Server) handlePDFs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.snaps.Snapshot())
}

type statusResponse struct {
	poller.Status
	Runs []database.ScrapeRun `json:"runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{Status: s.snaps.Status(), Runs: []database.ScrapeRun{}}
	if s.runs != nil {
		runs, err := s.runs.GetRecentRuns(recentRuns)
		if err != nil {
			log.Printf("Error loading run history: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if runs != nil {
			resp.Runs = runs
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// listingMarkdown renders the snapshot as a Markdown table.
func listingMarkdown(records []extract.Record) string {
	if len(records) == 0 {
		return "_No documents found yet._\n"
	}

	var b strings.Builder
	b.WriteString("| Date | Type | Document |\n")
	b.WriteString("|---|---|---|\n")
	for _, r := range records {
		fmt.Fprintf(&b, "| %s | %s | [%s](<%s>) |\n",
			escapeCell(r.Date), escapeCell(r.Type), escapeCell(r.Title), escapeURL(r.URL))
	}
	return b.String()
}

var cellEscaper = strings.NewReplacer(
	`\`, `\\`, `|`, `\|`, `[`, `\[`, `]`, `\]`, `*`, `\*`, `_`, `\_`, "`", "\\`", `<`, `\<`,
	"\n", " ",
)

func escapeCell(s string) string { return cellEscaper.Replace(s) }

var urlEscaper = strings.NewReplacer(`<`, "%3C", `>`, "%3E", " ", "%20", `|`, "%7C", "\n", "")

func escapeURL(s string) string { return urlEscaper.Replace(s) }

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on addr until ctx is cancelled, then shuts down. Open event
// streams are ended with ctx.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
