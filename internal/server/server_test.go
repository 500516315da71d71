package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/docwatch/internal/database"
	"github.com/TobiSchelling/docwatch/internal/events"
	"github.com/TobiSchelling/docwatch/internal/extract"
	"github.com/TobiSchelling/docwatch/internal/poller"
)

type fakeSnapshots struct {
	records []extract.Record
	status  poller.Status
}

func (f *fakeSnapshots) Snapshot() []extract.Record {
	if f.records == nil {
		return []extract.Record{}
	}
	return f.records
}

func (f *fakeSnapshots) Status() poller.Status {
	f.status.Count = len(f.records)
	return f.status
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, snaps Snapshots, runs RunHistory) *Server {
	t.Helper()
	srv, err := New(snaps, events.NewBroker(0), runs)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

var sample = []extract.Record{
	{Date: "2023-10-25", Type: "Grafik", Title: "Pobierz", URL: "https://intranet.example/pdf/grafik.pdf"},
	{Date: "2023-11-02", Type: "Urlopy", Title: "Plan | urlopów", URL: "https://intranet.example/pdf/urlopy.pdf"},
}

func TestPDFsEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	rec := get(t, srv, "/api/pdfs")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected [], got %q", body)
	}
}

func TestPDFsSnapshot(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{records: sample}, nil)
	rec := get(t, srv, "/api/pdfs")

	var got []extract.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(got) != 2 || got[0] != sample[0] || got[1] != sample[1] {
		t.Errorf("unexpected records: %+v", got)
	}
	if !strings.Contains(rec.Body.String(), `"date":"2023-10-25"`) {
		t.Errorf("expected lowercase json keys, got %s", rec.Body.String())
	}
}

func TestPDFsRejectsPost(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	req := httptest.NewRequest("POST", "/api/pdfs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestStatusRoute(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.StartRun("https://intranet.example/docs")
	db.FinishRun(id, 2, nil)
	id, _ = db.StartRun("https://intranet.example/docs")
	db.FinishRun(id, 0, errors.New("HTTP 503"))

	snaps := &fakeSnapshots{records: sample, status: poller.Status{LastError: "HTTP 503", Interval: "1h0m0s"}}
	srv := newTestServer(t, snaps, db)
	rec := get(t, srv, "/api/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Count     int    `json:"count"`
		LastError string `json:"last_error"`
		Runs      []struct {
			Status string `json:"status"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got.Count != 2 || got.LastError != "HTTP 503" {
		t.Errorf("unexpected status: %+v", got)
	}
	if len(got.Runs) != 2 || got.Runs[0].Status != database.RunFailed {
		t.Errorf("expected newest failed run first, got %+v", got.Runs)
	}
}

func TestStatusWithoutHistory(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	rec := get(t, srv, "/api/status")
	if !strings.Contains(rec.Body.String(), `"runs":[]`) {
		t.Errorf("expected empty runs array, got %s", rec.Body.String())
	}
}

func TestIndexRoute(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{records: sample}, nil)
	rec := get(t, srv, "/")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<table>") {
		t.Error("expected rendered table in response")
	}
	if !strings.Contains(body, `href="https://intranet.example/pdf/grafik.pdf"`) {
		t.Error("expected document link in response")
	}
	if !strings.Contains(body, "Plan | urlopów") {
		t.Error("expected escaped pipe to render as text")
	}
}

func TestIndexEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	rec := get(t, srv, "/")
	if !strings.Contains(rec.Body.String(), "No documents found yet") {
		t.Error("expected empty-state text")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	if rec := get(t, srv, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStaticRoute(t *testing.T) {
	srv := newTestServer(t, &fakeSnapshots{}, nil)
	rec := get(t, srv, "/static/style.css")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "font-sans") {
		t.Error("expected CSS content")
	}
}

func TestListingMarkdownEscapes(t *testing.T) {
	got := listingMarkdown([]extract.Record{
		{Date: "2023-01-01", Type: "a_b", Title: "[x] *y*", URL: "https://e.x/a b.pdf"},
	})
	want := "| 2023-01-01 | a\\_b | [\\[x\\] \\*y\\*](<https://e.x/a%20b.pdf>) |\n"
	if !strings.HasSuffix(got, want) {
		t.Errorf("unexpected row:\n%s", got)
	}
}

func TestServeShutsDownWithOpenStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	broker := events.NewBroker(0)
	srv, err := New(&fakeSnapshots{}, broker, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, srv.Handler()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/api/pdfs")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- events.Subscribe(context.Background(), nil, "http://"+addr+"/api/events", func(events.Message) {})
	}()

	for broker.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	select {
	case err := <-streamDone:
		if err == nil {
			t.Error("expected stream to end with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}
