package output

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/click-stream/tracker/common"
)

func TestHttpDispatcherSend(t *testing.T) {

	var received common.Batch
	var contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		contentType = r.Header.Get("Content-Type")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("Failed to unmarshal batch: %v", err)
		}

		w.Write([]byte("OK\n"))
	}))
	defer server.Close()

	dispatcher := NewHttpDispatcher(HttpDispatcherOptions{URL: server.URL})
	if dispatcher == nil {
		t.Fatal("Expected non-nil dispatcher")
	}

	events := []*common.Event{{ID: "event-0"}, {ID: "event-1"}}

	if err := dispatcher.Send(events); err != nil {
		t.Fatalf("Failed to send batch: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("Expected application/json, got %s", contentType)
	}
	if received.Version != common.V1 {
		t.Errorf("Expected version %s, got %s", common.V1, received.Version)
	}
	if received.TimeMs == 0 {
		t.Error("Expected a send timestamp")
	}
	if len(received.Events) != 2 || received.Events[0].ID != "event-0" || received.Events[1].ID != "event-1" {
		t.Errorf("Expected events in order, got %v", received.Events)
	}
}

func TestHttpDispatcherFailure(t *testing.T) {

	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "not found", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no", tt.status)
			}))
			defer server.Close()

			dispatcher := NewHttpDispatcher(HttpDispatcherOptions{URL: server.URL})

			if err := dispatcher.Send([]*common.Event{{ID: "event-0"}}); err == nil {
				t.Fatal("Expected error for failed dispatch, got nil")
			}
		})
	}
}

func TestHttpDispatcherUnreachable(t *testing.T) {

	dispatcher := NewHttpDispatcher(HttpDispatcherOptions{URL: "http://127.0.0.1:1", Timeout: 1})

	if err := dispatcher.Send([]*common.Event{{ID: "event-0"}}); err == nil {
		t.Fatal("Expected error for unreachable collector, got nil")
	}
}

func TestNewHttpDispatcherEmptyURL(t *testing.T) {

	if dispatcher := NewHttpDispatcher(HttpDispatcherOptions{}); dispatcher != nil {
		t.Error("Expected nil dispatcher for empty url")
	}
}
