package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStandardClient_Wraps(t *testing.T) {
	t.Parallel()

	if c := NewStandardClient(nil); c.Client != http.DefaultClient {
		t.Error("NewStandardClient(nil) should wrap http.DefaultClient")
	}
	custom := &http.Client{}
	if c := NewStandardClient(custom); c.Client != custom {
		t.Error("NewStandardClient should keep the given client")
	}
}

func TestStandardClient_Do(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := NewStandardClient(server.Client()).Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"id":1}`).
		AddErrorResponse(errors.New("connection refused"))

	req, _ := http.NewRequest(http.MethodPost, "http://estimator/estimate", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":1}` {
		t.Errorf("first response = %d %q", resp.StatusCode, body)
	}

	req2, _ := http.NewRequest(http.MethodPost, "http://estimator/estimate", nil)
	if _, err := m.Do(req2); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("second Do() error = %v, want queued error", err)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://estimator/", nil)
	resp3, err := m.Do(req3)
	if err != nil || resp3.StatusCode != http.StatusOK {
		t.Errorf("exhausted queue should answer 200, got %v %v", resp3, err)
	}

	if got := m.RequestCount(); got != 3 {
		t.Errorf("RequestCount() = %d, want 3", got)
	}
	rec, ok := m.Request(0)
	if !ok {
		t.Fatal("Request(0) missing")
	}
	if string(rec.Body) != `{"a":1}` {
		t.Errorf("recorded body = %q", rec.Body)
	}
	if rec.Header.Get("Content-Type") != "application/json" {
		t.Errorf("recorded content-type = %q", rec.Header.Get("Content-Type"))
	}
	if _, ok := m.Request(5); ok {
		t.Error("Request(5) should not exist")
	}
}
