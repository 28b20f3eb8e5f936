package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// readSSE collects data events and named events until the body ends.
func readSSE(t *testing.T, resp *http.Response) (data []string, events []string) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			current = append(current, strings.TrimPrefix(line, "data: "))
		case line == "" && len(current) > 0:
			data = append(data, strings.Join(current, "\n"))
			current = nil
		}
	}
	return data, events
}

func openDumpStream(t *testing.T, ts *httptest.Server, id string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/executions/"+id+"/dump", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET dump: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return resp
}

func TestStreamDumpReceivesRecords(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openDumpStream(t, ts, "exec-1")

	// The handler subscribes before it writes headers.
	broker := srv.session.Dump()
	broker.Publish("exec-1", `{"node":"relu","output":0}`)
	broker.Publish("exec-1", `{"node":"add","output":0}`)
	broker.Close("exec-1")

	data, events := readSSE(t, resp)
	want := []string{`{"node":"relu","output":0}`, `{"node":"add","output":0}`, "execution complete"}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"done"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamDumpMultiLineRecord(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openDumpStream(t, ts, "exec-2")

	broker := srv.session.Dump()
	broker.Publish("exec-2", "first\nsecond")
	broker.Close("exec-2")

	data, _ := readSSE(t, resp)
	if len(data) == 0 || data[0] != "first\nsecond" {
		t.Errorf("data = %q, want first record %q", data, "first\nsecond")
	}
}

func TestStreamDumpFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	srv.session.Dump().Close("exec-3")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openDumpStream(t, ts, "exec-3")
	data, events := readSSE(t, resp)
	if diff := cmp.Diff([]string{"execution complete"}, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"done"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
