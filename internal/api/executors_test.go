package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/model"
	"github.com/seantiz/dynexec/internal/store"
)

func TestListExecutors(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executors", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var info backend.ManagerInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.State != "ready" || info.Refs != 1 {
		t.Errorf("state = %q refs = %d, want ready with 1 ref", info.State, info.Refs)
	}
	if len(info.Executors) != len(backend.ExecutorTypes()) {
		t.Fatalf("got %d executors, want %d", len(info.Executors), len(backend.ExecutorTypes()))
	}
	for _, e := range info.Executors {
		if !e.Registered {
			t.Errorf("executor %s not registered", e.Type)
		}
	}
}

func TestListValues(t *testing.T) {
	srv := newTestServer(t)
	id := srv.session.ID

	err := srv.session.Values().PutValue(context.Background(), &store.Value{
		SessionID: id,
		Node:      "shape",
		Output:    0,
		Desc:      model.NewDesc(model.DTInt64, 2),
		Data:      make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id+"/values", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body listValuesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Values) != 1 {
		t.Fatalf("got %d values, want 1", len(body.Values))
	}
	got := body.Values[0]
	if got.Node != "shape" || got.DType != "int64" || got.Bytes != 16 {
		t.Errorf("value = %+v, want shape int64 16 bytes", got)
	}
	if diff := cmp.Diff([]int64{2}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestListValuesEmptySession(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+srv.session.ID+"/values", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body listValuesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Values == nil || len(body.Values) != 0 {
		t.Errorf("values = %v, want empty list", body.Values)
	}
}

func TestListValuesUnknownSession(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/values", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
