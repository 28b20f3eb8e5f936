package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/dynexec/internal/backend"
	"github.com/seantiz/dynexec/internal/engine"
	"github.com/seantiz/dynexec/internal/graphfile"
	"github.com/seantiz/dynexec/internal/model"
)

const (
	maxBodySize       = 1 << 20 // 1 MB
	retainedRuns      = 256
	defaultRunTimeout = 5 * time.Minute
)

// Run statuses reported by GET /v1/runs/{id}.
const (
	runRunning   = "running"
	runCompleted = "completed"
	runFailed    = "failed"
)

// createRunRequest is the JSON body for POST /v1/runs. Graph holds the HCL
// graph file; each input fixes the shape of the Data node at that boundary
// index. Inputs without values are zero-filled. ExecutionID is optional and
// lets a client open the dump stream before submitting.
type createRunRequest struct {
	ExecutionID string      `json:"execution_id"`
	Graph       string      `json:"graph"`
	Inputs      []inputJSON `json:"inputs"`
	TimeoutS    *int        `json:"timeout_s"`
}

type inputJSON struct {
	DType  string    `json:"dtype"`
	Shape  []int64   `json:"shape"`
	Values []float64 `json:"values,omitempty"`
}

type outputJSON struct {
	DType  string    `json:"dtype"`
	Shape  []int64   `json:"shape"`
	Bytes  int64     `json:"bytes"`
	Values []float64 `json:"values,omitempty"`
}

// runResponse describes one execution. Outputs are set once it completed.
type runResponse struct {
	ExecutionID string       `json:"execution_id"`
	Status      string       `json:"status"`
	Outputs     []outputJSON `json:"outputs,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// runRecord tracks an execution submitted through the API.
type runRecord struct {
	mu   sync.Mutex
	resp runResponse
}

func (rr *runRecord) snapshot() runResponse {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	resp := rr.resp
	resp.Outputs = append([]outputJSON(nil), rr.resp.Outputs...)
	return resp
}

func (rr *runRecord) finish(outputs []outputJSON, err error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	now := time.Now().UTC()
	rr.resp.FinishedAt = &now
	if err != nil {
		rr.resp.Status = runFailed
		rr.resp.Error = err.Error()
		return
	}
	rr.resp.Status = runCompleted
	rr.resp.Outputs = outputs
}

// runJob is a decoded, validated run request.
type runJob struct {
	id      string
	graph   *model.GraphItem
	inputs  []model.Tensor
	descs   []model.TensorDesc
	timeout time.Duration
}

func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (*runJob, bool) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.Graph == "" {
		s.writeError(w, http.StatusBadRequest, "graph is required")
		return nil, false
	}

	graph, err := graphfile.Parse([]byte(req.Graph), "request.hcl")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	job := &runJob{id: req.ExecutionID, graph: graph, timeout: defaultRunTimeout}
	if job.id == "" {
		job.id = model.NewID()
	}
	if req.TimeoutS != nil {
		if *req.TimeoutS <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_s must be positive")
			return nil, false
		}
		job.timeout = time.Duration(*req.TimeoutS) * time.Second
	}
	for i, in := range req.Inputs {
		t, desc, err := decodeInput(in)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("input %d: %v", i, err))
			return nil, false
		}
		job.inputs = append(job.inputs, t)
		job.descs = append(job.descs, desc)
	}
	return job, true
}

func decodeInput(in inputJSON) (model.Tensor, model.TensorDesc, error) {
	dt, err := model.ParseDataType(in.DType)
	if err != nil {
		return model.Tensor{}, model.TensorDesc{}, err
	}
	desc := model.NewDesc(dt, in.Shape...)
	if desc.IsUnknown() {
		return model.Tensor{}, model.TensorDesc{}, fmt.Errorf("shape %s is not fully known", desc)
	}
	if in.Values == nil {
		return model.TensorFromBytes(make([]byte, desc.ByteSize())), desc, nil
	}
	if int64(len(in.Values)) != desc.NumElements() {
		return model.Tensor{}, model.TensorDesc{}, fmt.Errorf("%d values for shape %s", len(in.Values), desc)
	}
	if dt != model.DTFloat32 {
		return model.Tensor{}, model.TensorDesc{}, fmt.Errorf("values are only accepted for float32, got %s", dt)
	}
	vals := make([]float32, len(in.Values))
	for i, v := range in.Values {
		vals[i] = float32(v)
	}
	return backend.Float32Tensor(vals...), desc, nil
}

func encodeOutputs(outputs []model.Tensor, descs []model.TensorDesc) []outputJSON {
	out := make([]outputJSON, len(outputs))
	for i, t := range outputs {
		d := descs[i]
		o := outputJSON{DType: d.DType.String(), Shape: append([]int64{}, d.Shape...), Bytes: t.Size}
		data := t.Bytes()
		switch d.DType {
		case model.DTFloat32:
			for _, v := range backend.Float32s(t) {
				o.Values = append(o.Values, float64(v))
			}
		case model.DTInt64:
			for off := 0; off+8 <= len(data); off += 8 {
				o.Values = append(o.Values, float64(int64(binary.LittleEndian.Uint64(data[off:]))))
			}
		}
		out[i] = o
	}
	return out
}

// handleCreateRun runs a graph to completion and returns its outputs. With
// ?async=true it returns 202 and the execution id at once; the run goes on
// in the background, its dump stream and status addressed by that id.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	rec := &runRecord{resp: runResponse{
		ExecutionID: job.id,
		Status:      runRunning,
		StartedAt:   time.Now().UTC(),
	}}
	if prev, ok, _ := s.runs.PeekOrAdd(job.id, rec); ok {
		s.writeJSON(w, http.StatusConflict, prev.snapshot())
		return
	}

	if r.URL.Query().Get("async") == "true" {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.execute(s.baseCtx, job, rec)
		}()
		s.writeJSON(w, http.StatusAccepted, rec.snapshot())
		return
	}

	// A synchronous run may outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(job.timeout + writeTimeout)); err != nil {
		s.logger.Debug("extend write deadline for run", "error", err)
	}
	s.execute(r.Context(), job, rec)
	resp := rec.snapshot()
	if resp.Status == runFailed {
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) execute(ctx context.Context, job *runJob, rec *runRecord) {
	id := job.id
	ctx, cancel := context.WithTimeout(ctx, job.timeout)
	defer cancel()

	res, err := s.session.Run(ctx, job.graph, job.inputs, job.descs, engine.WithExecutionID(id))
	// Run leaves the stream open when it fails before starting.
	s.session.Dump().Close(id)
	if err != nil {
		runsTotal.WithLabelValues(runFailed).Inc()
		s.logger.Warn("run failed", "execution_id", id, "graph", job.graph.Name, "error", err)
		rec.finish(nil, err)
		return
	}
	runsTotal.WithLabelValues(runCompleted).Inc()
	rec.finish(encodeOutputs(res.Outputs, res.Descs), nil)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.runs.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec.snapshot())
}

// waitBackground blocks until background runs finish or ctx is done.
func (s *Server) waitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("background runs still in flight"), ctx.Err())
	}
}
