package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/sampler"
	"github.com/cartridge/selfsup/internal/trainer"
)

type fixedStatus trainer.Status

func (f fixedStatus) Status() trainer.Status { return trainer.Status(f) }

func newBuffer(t *testing.T, lengths ...int) *sampler.DataSampler {
	t.Helper()
	s, err := sampler.New(sampler.Config{
		Window:    sampler.Window{Variant: sampler.FramesWithActions, NumFrames: 2, Stride: 1, WithLabels: true},
		BatchSize: 2,
	})
	require.NoError(t, err)
	for _, n := range lengths {
		ep := episode.Episode{EnvID: "gridworld-5x5"}
		for i := 0; i < n; i++ {
			ep.Steps = append(ep.Steps, episode.Step{
				Frame:  episode.Frame{Pix: []uint8{uint8(i)}, Height: 1, Width: 1, Channels: 1},
				Labels: map[string]int{"x_coord": i},
			})
		}
		_, err := s.Push(ep)
		require.NoError(t, err)
	}
	return s
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestHealth(t *testing.T) {
	server := NewServer(nil, nil, zerolog.New(io.Discard))
	res := serve(server.Routes(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, res.Header().Get("X-Correlation-ID"))
}

func TestListAndGetBuffers(t *testing.T) {
	buffers := map[string]*sampler.DataSampler{
		"val":   newBuffer(t, 3),
		"train": newBuffer(t, 4, 5),
	}
	routes := NewServer(buffers, nil, zerolog.New(io.Discard)).Routes()

	res := serve(routes, "/api/v1/buffers", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var list []bufferSummary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "train", list[0].Name)
	assert.Equal(t, 2, list[0].Episodes)
	assert.Equal(t, 7, list[0].Windows)
	assert.Equal(t, "frames-actions", list[0].Variant)
	assert.Equal(t, "reserve-stride", list[0].IndexPolicy)
	assert.Equal(t, uint64(9), list[0].Stats.TotalSteps)

	res = serve(routes, "/api/v1/buffers/val", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var one bufferSummary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &one))
	assert.Equal(t, 2, one.Windows)

	res = serve(routes, "/api/v1/buffers/test", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestIndicesPaging(t *testing.T) {
	routes := NewServer(map[string]*sampler.DataSampler{"train": newBuffer(t, 6)}, nil, zerolog.New(io.Discard)).Routes()

	res := serve(routes, "/api/v1/buffers/train/indices?offset=3&limit=10", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var page struct {
		Total   int             `json:"total"`
		Offset  int             `json:"offset"`
		Indices []sampler.Index `json:"indices"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &page))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, []sampler.Index{{Episode: 0, Start: 3}, {Episode: 0, Start: 4}}, page.Indices)

	res = serve(routes, "/api/v1/buffers/train/indices?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSample(t *testing.T) {
	buffers := map[string]*sampler.DataSampler{"train": newBuffer(t, 5), "empty": newBuffer(t)}
	routes := NewServer(buffers, nil, zerolog.New(io.Discard)).Routes()

	res := serve(routes, "/api/v1/buffers/train/sample?batch_size=3&replacement=true", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		Size   int              `json:"size"`
		Shapes map[string][]int `json:"shapes"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Size)
	assert.Equal(t, []int{3, 2, 1, 1, 1}, body.Shapes["frames"])
	assert.Equal(t, []int{3, 1}, body.Shapes["actions"])
	assert.Equal(t, []int{3, 2}, body.Shapes["labels.x_coord"])

	res = serve(routes, "/api/v1/buffers/empty/sample", nil)
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestCurrentRun(t *testing.T) {
	routes := NewServer(nil, nil, zerolog.New(io.Discard)).Routes()
	res := serve(routes, "/api/v1/runs/current", nil)
	assert.Equal(t, http.StatusNoContent, res.Code)

	status := fixedStatus{RunID: "run-7", Epoch: 3, BestEpoch: 2, ValLoss: 0.4}
	routes = NewServer(nil, status, zerolog.New(io.Discard)).Routes()
	res = serve(routes, "/api/v1/runs/current", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var got trainer.Status
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, 3, got.Epoch)
}

func TestRequestLoggerUsesCorrelationID(t *testing.T) {
	var logs bytes.Buffer
	routes := NewServer(nil, nil, zerolog.New(&logs)).Routes()

	header := http.Header{"X-Correlation-Id": []string{"abc-123"}}
	res := serve(routes, "/api/v1/buffers/missing", header)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "abc-123", res.Header().Get("X-Correlation-ID"))
	assert.Contains(t, logs.String(), `"correlation_id":"abc-123"`)
	assert.Contains(t, logs.String(), `"level":"warn"`)
}
