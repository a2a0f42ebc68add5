package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/duplex/internal/engine"
	"github.com/samcharles93/duplex/internal/logger"
)

type fakeEngine struct {
	mu        sync.Mutex
	seqs      map[string]engine.Snapshot
	nextID    int
	submitErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{seqs: make(map[string]engine.Snapshot)}
}

func (f *fakeEngine) Submit(_ context.Context, prompt []int, maxOutput int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("seq-%03d", f.nextID)
	f.seqs[id] = engine.Snapshot{SeqID: id, State: "prefill-pending"}
	return id, nil
}

func (f *fakeEngine) Poll(seqID string) (engine.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.seqs[seqID]; ok {
		return s, nil
	}
	return engine.Snapshot{}, engine.ErrUnknownSequence
}

func (f *fakeEngine) Cancel(_ context.Context, seqID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seqs[seqID]; !ok {
		return engine.ErrUnknownSequence
	}
	return nil
}

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{Phase: "prefilling", HostCapacity: 4}
}

func newTestEcho(eng Engine) *echo.Echo {
	server := NewServer(eng, nil, logger.Discard())
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitPollCancelLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())

	createRec := doJSON(t, e, http.MethodPost, "/v1/sequences", `{"prompt":[1,2,3],"max_output_tokens":8}`)
	if createRec.Code != http.StatusAccepted {
		t.Fatalf("submit status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	var created SubmitResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if created.SequenceID == "" {
		t.Fatal("expected sequence id")
	}
	if created.State != "prefill-pending" {
		t.Fatalf("unexpected state %q", created.State)
	}

	pollRec := doJSON(t, e, http.MethodGet, "/v1/sequences/"+created.SequenceID, "")
	if pollRec.Code != http.StatusOK {
		t.Fatalf("poll status: got %d body=%s", pollRec.Code, pollRec.Body.String())
	}

	cancelRec := doJSON(t, e, http.MethodDelete, "/v1/sequences/"+created.SequenceID, "")
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d body=%s", cancelRec.Code, cancelRec.Body.String())
	}
	if !strings.Contains(cancelRec.Body.String(), `"cancelled":true`) {
		t.Fatalf("cancel response missing cancelled=true: %s", cancelRec.Body.String())
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty prompt", `{"prompt":[],"max_output_tokens":4}`, "prompt is required"},
		{"missing max output", `{"prompt":[1,2]}`, "max_output_tokens"},
		{"malformed json", `{"prompt":`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/sequences", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if tt.want != "" && !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("unexpected error body: %s", rec.Body.String())
			}
		})
	}
}

func TestEngineErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"capacity", engine.ErrCapacityExceeded, http.StatusTooManyRequests},
		{"halted", engine.ErrHalted, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := newFakeEngine()
			eng.submitErr = tt.err
			e := newTestEcho(eng)
			rec := doJSON(t, e, http.MethodPost, "/v1/sequences", `{"prompt":[1],"max_output_tokens":1}`)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPollUnknownSequence(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodGet, "/v1/sequences/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodDelete, "/v1/sequences/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newFakeEngine())
	rec := doJSON(t, e, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var st engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Phase != "prefilling" || st.HostCapacity != 4 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	source := make(chan engine.Event)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(source)
	}()

	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelA()

	source <- engine.Event{Kind: engine.EventPhaseChange, Phase: "decoding"}
	for name, sub := range map[string]<-chan engine.Event{"a": a, "b": b} {
		ev := <-sub
		if ev.Kind != engine.EventPhaseChange || ev.Phase != "decoding" {
			t.Errorf("subscriber %s got %+v", name, ev)
		}
	}

	// Unsubscribed consumers see their channel closed; the rest keep
	// receiving.
	cancelB()
	if _, ok := <-b; ok {
		t.Error("unsubscribed channel still open")
	}
	source <- engine.Event{Kind: engine.EventSeqFinished, SeqID: "s1"}
	if ev := <-a; ev.SeqID != "s1" {
		t.Errorf("got %+v after unsubscribe of other consumer", ev)
	}

	close(source)
	<-hubDone
	if _, ok := <-a; ok {
		t.Error("subscriber channel open after hub shutdown")
	}
}
