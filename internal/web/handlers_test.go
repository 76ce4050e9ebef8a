package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

// ---------- ValidateMove ----------

func TestValidateMove(t *testing.T) {
	cases := []struct {
		name    string
		id      int
		wantErr bool
	}{
		{"min", 1, false},
		{"max", 255, false},
		{"zero", 0, true},
		{"negative", -1, true},
		{"too_large", 256, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMove(MoveRequest{ID: tc.id})
			if tc.wantErr && err == nil {
				t.Errorf("expected error for id %d, got nil", tc.id)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for id %d: %v", tc.id, err)
			}
		})
	}
}

// ---------- NewStatus ----------

func TestNewStatus(t *testing.T) {
	tbl, err := position.New(0, []position.Entry{{Angle: 45, ID: 3, Description: "Test 3"}})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := tbl.Lookup(3)
	st := NewStatus(
		angle.State{Angle: 45, Direction: angle.Clockwise, Seq: 45},
		session.Snapshot{
			State:     session.Operating,
			Committed: e,
			Last:      resolver.Result{Entry: e, WithinTolerance: true},
			Revision:  7,
		},
	)
	want := Status{
		Angle: 45, Direction: angle.Clockwise.String(), Steps: 45,
		State: "OPERATING", CommittedID: 3, Committed: "Test 3",
		MatchedID: 3, Matched: "Test 3", Revision: 7,
	}
	if st != want {
		t.Errorf("NewStatus = %+v, want %+v", st, want)
	}
}

// ---------- Handler helpers ----------

var testStatus = Status{Angle: 90, Direction: "None", State: "READY", CommittedID: 2, Committed: "Test 2", Revision: 4}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	tbl, err := position.New(0, []position.Entry{
		{Angle: 5, ID: 1, Description: "Test 1"},
		{Angle: 90, ID: 2, Description: "Test 2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		func() Status { return testStatus },
		tbl,
		staticFS,
	)
}

func moveJSON(id int) []byte {
	data, _ := json.Marshal(MoveRequest{ID: id})
	return data
}

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != testStatus {
		t.Errorf("status = %+v, want %+v", got, testStatus)
	}
}

func TestHandleStatus_NoSource(t *testing.T) {
	h := newTestHandlers(t)
	h.Status = nil
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandlePositions ----------

func TestHandlePositions(t *testing.T) {
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandlePositions(w, httptest.NewRequest(http.MethodGet, "/positions", nil))

	var got struct {
		HomeAngle uint16 `json:"home_angle"`
		Entries   []struct {
			Angle       uint16 `json:"angle"`
			ID          uint8  `json:"id"`
			Description string `json:"description"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(got.Entries))
	}
	if got.Entries[1].ID != 2 || got.Entries[1].Angle != 90 || got.Entries[1].Description != "Test 2" {
		t.Errorf("entry[1] = %+v", got.Entries[1])
	}
}

// ---------- HandleDisplay ----------

func TestHandleDisplay(t *testing.T) {
	h := newTestHandlers(t)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(1, 1, color.RGBA{0xff, 0, 0, 0xff})
	h.Frame = func() image.Image { return img }

	w := httptest.NewRecorder()
	h.HandleDisplay(w, httptest.NewRequest(http.MethodGet, "/display.png", nil))

	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	decoded, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	if r, _, _, _ := decoded.At(1, 1).RGBA(); r != 0xffff {
		t.Errorf("pixel (1,1) red = %#x, want 0xffff", r)
	}
}

func TestHandleDisplay_TextDisplay(t *testing.T) {
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleDisplay(w, httptest.NewRequest(http.MethodGet, "/display.png", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- HandleMove ----------

func TestHandleMove_ValidPost(t *testing.T) {
	h := newTestHandlers(t)
	var got uint8
	h.Move = func(id uint8) error { got = id; return nil }

	req := httptest.NewRequest(http.MethodPost, "/move", bytes.NewReader(moveJSON(2)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got != 2 {
		t.Errorf("Move called with %d, want 2", got)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "sent" {
		t.Errorf("response status = %q, want \"sent\"", resp["status"])
	}
}

func TestHandleMove_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleMove(w, httptest.NewRequest(http.MethodGet, "/move", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleMove_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"invalid_json", []byte("not json")},
		{"invalid_id", moveJSON(0)},
		{"oversized", []byte(`{"id":1,"pad":"` + strings.Repeat("x", 2<<10) + `"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(t)
			h.Move = func(uint8) error { return nil }
			w := httptest.NewRecorder()
			h.HandleMove(w, httptest.NewRequest(http.MethodPost, "/move", bytes.NewReader(tc.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleMove_NoCommandStation(t *testing.T) {
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleMove(w, httptest.NewRequest(http.MethodPost, "/move", bytes.NewReader(moveJSON(1))))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleMove_SendFails(t *testing.T) {
	h := newTestHandlers(t)
	h.Move = func(uint8) error { return errors.New("bus closed") }
	w := httptest.NewRecorder()
	h.HandleMove(w, httptest.NewRequest(http.MethodPost, "/move", bytes.NewReader(moveJSON(1))))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream_SendsInitialStatusAndBroadcasts(t *testing.T) {
	h := newTestHandlers(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := make(chan StatusEvent, 4)
	go func() {
		buf := make([]byte, 4096)
		var pending string
		for {
			n, err := resp.Body.Read(buf)
			pending += string(buf[:n])
			for {
				i := strings.Index(pending, "\n\n")
				if i < 0 {
					break
				}
				chunk := pending[:i]
				pending = pending[i+2:]
				if data, ok := strings.CutPrefix(chunk, "data: "); ok {
					var evt StatusEvent
					if json.Unmarshal([]byte(data), &evt) == nil {
						events <- evt
					}
				}
			}
			if err != nil {
				close(events)
				return
			}
		}
	}()

	first := <-events
	if first.Status == nil || *first.Status != testStatus {
		t.Fatalf("first event = %+v, want the current status", first)
	}

	// wait for the handler to subscribe before broadcasting
	deadline := time.Now().Add(time.Second)
	for h.Broadcaster.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Broadcaster.BroadcastMsg("[Turntable] READY")

	select {
	case evt := <-events:
		if evt.Msg != "[Turntable] READY" {
			t.Errorf("msg = %q, want the broadcast line", evt.Msg)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for broadcast")
	}
}

// ---------- Server ----------

func TestServer_Routes(t *testing.T) {
	tbl, _ := position.New(0, []position.Entry{{Angle: 5, ID: 1, Description: "Test 1"}})
	s := NewServer(":0", NewStatusBroadcaster(), func() Status { return testStatus }, tbl, Options{})
	mux := s.Mux()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/positions", http.StatusOK},
		{http.MethodGet, "/display.png", http.StatusNotFound},
		{http.MethodPost, "/move", http.StatusBadRequest},
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader("")))
		if w.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}
}

func TestServer_WatchBroadcastsChanges(t *testing.T) {
	var rev atomic.Uint64
	rev.Store(1)
	status := func() Status { return Status{Revision: rev.Load()} }

	b := NewStatusBroadcaster()
	s := NewServer(":0", b, status, nil, Options{})
	ch, unsub := b.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.watch(ctx, time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	next := func() Status {
		t.Helper()
		select {
		case msg := <-ch:
			var evt StatusEvent
			if err := json.Unmarshal([]byte(msg), &evt); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if evt.Status == nil {
				t.Fatalf("event without status: %s", msg)
			}
			return *evt.Status
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for status")
		}
		return Status{}
	}

	if got := next(); got.Revision != 1 {
		t.Errorf("first revision = %d, want 1", got.Revision)
	}

	rev.Store(2)

	if got := next(); got.Revision != 2 {
		t.Errorf("revision after change = %d, want 2", got.Revision)
	}
}
