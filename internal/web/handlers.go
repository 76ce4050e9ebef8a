package web

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"net/http"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

// maxRequestBytes bounds request bodies.
const maxRequestBytes = 1024

// Status is the JSON view of the encoder served on /status and pushed on
// /status/stream.
type Status struct {
	Angle       float64 `json:"angle"`
	Direction   string  `json:"direction"`
	Steps       uint64  `json:"steps"`
	State       string  `json:"state"`
	CommittedID uint8   `json:"committed_id"`
	Committed   string  `json:"committed,omitempty"`
	MatchedID   uint8   `json:"matched_id"`
	Matched     string  `json:"matched,omitempty"`
	HomeAligned bool    `json:"home_aligned"`
	Revision    uint64  `json:"revision"`
}

// NewStatus builds a Status from the tracker and session snapshots.
func NewStatus(st angle.State, snap session.Snapshot) Status {
	s := Status{
		Angle:       st.Angle,
		Direction:   st.Direction.String(),
		Steps:       st.Seq,
		State:       snap.State.String(),
		CommittedID: snap.CommittedID(),
		MatchedID:   snap.Last.ID(),
		HomeAligned: snap.Last.HomeAligned,
		Revision:    snap.Revision,
	}
	if snap.Committed != nil {
		s.Committed = snap.Committed.Description
	}
	if snap.Last.Entry != nil {
		s.Matched = snap.Last.Entry.Description
	}
	return s
}

// StatusFunc returns the current status.
type StatusFunc func() Status

// FrameFunc returns the last rendered display frame.
type FrameFunc func() image.Image

// MoveFunc asks the command station to select a position. It is only
// available when the command station is simulated.
type MoveFunc func(id uint8) error

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	ID int `json:"id"`
}

// ValidateMove checks that id is a valid position id.
func ValidateMove(req MoveRequest) error {
	if req.ID < 1 || req.ID > 255 {
		return fmt.Errorf("id must be between 1 and 255, got %d", req.ID)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Status      StatusFunc
	Frame       FrameFunc // nil without a graphical display
	Move        MoveFunc  // nil without a simulated command station
	Positions   []position.Entry
	HomeAngle   uint16
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, status StatusFunc, table *position.Table, staticFS fs.FS) *Handlers {
	h := &Handlers{
		Broadcaster: broadcaster,
		Status:      status,
		staticFS:    staticFS,
	}
	if table != nil {
		h.Positions = table.Entries()
		h.HomeAngle = table.HomeAngle()
	}
	return h
}

// HandleStatus returns the current status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Status())
}

// HandlePositions returns the position table as JSON.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Angle       uint16 `json:"angle"`
		ID          uint8  `json:"id"`
		Description string `json:"description"`
	}
	out := struct {
		HomeAngle uint16  `json:"home_angle"`
		Entries   []entry `json:"entries"`
	}{HomeAngle: h.HomeAngle, Entries: []entry{}}
	for _, e := range h.Positions {
		out.Entries = append(out.Entries, entry{e.Angle, e.ID, e.Description})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleDisplay serves the last display frame as PNG.
func (h *Handlers) HandleDisplay(w http.ResponseWriter, r *http.Request) {
	if h.Frame == nil {
		http.Error(w, "no graphical display", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, h.Frame()); err != nil {
		debug.Error(fmt.Errorf("encode display frame: %w", err))
	}
}

// HandleMove handles POST /move on a simulated command station.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateMove(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Move == nil {
		http.Error(w, "no simulated command station", http.StatusServiceUnavailable)
		return
	}
	if err := h.Move(uint8(req.ID)); err != nil {
		http.Error(w, "move failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	h.Broadcaster.Broadcast("info", fmt.Sprintf("MOVE %d sent", req.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	if h.Status != nil {
		st := h.Status()
		evt := StatusEvent{Time: time.Now().Format(time.RFC3339), Level: "status", Status: &st}
		if data, err := json.Marshal(evt); err == nil {
			w.Write([]byte("data: " + string(data) + "\n\n"))
		}
	}
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
