package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/bus"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
)

// ErrUnknownTarget is returned when a MOVE names an id that is not in the
// position table.
var ErrUnknownTarget = errors.New("move target not in position table")

// State is the operating mode of the encoder.
type State int

const (
	Ready State = iota
	Operating
	Error
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Operating:
		return "OPERATING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sender delivers messages to the command station.
type Sender interface {
	Send(bus.Message) error
}

// Config holds the fixed parameters of a session.
type Config struct {
	Table   *position.Table
	Version bus.Version
	Settle  time.Duration // quiet time after the last step before a move is complete
	Policy  Policy
}

// Snapshot is a consistent copy of the session for rendering and status.
type Snapshot struct {
	State     State
	Committed *position.Entry // nil when nothing is selected
	Last      resolver.Result // most recent resolver output
	Revision  uint64          // incremented on every change
}

// CommittedID returns the id reported on the bus.
func (s Snapshot) CommittedID() uint8 {
	if s.Committed == nil {
		return position.NoSelection
	}
	return s.Committed.ID
}

// Session is the protocol state machine. Its methods are called from the
// device loop; Snapshot may be called from any goroutine.
type Session struct {
	cfg Config
	out Sender

	mu         sync.Mutex
	state      State
	committed  *position.Entry
	last       resolver.Result
	lastChange time.Time
	revision   uint64
}

// New creates a session in the READY state.
func New(cfg Config, out Sender) *Session {
	if cfg.Policy.Name == "" {
		cfg.Policy = TurntablePolicy(true)
	}
	return &Session{cfg: cfg, out: out}
}

// Start commits the selection for the power-on angle and announces READY.
func (s *Session) Start(initial resolver.Result) {
	s.mu.Lock()
	s.last = initial
	s.committed = initial.Entry
	s.revision++
	s.mu.Unlock()

	if initial.Entry != nil {
		debug.Commit(initial.Entry.ID, initial.Entry.Description)
	}
	s.send(bus.Ready())
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		Committed: s.committed,
		Last:      s.last,
		Revision:  s.revision,
	}
}

// OnAngleChange records a new resolver result caused by the operator turning
// the encoder. The first change of a move enters OPERATING.
func (s *Session) OnAngleChange(res resolver.Result, now time.Time) {
	s.mu.Lock()
	s.last = res
	s.lastChange = now
	s.revision++
	prev := s.state
	if prev != Operating {
		s.setState(Operating)
	}
	s.mu.Unlock()

	debug.Verbose("angle change: matched id=%d home=%v", res.ID(), res.HomeAligned)
	if prev != Operating && s.cfg.Policy.Feedback {
		s.send(bus.Operating(true))
	}
}

// Tick completes a move once the angle has been still for the settle time.
// It reports whether the move completed.
func (s *Session) Tick(now time.Time) bool {
	s.mu.Lock()
	if s.state != Operating || now.Sub(s.lastChange) < s.cfg.Settle {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.finishMove()
	return true
}

// Select commits the current match immediately (operator button press),
// without waiting for the settle time. An unaligned press is ignored.
func (s *Session) Select(res resolver.Result) bool {
	if res.Entry == nil {
		debug.Live("select ignored: not aligned with a position")
		return false
	}
	s.mu.Lock()
	s.last = res
	s.revision++
	moving := s.state == Operating
	s.mu.Unlock()

	if moving {
		s.finishMove()
		return true
	}
	s.commit(res.Entry)
	return true
}

// finishMove commits where the bridge stopped. A MOVE handled during the move
// is replaced when the stop is aligned with a position.
func (s *Session) finishMove() {
	s.mu.Lock()
	last := s.last
	s.setState(Ready)
	s.mu.Unlock()

	switch {
	case last.Entry != nil:
		s.commit(last.Entry)
	case s.cfg.Policy.CommitUnaligned:
		s.commit(nil)
	default:
		debug.Live("move ended between positions, keeping previous selection")
	}

	if s.cfg.Policy.Feedback {
		s.send(bus.Operating(false))
	}
	s.send(bus.Ready())
}

// Handle processes one message from the command station. The returned error
// describes a rejected message; it has already been answered with ERROR.
func (s *Session) Handle(msg bus.Message) error {
	if err := bus.Validate(msg, bus.ToDevice); err != nil {
		s.mu.Lock()
		s.setState(Error)
		s.revision++
		s.mu.Unlock()
		s.send(bus.ErrorReply())
		return fmt.Errorf("rejected %s: %w", msg, err)
	}

	s.mu.Lock()
	recovered := s.state == Error
	if recovered {
		s.setState(Ready)
		s.revision++
	}
	committed := s.committed
	s.mu.Unlock()
	if recovered {
		s.send(bus.Ready())
	}

	switch msg.Code {
	case bus.CodeRead:
		id := position.NoSelection
		if committed != nil {
			id = committed.ID
		}
		s.send(bus.ReadReply(id))
	case bus.CodeVersion:
		s.send(bus.VersionReply(s.cfg.Version))
	case bus.CodeMove:
		return s.move(msg.Value(), committed)
	case bus.CodeReady:
		if !recovered {
			s.send(bus.Ready())
		}
	case bus.CodeOperating:
		debug.Live("controller feedback: moving=%v", msg.Value() == 1)
	case bus.CodeError:
		debug.Warn("controller reported an error")
	}
	return nil
}

func (s *Session) move(id uint8, committed *position.Entry) error {
	entry, err := s.cfg.Table.Lookup(id)
	if err != nil {
		s.send(bus.ErrorReply())
		return fmt.Errorf("move to %d: %w: %w", id, ErrUnknownTarget, err)
	}
	if entry == committed {
		debug.Verbose("move to %d: already selected", id)
		return nil
	}
	s.commit(entry)
	return nil
}

func (s *Session) commit(e *position.Entry) {
	s.mu.Lock()
	changed := s.committed != e
	s.committed = e
	if changed {
		s.revision++
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if e == nil {
		debug.Commit(position.NoSelection, "none")
		return
	}
	debug.Commit(e.ID, e.Description)
}

// setState must be called with mu held.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	debug.State(s.state.String(), next.String())
	s.state = next
}

func (s *Session) send(m bus.Message) {
	if s.out == nil {
		return
	}
	if err := s.out.Send(m); err != nil {
		debug.Error(err)
	}
}
