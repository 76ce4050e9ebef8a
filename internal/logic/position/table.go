package position

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxDescriptionLen is the longest label the display can show for a position.
const MaxDescriptionLen = 10

// NoSelection is the id reported on the bus when no entry is selected.
// Valid entry ids are 1-255, so 0 never collides with a real entry.
const NoSelection uint8 = 0

// Table construction and lookup errors.
var (
	ErrEmptyTable         = errors.New("position table must contain at least one entry")
	ErrDuplicateID        = errors.New("duplicate position id")
	ErrInvalidID          = errors.New("position id must be between 1 and 255")
	ErrInvalidAngle       = errors.New("angle must be between 0 and 359")
	ErrDescriptionTooLong = fmt.Errorf("description longer than %d characters", MaxDescriptionLen)
	ErrNotFound           = errors.New("position not found")
)

// Entry is a single named position.
type Entry struct {
	Angle       uint16 // degrees clockwise from 12 o'clock, 0-359
	ID          uint8  // id sent on the bus, 1-255
	Description string // display label, at most MaxDescriptionLen characters
}

func (e Entry) String() string {
	return fmt.Sprintf("%d:%q@%d°", e.ID, e.Description, e.Angle)
}

// Table is an ordered, read-only list of entries plus the home alignment angle.
// Entries handed out by Lookup and At point into the table and must not be
// modified.
type Table struct {
	home    uint16
	entries []Entry
	byID    map[uint8]int
}

// New validates entries and builds a table. Any error is a configuration
// error: the device must not start with an ambiguous table.
func New(homeAngle uint16, entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTable
	}
	if homeAngle >= 360 {
		return nil, fmt.Errorf("home angle %d: %w", homeAngle, ErrInvalidAngle)
	}

	t := &Table{
		home:    homeAngle,
		entries: make([]Entry, len(entries)),
		byID:    make(map[uint8]int, len(entries)),
	}
	copy(t.entries, entries)

	for i, e := range t.entries {
		if e.ID == NoSelection {
			return nil, fmt.Errorf("entry %d: %w", i, ErrInvalidID)
		}
		if e.Angle >= 360 {
			return nil, fmt.Errorf("entry %d (id %d) angle %d: %w", i, e.ID, e.Angle, ErrInvalidAngle)
		}
		if utf8.RuneCountInString(e.Description) > MaxDescriptionLen {
			return nil, fmt.Errorf("entry %d (id %d) %q: %w", i, e.ID, e.Description, ErrDescriptionTooLong)
		}
		if prev, ok := t.byID[e.ID]; ok {
			return nil, fmt.Errorf("id %d at entries %d and %d: %w", e.ID, prev, i, ErrDuplicateID)
		}
		t.byID[e.ID] = i
	}
	return t, nil
}

// Lookup returns the entry with the given id.
func (t *Table) Lookup(id uint8) (*Entry, error) {
	i, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return &t.entries[i], nil
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// At returns the i-th entry in table order.
func (t *Table) At(i int) *Entry {
	return &t.entries[i]
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// HomeAngle returns the home alignment angle in degrees.
func (t *Table) HomeAngle() uint16 {
	return t.home
}

// DuplicateAngles returns the angles used by more than one entry. Duplicates
// are allowed but make resolution depend on table order.
func (t *Table) DuplicateAngles() []uint16 {
	seen := make(map[uint16]int, len(t.entries))
	var dups []uint16
	for _, e := range t.entries {
		seen[e.Angle]++
		if seen[e.Angle] == 2 {
			dups = append(dups, e.Angle)
		}
	}
	return dups
}
