package gpio

import (
	"sync"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output, and which pull
// resistor an input uses.
type PinMode int

const (
	Input PinMode = iota
	InputPullUp
	InputPullDown
	Output
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case InputPullUp:
		return "input+pullup"
	case InputPullDown:
		return "input+pulldown"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// Driver defines the abstract interface for reading and driving GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver keeps pin levels in memory. Tests and the development mode set
// input levels with SetLevel; pins set up with a pull-up idle High.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// NewMockDriver returns an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	if mode == InputPullUp {
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.SetLevel(pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

// SetLevel simulates an external signal on pin.
func (m *MockDriver) SetLevel(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
