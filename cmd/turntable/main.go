package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/bus"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/config"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/display"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/hw/encoder"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/hw/gpio"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/device"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/web"
)

// simulatorInterval is how often the loopback command station reads the
// selected position.
const simulatorInterval = time.Second

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mode := flag.String("mode", "", "override device mode (turntable or knob)")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (empty mode and negative debug mean "use config")
	if err := validateCLIOverrides(*mode, *debugLevel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *mode, *debugLevel)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mode", cfg.Defaults.Mode)

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	if err := run(ctx, cfg, webPort.port(), broadcaster); err != nil {
		log.Fatalf("turntable: %v", err)
	}
	debug.Section("Stopped")
}

// run builds the device from cfg and blocks until ctx ends or the command
// station connection is lost.
func run(ctx context.Context, cfg *config.Config, port int, broadcaster *web.StatusBroadcaster) error {
	debug.Step(1, "Building position table")
	tbl, err := cfg.Table()
	if err != nil {
		return err
	}
	debug.Value("Positions", tbl.Len())
	debug.Value("Home angle", tbl.HomeAngle())

	version, err := bus.ParseVersion(cfg.Defaults.Version)
	if err != nil {
		return fmt.Errorf("defaults.version: %w", err)
	}
	policy, err := session.PolicyFor(cfg.Defaults.Mode, cfg.Feedback())
	if err != nil {
		return err
	}

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(2, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(3, "Initializing encoder")
	enc, err := encoder.New(gpioDriver, encoderConfig(cfg))
	if err != nil {
		return fmt.Errorf("init encoder: %w", err)
	}
	debug.PrintStruct("Encoder config", cfg.Encoder)

	tracker := newTracker(cfg)
	res := resolver.New(tbl, cfg.Resolver.ToleranceDeg, cfg.HomeTolerance())

	g, ctx := errgroup.WithContext(ctx)

	debug.Step(4, "Opening command station bus")
	transport, controllerConn, err := bus.Open(ctx, busConfig(cfg))
	if err != nil {
		return err
	}
	defer transport.Close()

	var move web.MoveFunc
	if controllerConn != nil {
		station := bus.NewController(ctx, controllerConn, cfg.BusTimeout())
		defer station.Close()
		move = station.Move
		g.Go(func() error {
			if err := station.Poll(ctx, simulatorInterval); err != nil && ctx.Err() == nil {
				return fmt.Errorf("command station simulator: %w", err)
			}
			return nil
		})
	}

	sess := session.New(session.Config{
		Table:   tbl,
		Version: version,
		Settle:  cfg.Settle(),
		Policy:  policy,
	}, transport)

	debug.Step(5, "Initializing display")
	dcfg, err := displayConfig(cfg)
	if err != nil {
		return err
	}
	renderer, err := display.New(dcfg)
	if err != nil {
		return err
	}
	var frame web.FrameFunc
	if round, ok := renderer.(*display.Round); ok {
		frame = func() image.Image { return round.Image() }
	}

	loop := device.New(device.Config{
		Tracker:  tracker,
		Resolver: res,
		Session:  sess,
		Events:   enc.Events(),
		Bus:      transport,
		Renderer: renderer,
		Blink:    cfg.Blink(),
	})

	debug.Section("Running")
	g.Go(func() error { return enc.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })

	if port > 0 {
		status := func() web.Status {
			return web.NewStatus(tracker.State(), sess.Snapshot())
		}
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, status, tbl, web.Options{
			Frame: frame,
			Move:  move,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}

	err = g.Wait()
	if n := enc.Dropped(); n > 0 {
		debug.Warn("%d encoder events dropped", n)
	}
	return err
}

// newTracker starts at the 12 o'clock reference. The home angle is only
// used when the operator re-homes with a long press.
func newTracker(cfg *config.Config) *angle.Tracker {
	return angle.NewTracker(
		angle.StepSize(cfg.Encoder.DegreesPerStep, stepMode(cfg.Encoder.StepMode)),
		device.StartAngle,
	)
}

func stepMode(s string) angle.StepMode {
	if s == "full" {
		return angle.FullStep
	}
	return angle.HalfStep
}

func encoderConfig(cfg *config.Config) encoder.Config {
	return encoder.Config{
		ClkPin:       cfg.Encoder.ClkPin,
		DtPin:        cfg.Encoder.DtPin,
		ButtonPin:    cfg.Encoder.ButtonPin,
		Mode:         stepMode(cfg.Encoder.StepMode),
		PullUps:      cfg.Pullups(),
		ActiveHigh:   cfg.Encoder.Polarity == 1,
		Debounce:     cfg.Debounce(),
		LongPress:    cfg.LongPress(),
		PollInterval: cfg.PollInterval(),
	}
}

func busConfig(cfg *config.Config) bus.Config {
	c := bus.Config{
		Type:    cfg.Bus.Type,
		Port:    cfg.Bus.Port,
		Baud:    cfg.Bus.Baud,
		Timeout: cfg.BusTimeout(),
	}
	if c.Type == "tcp" {
		c.Port = cfg.Bus.Address
	}
	return c
}

// displayConfig maps the display section. A knob has no turntable to draw,
// so knob mode always uses the text display.
func displayConfig(cfg *config.Config) (display.Config, error) {
	palette, err := display.ParsePalette(cfg.Display.Colors)
	if err != nil {
		return display.Config{}, fmt.Errorf("display.colors: %w", err)
	}
	typ := cfg.Display.Type
	if cfg.Defaults.Mode == "knob" {
		typ = "text"
	}
	return display.Config{
		Type:      typ,
		Diameter:  cfg.Display.Diameter,
		PitOffset: cfg.Display.PitOffset,
		Blink:     cfg.Blink(),
		Palette:   palette,
	}, nil
}

// validateCLIOverrides checks the optional -mode and -debug values.
func validateCLIOverrides(mode string, debugLevel int) error {
	switch mode {
	case "", "turntable", "knob":
	default:
		return fmt.Errorf("mode must be turntable or knob, got %q", mode)
	}
	if debugLevel > 4 {
		return fmt.Errorf("debug must be between 0 and 4, got %d", debugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with the set CLI overrides.
func applyOverrides(cfg *config.Config, mode string, debugLevel int) {
	if mode != "" {
		cfg.Defaults.Mode = mode
	}
	if debugLevel >= 0 {
		cfg.Defaults.DebugLevel = debugLevel
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
