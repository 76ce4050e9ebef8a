package web

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
)

// watchInterval is how often the server checks for status changes to push.
const watchInterval = 100 * time.Millisecond

// Options are the optional sources of the status page.
type Options struct {
	Frame FrameFunc
	Move  MoveFunc
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, status StatusFunc, table *position.Table, opts Options) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, status, table, subFS)
	handlers.Frame = opts.Frame
	handlers.Move = opts.Move

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /positions", s.handlers.HandlePositions)
	mux.HandleFunc("GET /display.png", s.handlers.HandleDisplay)
	mux.HandleFunc("POST /move", s.handlers.HandleMove)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. While running, status changes are pushed to SSE clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("web server listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.watch(ctx, watchInterval)
		return nil
	})
	return g.Wait()
}

// watch broadcasts the status whenever its revision or step count changes.
func (s *Server) watch(ctx context.Context, interval time.Duration) {
	if s.handlers.Status == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Status
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.handlers.Status()
			if !first && st.Revision == last.Revision && st.Steps == last.Steps && st.Angle == last.Angle {
				continue
			}
			first = false
			last = st
			if s.handlers.Broadcaster.Clients() > 0 {
				s.handlers.Broadcaster.BroadcastStatus(st)
			}
		}
	}
}
