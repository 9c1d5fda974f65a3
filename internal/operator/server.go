// Package operator — server.go
//
// Unix domain socket server for emergence-agent operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/emergence-agent/operator.sock (configurable).
// Permissions: 0600, owned by the agent's user. Read-only status plus a
// small set of manual actions a human (or a supervising process) can use
// to override the drive engine's own decisions.
//
// Commands (JSON request → JSON response):
//
//   {"cmd":"status","drive":"curiosity"}
//     → Returns the drive's current status and pressure.
//     → Response: {"ok":true,"drive":"curiosity","status":"triggered","pressure":11.4}
//
//   {"cmd":"list"}
//     → Returns all drives with their current snapshot.
//     → Response: {"ok":true,"drives":[{"drive":"curiosity","status":"triggered",...},...]}
//
//   {"cmd":"adjust","drive":"rest","delta":-3.0}
//     → Manually nudges a drive's pressure by delta (spec.md's explicit
//       escape hatch for operator correction, distinct from satisfy()).
//     → Response: {"ok":true,"drive":"rest","pressure":2.0}
//
//   {"cmd":"satisfy","drive":"curiosity","depth":"deep","reason":"manual","session_ref":"op-1"}
//     → Applies satisfy() out of band, through the same ledger/index path
//       the engine uses, so it is audited and dedup-safe.
//     → Response: {"ok":true,"drive":"curiosity","applied":true,"pressure":1.2}
//
//   {"cmd":"respond","drive":"social_connection","response":"defer"}
//     → Records a choice-mode Recognize/Engage/Defer response (spec §4.3).
//     → Response: {"ok":true,"drive":"social_connection","chronic":false}
//
//   {"cmd":"activate","drive":"coherence"}
//     → Activates a latent drive discovered by ingest (spec §4.5 step 2:
//       "never auto-activated" — this is the human-in-the-loop activation).
//     → Response: {"ok":true,"drive":"coherence"}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - satisfy and defer responses are appended to the audit ledger via
//     the Engine; adjust, satisfy and activate are written to the server
//     log. The other commands leave no ledger entry.

package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// DriveSnapshot is a read-only view of one drive's current state.
type DriveSnapshot struct {
	Drive          string  `json:"drive"`
	Status         string  `json:"status"`
	Valence        string  `json:"valence"`
	Pressure       float64 `json:"pressure"`
	Threshold      float64 `json:"threshold"`
	ThwartingCount int     `json:"thwarting_count"`
	Latent         bool    `json:"latent"`
	OnCooldown     bool    `json:"on_cooldown"`
}

// Engine is the interface the operator server uses to read and mutate
// drive state. Implemented by the agent's running engine instance, which
// owns the ledger, the drive map, and the deferral tracker.
type Engine interface {
	// Snapshot returns the current state of driveName, or (zero, false) if
	// the drive name is unknown.
	Snapshot(driveName string) (DriveSnapshot, bool)

	// SnapshotAll returns every configured drive's current state.
	SnapshotAll() []DriveSnapshot

	// Adjust nudges driveName's pressure by delta, clamped to
	// [0, emergency ceiling], and returns the resulting pressure.
	Adjust(driveName string, delta float64) (float64, error)

	// Satisfy applies a manual satisfaction through the ledger/index path.
	Satisfy(driveName, depth, reason, sessionRef string) (applied bool, pressureAfter float64, err error)

	// Respond records a choice-mode Recognize/Engage/Defer response and
	// reports whether the drive has now crossed the chronic-deferral
	// threshold.
	Respond(driveName, response string) (chronic bool, err error)

	// Activate turns on a latent drive discovered by ingest.
	Activate(driveName string) error
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd        string  `json:"cmd"` // status | list | adjust | satisfy | respond | activate
	Drive      string  `json:"drive,omitempty"`
	Delta      float64 `json:"delta,omitempty"`
	Depth      string  `json:"depth,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	SessionRef string  `json:"session_ref,omitempty"`
	Response   string  `json:"response,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Drive    string          `json:"drive,omitempty"`
	Status   string          `json:"status,omitempty"`
	Pressure float64         `json:"pressure,omitempty"`
	Applied  bool            `json:"applied,omitempty"`
	Chronic  bool            `json:"chronic,omitempty"`
	Drives   []DriveSnapshot `json:"drives,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	engine     Engine
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, engine Engine, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	case "adjust":
		return s.cmdAdjust(req)
	case "satisfy":
		return s.cmdSatisfy(req)
	case "respond":
		return s.cmdRespond(req)
	case "activate":
		return s.cmdActivate(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.Drive == "" {
		return Response{OK: false, Error: "drive required for status"}
	}
	snap, ok := s.engine.Snapshot(req.Drive)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("unknown drive %q", req.Drive)}
	}
	return Response{OK: true, Drive: snap.Drive, Status: snap.Status, Pressure: snap.Pressure}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Drives: s.engine.SnapshotAll()}
}

func (s *Server) cmdAdjust(req Request) Response {
	if req.Drive == "" {
		return Response{OK: false, Error: "drive required for adjust"}
	}
	pressure, err := s.engine.Adjust(req.Drive, req.Delta)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: pressure adjusted",
		zap.String("drive", req.Drive), zap.Float64("delta", req.Delta), zap.Float64("pressure", pressure))
	return Response{OK: true, Drive: req.Drive, Pressure: pressure}
}

func (s *Server) cmdSatisfy(req Request) Response {
	if req.Drive == "" {
		return Response{OK: false, Error: "drive required for satisfy"}
	}
	applied, pressure, err := s.engine.Satisfy(req.Drive, req.Depth, req.Reason, req.SessionRef)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: manual satisfy",
		zap.String("drive", req.Drive), zap.Bool("applied", applied), zap.Float64("pressure", pressure))
	return Response{OK: true, Drive: req.Drive, Applied: applied, Pressure: pressure}
}

func (s *Server) cmdRespond(req Request) Response {
	if req.Drive == "" {
		return Response{OK: false, Error: "drive required for respond"}
	}
	chronic, err := s.engine.Respond(req.Drive, req.Response)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Drive: req.Drive, Chronic: chronic}
}

func (s *Server) cmdActivate(req Request) Response {
	if req.Drive == "" {
		return Response{OK: false, Error: "drive required for activate"}
	}
	if err := s.engine.Activate(req.Drive); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: latent drive activated", zap.String("drive", req.Drive))
	return Response{OK: true, Drive: req.Drive}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// ─── Mutex-protected in-memory snapshot cache ─────────────────────────────

// SnapshotCache is a thread-safe holder of the latest DriveSnapshot per
// drive, refreshed by the engine's tick loop. It exists so the operator
// server can answer status/list without taking the engine's tick-loop
// lock on every request — the same separation the teacher's MemRegistry
// gave the escalation workers versus the operator socket.
type SnapshotCache struct {
	mu   sync.RWMutex
	snap map[string]DriveSnapshot
}

// NewSnapshotCache returns an empty SnapshotCache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snap: make(map[string]DriveSnapshot)}
}

// Update replaces s's cached snapshot for snap.Drive.
func (c *SnapshotCache) Update(snap DriveSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap[snap.Drive] = snap
}

// Get returns the cached snapshot for driveName.
func (c *SnapshotCache) Get(driveName string) (DriveSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snap[driveName]
	return s, ok
}

// All returns every cached snapshot.
func (c *SnapshotCache) All() []DriveSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DriveSnapshot, 0, len(c.snap))
	for _, s := range c.snap {
		out = append(out, s)
	}
	return out
}
