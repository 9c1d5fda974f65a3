package operator_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emergence-agent/emergence/internal/operator"
)

type fakeEngine struct {
	snapshots map[string]operator.DriveSnapshot
	adjustErr error
}

func (f *fakeEngine) Snapshot(driveName string) (operator.DriveSnapshot, bool) {
	s, ok := f.snapshots[driveName]
	return s, ok
}

func (f *fakeEngine) SnapshotAll() []operator.DriveSnapshot {
	out := make([]operator.DriveSnapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeEngine) Adjust(driveName string, delta float64) (float64, error) {
	if f.adjustErr != nil {
		return 0, f.adjustErr
	}
	s := f.snapshots[driveName]
	s.Pressure += delta
	f.snapshots[driveName] = s
	return s.Pressure, nil
}

func (f *fakeEngine) Satisfy(driveName, depth, reason, sessionRef string) (bool, float64, error) {
	s, ok := f.snapshots[driveName]
	if !ok {
		return false, 0, fmt.Errorf("unknown drive %q", driveName)
	}
	s.Pressure = 0
	f.snapshots[driveName] = s
	return true, 0, nil
}

func (f *fakeEngine) Respond(driveName, response string) (bool, error) {
	return response == "defer", nil
}

func (f *fakeEngine) Activate(driveName string) error {
	if _, ok := f.snapshots[driveName]; !ok {
		return fmt.Errorf("unknown drive %q", driveName)
	}
	return nil
}

func startServer(t *testing.T, eng operator.Engine) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := operator.NewServer(sockPath, eng, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			return sockPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operator socket never became available")
	return ""
}

func roundTrip(t *testing.T, sockPath string, req operator.Request) operator.Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	var resp operator.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Unmarshal response %q: %v", line, err)
	}
	return resp
}

func TestStatus_ReturnsKnownDriveSnapshot(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{
		"curiosity": {Drive: "curiosity", Status: "triggered", Pressure: 11.4},
	}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "status", Drive: "curiosity"})
	if !resp.OK || resp.Status != "triggered" || resp.Pressure != 11.4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestStatus_UnknownDriveErrors(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "status", Drive: "ghost"})
	if resp.OK {
		t.Fatal("expected error for unknown drive")
	}
}

func TestList_ReturnsAllDrives(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{
		"curiosity": {Drive: "curiosity"},
		"rest":      {Drive: "rest"},
	}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "list"})
	if !resp.OK || len(resp.Drives) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAdjust_NudgesPressure(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{
		"rest": {Drive: "rest", Pressure: 5},
	}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "adjust", Drive: "rest", Delta: -3})
	if !resp.OK || resp.Pressure != 2 {
		t.Fatalf("resp = %+v, want pressure 2", resp)
	}
}

func TestSatisfy_AppliesThroughEngine(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{
		"curiosity": {Drive: "curiosity", Pressure: 9},
	}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "satisfy", Drive: "curiosity", Depth: "deep", SessionRef: "op-1"})
	if !resp.OK || !resp.Applied {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRespond_ReportsChronic(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{
		"social_connection": {Drive: "social_connection"},
	}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "respond", Drive: "social_connection", Response: "defer"})
	if !resp.OK || !resp.Chronic {
		t.Fatalf("resp = %+v, want chronic true for defer response", resp)
	}
}

func TestActivate_UnknownDriveErrors(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "activate", Drive: "coherence"})
	if resp.OK {
		t.Fatal("expected error activating an unknown drive")
	}
}

func TestDispatch_UnknownCommandErrors(t *testing.T) {
	eng := &fakeEngine{snapshots: map[string]operator.DriveSnapshot{}}
	sock := startServer(t, eng)

	resp := roundTrip(t, sock, operator.Request{Cmd: "teleport"})
	if resp.OK {
		t.Fatal("expected error for unrecognized command")
	}
}

func TestSnapshotCache_UpdateGetAll(t *testing.T) {
	c := operator.NewSnapshotCache()
	c.Update(operator.DriveSnapshot{Drive: "curiosity", Pressure: 3})
	c.Update(operator.DriveSnapshot{Drive: "rest", Pressure: 1})

	got, ok := c.Get("curiosity")
	if !ok || got.Pressure != 3 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if len(c.All()) != 2 {
		t.Fatalf("All() = %v, want 2 entries", c.All())
	}
}
