package sqlite

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/peerd/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func info(ip string, status domain.PeerStatus) domain.PeerInfo {
	return domain.PeerInfo{IP: netip.MustParseAddr(ip), Status: status}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := db.RecordPeers([]domain.PeerInfo{info("10.0.0.1", domain.PeerBanned)}); err != nil {
		t.Fatalf("RecordPeers() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	peers, err := db.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers() error: %v", err)
	}
	if len(peers) != 1 || peers[0].Status != domain.PeerBanned {
		t.Errorf("after reopen got %+v, want one BANNED peer", peers)
	}
}

// ─── Peer Journal ───────────────────────────────────────────────────────────

func TestRecordPeers_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	alive := time.UnixMilli(1_700_000_000_123)

	in := []domain.PeerInfo{
		{IP: netip.MustParseAddr("2001:db8::1"), Status: domain.PeerIdle},
		{IP: netip.MustParseAddr("10.0.0.2"), Status: domain.PeerOutAlive, Connected: true, LastAlive: alive},
		{IP: netip.MustParseAddr("10.0.0.1"), Status: domain.PeerIdle, LastFailure: alive},
	}
	if err := db.RecordPeers(in); err != nil {
		t.Fatalf("RecordPeers() error: %v", err)
	}

	out, err := db.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers() error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("ListPeers() = %d rows, want 3", len(out))
	}
	if out[0].IP.String() != "10.0.0.1" || out[2].IP.String() != "2001:db8::1" {
		t.Errorf("ListPeers() not in address order: %v, %v, %v", out[0].IP, out[1].IP, out[2].IP)
	}
	if !out[0].LastFailure.Equal(alive) || !out[0].LastAlive.IsZero() {
		t.Errorf("10.0.0.1 timestamps = %v / %v", out[0].LastAlive, out[0].LastFailure)
	}
	if out[1].Status != domain.PeerOutAlive || !out[1].LastAlive.Equal(alive) {
		t.Errorf("10.0.0.2 = %+v", out[1])
	}
	if out[1].Connected {
		t.Error("sockets are not journaled; Connected should be false")
	}
}

func TestRecordPeers_UpdatesAndPrunes(t *testing.T) {
	db := newTestDB(t)
	first := []domain.PeerInfo{info("10.0.0.1", domain.PeerIdle), info("10.0.0.2", domain.PeerIdle)}
	if err := db.RecordPeers(first); err != nil {
		t.Fatalf("RecordPeers() error: %v", err)
	}

	second := []domain.PeerInfo{info("10.0.0.1", domain.PeerBanned)}
	if err := db.RecordPeers(second); err != nil {
		t.Fatalf("RecordPeers() error: %v", err)
	}

	got, ok, err := db.GetPeer(netip.MustParseAddr("10.0.0.1"))
	if err != nil || !ok {
		t.Fatalf("GetPeer() = %v, %v", ok, err)
	}
	if got.Status != domain.PeerBanned {
		t.Errorf("status = %s, want BANNED", got.Status)
	}

	_, ok, err = db.GetPeer(netip.MustParseAddr("10.0.0.2"))
	if err != nil {
		t.Fatalf("GetPeer() error: %v", err)
	}
	if ok {
		t.Error("evicted peer should be pruned from the journal")
	}
}

func TestRecordPeers_Empty(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordPeers([]domain.PeerInfo{info("10.0.0.1", domain.PeerIdle)}); err != nil {
		t.Fatalf("RecordPeers() error: %v", err)
	}
	if err := db.RecordPeers(nil); err != nil {
		t.Fatalf("RecordPeers(nil) error: %v", err)
	}
	peers, err := db.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers() error: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("ListPeers() = %d rows, want 0", len(peers))
	}
}

func TestDB_ImplementsJournal(t *testing.T) {
	var _ domain.Journal = newTestDB(t)
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetNodeInfo("listen_addr"); err != nil || v != "" {
		t.Fatalf("GetNodeInfo(missing) = %q, %v", v, err)
	}
	if err := db.SetNodeInfo("listen_addr", "0.0.0.0:4545"); err != nil {
		t.Fatalf("SetNodeInfo() error: %v", err)
	}
	if err := db.SetNodeInfo("listen_addr", "0.0.0.0:4646"); err != nil {
		t.Fatalf("SetNodeInfo() error: %v", err)
	}
	v, err := db.GetNodeInfo("listen_addr")
	if err != nil {
		t.Fatalf("GetNodeInfo() error: %v", err)
	}
	if v != "0.0.0.0:4646" {
		t.Errorf("GetNodeInfo() = %q, want 0.0.0.0:4646", v)
	}
}
