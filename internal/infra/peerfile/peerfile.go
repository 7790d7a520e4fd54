// Package peerfile reads and writes the durable peer list: a JSON array of
// IP address strings. Only identities are stored; status and sockets are
// runtime state.
package peerfile

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"

	"github.com/tutu-network/peerd/internal/domain"
)

// Decode parses a peer list. Entries that are not valid IP addresses are
// returned in skipped; duplicates collapse to one address.
func Decode(data []byte) (ips []netip.Addr, skipped []string, err error) {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	// A JSON null decodes without error but is not an array.
	if raw == nil {
		return nil, nil, fmt.Errorf("%w: got null", domain.ErrSerialization)
	}

	seen := make(map[netip.Addr]bool, len(raw))
	for _, s := range raw {
		addr, err := domain.ParseIP(s)
		if err != nil {
			skipped = append(skipped, s)
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		ips = append(ips, addr)
	}
	return ips, skipped, nil
}

// Encode renders ips as an indented JSON array, sorted so the file diffs cleanly.
func Encode(ips []netip.Addr) ([]byte, error) {
	sorted := make([]netip.Addr, len(ips))
	copy(sorted, ips)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	out := make([]string, len(sorted))
	for i, ip := range sorted {
		out[i] = ip.String()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return append(data, '\n'), nil
}

// Read loads the peer list at path.
func Read(path string) ([]netip.Addr, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %w", domain.ErrPeerFileIO, path, err)
	}
	return Decode(data)
}

// Write replaces the file at path with ips. The data goes to a temporary file
// in the same directory, is synced, then renamed over the target, so readers
// see either the old list or the new one.
func Write(path string, ips []netip.Addr) error {
	data, err := Encode(ips)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create %s: %v", domain.ErrPeerFileIO, dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPeerFileIO, err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", domain.ErrPeerFileIO, path, err)
	}

	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	// Close before rename; Windows refuses to rename open files.
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", domain.ErrPeerFileIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", domain.ErrPeerFileIO, path, err)
	}
	return nil
}
