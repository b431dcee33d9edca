// Package peercache persists known peer addresses across restarts as a
// JSON-lines file, one peer per line. A restarted node reconnects to its
// previous mesh without waiting for configured bootstrap peers.
package peercache

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"meshvpn/internal/proto"
)

// maxScanSize bounds one cache line; a corrupt file must not allocate
// unbounded memory.
const maxScanSize = 64 << 10

type record struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxScanSize)
	return sc
}

// Load reads the cache. A missing file is an empty cache, not an error;
// malformed lines are skipped so one bad write cannot wedge startup.
func Load(path string) ([]proto.PeerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var infos []proto.PeerInfo
	sc := newScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		raw, err := hex.DecodeString(rec.ID)
		if err != nil || len(raw) != proto.NodeIDSize || len(rec.Addrs) == 0 {
			continue
		}
		var info proto.PeerInfo
		copy(info.ID[:], raw)
		if info.ID.IsZero() {
			continue
		}
		if len(rec.Addrs) > proto.MaxAddrsPerPeer {
			rec.Addrs = rec.Addrs[:proto.MaxAddrsPerPeer]
		}
		info.Addrs = rec.Addrs
		infos = append(infos, info)
	}
	if err := sc.Err(); err != nil {
		return infos, err
	}
	return infos, nil
}

// Save atomically replaces the cache with the given peers: write to a
// temp file, sync, rename.
func Save(path string, infos []proto.PeerInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, info := range infos {
		if info.ID.IsZero() || len(info.Addrs) == 0 {
			continue
		}
		rec := record{ID: hex.EncodeToString(info.ID[:]), Addrs: info.Addrs}
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace peer cache: %w", err)
	}
	return nil
}
