package disk

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// The manifest lists the shard directories that make up the shard map, one per line.
// It is replaced atomically (write, sync, rename) whenever the map changes, so shard
// directories that are not listed are leftovers of an interrupted split and get removed.

const (
	manifestName = "SHARDS"
	shardsDir    = "shards"
	logName      = "log"
)

func writeManifest(dir string, regions []hyperspace.RegionID) error {
	var buf bytes.Buffer
	for _, r := range regions {
		buf.WriteString(shardDirName(r))
		buf.WriteByte('\n')
	}

	path := filepath.Join(dir, manifestName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ioError(err, "create manifest %s", tmp)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return ioError(err, "write manifest %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioError(err, "sync manifest %s", tmp)
	}
	if err := f.Close(); err != nil {
		return ioError(err, "close manifest %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ioError(err, "replace manifest %s", path)
	}
	return nil
}

// readManifest returns the listed regions, nil if the disk is new
func readManifest(dir string, parent hyperspace.RegionID) ([]hyperspace.RegionID, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "read manifest in %s", dir)
	}

	var regions []hyperspace.RegionID
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		r, ok := parseShardDirName(line, parent)
		if !ok {
			return nil, fmt.Errorf("%w: manifest entry %q", ErrCorrupt, line)
		}
		regions = append(regions, r)
	}
	return regions, sc.Err()
}

// removeOrphans deletes shard directories the manifest does not list
func removeOrphans(dir string, keep []hyperspace.RegionID) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, shardsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "list shards in %s", dir)
	}

	listed := make(map[string]struct{}, len(keep))
	for _, r := range keep {
		listed[shardDirName(r)] = struct{}{}
	}

	var removed []string
	for _, e := range entries {
		if _, ok := listed[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, shardsDir, e.Name())); err != nil {
			return removed, ioError(err, "remove orphaned shard %s", e.Name())
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
