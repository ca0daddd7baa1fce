package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage is the on-disk footprint of the record store and the index artifacts.
type DiskUsage struct {
	DatabaseBytes int64 `json:"database_bytes"`
	IndexBytes    int64 `json:"index_bytes"`
}

// Total returns the combined size in bytes.
func (u DiskUsage) Total() int64 {
	return u.DatabaseBytes + u.IndexBytes
}

// MeasureDiskUsage sums the database file with its SQLite sidecars and the index directory.
// Missing paths count as zero.
func MeasureDiskUsage(databasePath, indexDir string) (DiskUsage, error) {
	var u DiskUsage
	var err error
	if databasePath != "" {
		u.DatabaseBytes, err = pathBytes(databasePath, databasePath+"-wal", databasePath+"-shm")
		if err != nil {
			return DiskUsage{}, err
		}
	}
	if indexDir != "" {
		u.IndexBytes, err = pathBytes(indexDir)
		if err != nil {
			return DiskUsage{}, err
		}
	}
	return u, nil
}

// pathBytes returns the total size of paths; directories are summed recursively.
func pathBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
