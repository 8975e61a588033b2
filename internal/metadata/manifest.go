package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one archived parquet object.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot is one append to the archive table.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
	AddedFiles  int    `json:"added-files"`
	AddedRows   int64  `json:"added-records"`
}

// TableMetadata is the Iceberg-style table metadata file written next to the
// manifests so archived snapshots can be queried later.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator incrementally builds table metadata for the snapshot archive.
// It is safe for concurrent use.
type Generator struct {
	basePath  string
	location  string
	tableName string
	tableUUID string

	mu        sync.Mutex
	lastID    int64
	snapshots []Snapshot
}

// NewGenerator writes metadata under basePath for a table stored at location,
// e.g. s3://bucket/prefix.
func NewGenerator(basePath, location, tableName string) *Generator {
	return &Generator{
		basePath:  basePath,
		location:  location,
		tableName: tableName,
		tableUUID: uuid.NewString(),
	}
}

// AddFiles records the objects written by one flush as a single snapshot.
func (g *Generator) AddFiles(files ...DataFile) error {
	if len(files) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := files[0].Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	snapID := ts.UnixNano()
	if snapID <= g.lastID {
		snapID = g.lastID + 1
	}
	g.lastID = snapID

	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	manifestPath := filepath.Join(g.basePath, "metadata", manifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	entries := make([]ManifestEntry, 0, len(files))
	var rows int64
	for _, df := range files {
		entries = append(entries, ManifestEntry{Status: 1, DataFile: df})
		rows += df.RecordCount
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: ts.UnixMilli(),
		Manifest:    manifestFile,
		AddedFiles:  len(files),
		AddedRows:   rows,
	})
	return g.writeTableMetadata()
}

func (g *Generator) writeTableMetadata() error {
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         g.tableUUID,
		Location:          g.location,
		CurrentSnapshotID: g.snapshots[len(g.snapshots)-1].SnapshotID,
		Snapshots:         g.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.basePath, "metadata", "metadata.json"), b, 0o644)
}

// Snapshots returns the snapshots recorded so far.
func (g *Generator) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Snapshot(nil), g.snapshots...)
}

// WriteCatalogEntry creates a catalog entry pointing at the table metadata.
func (g *Generator) WriteCatalogEntry(catalogDir string) error {
	entry := map[string]string{
		"name":              g.tableName,
		"location":          g.location,
		"metadata_location": filepath.Join(g.basePath, "metadata", "metadata.json"),
	}
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(catalogDir, g.tableName+".json"), b, 0o644)
}
