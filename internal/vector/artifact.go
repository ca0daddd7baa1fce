package vector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
)

// Artifact layout under an index directory:
//
//	CURRENT                          name of the live generation
//	generations/<id>/patient.index   binary header + row-major float32 vectors
//	generations/<id>/index_mapping.json
const (
	CurrentFile    = "CURRENT"
	GenerationsDir = "generations"
	IndexFile      = "patient.index"
	MappingFile    = "index_mapping.json"

	indexMagic    = "CHRT"
	indexVersion  = 1
	headerSize    = 20
	metricIPCode  = 1
	stagingPrefix = ".staging-"
)

// Snapshot is one loaded or freshly built index generation.
type Snapshot struct {
	Generation    string
	BuiltAt       time.Time
	Normalization normalize.Policy
	Index         *Index
	Identities    *IdentityMap
}

// NewSnapshot builds an Index and IdentityMap from raw vectors. Generation is assigned by Persist.
func NewSnapshot(vectors [][]float32, identities []Identity, norm *normalize.Normalizer) (*Snapshot, error) {
	idx, ids, err := Build(vectors, identities, norm)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		BuiltAt:       time.Now().UTC(),
		Normalization: norm.Policy(),
		Index:         idx,
		Identities:    ids,
	}, nil
}

// Status summarizes the snapshot for status endpoints.
func (s *Snapshot) Status() models.IndexStatus {
	return models.IndexStatus{
		Generation:    s.Generation,
		Rows:          s.Index.Size(),
		Dimensions:    s.Index.Dimensions(),
		Metric:        s.Index.Metric(),
		Normalization: string(s.Normalization),
		BuiltAt:       s.BuiltAt,
	}
}

type mappingFile struct {
	Generation    string              `json:"generation"`
	Rows          int                 `json:"rows"`
	Dimensions    int                 `json:"dimensions"`
	Metric        string              `json:"metric"`
	Normalization string              `json:"normalization"`
	BuiltAt       time.Time           `json:"built_at"`
	Entries       map[string]Identity `json:"entries"`
}

// Persist writes snap as a new generation under dir and then points CURRENT at it.
// Until the final rename of CURRENT, readers keep seeing the previous generation.
// On success snap.Generation is set to the new generation id.
func Persist(dir string, snap *Snapshot) (string, error) {
	if snap == nil || snap.Index == nil || snap.Identities == nil {
		return "", fmt.Errorf("%w: nothing to persist", models.ErrEmptyInput)
	}
	if snap.Index.Size() != snap.Identities.Len() {
		return "", fmt.Errorf("%w: index has %d rows, identity map %d", models.ErrLengthMismatch, snap.Index.Size(), snap.Identities.Len())
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate generation id: %w", err)
	}
	gen := id.String()
	genRoot := filepath.Join(dir, GenerationsDir)
	if err := os.MkdirAll(genRoot, 0755); err != nil {
		return "", fmt.Errorf("create generations dir: %w", err)
	}

	staging := filepath.Join(genRoot, stagingPrefix+gen)
	if err := os.Mkdir(staging, 0755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := writeFileSync(filepath.Join(staging, IndexFile), func(w io.Writer) error {
		return writeIndex(w, snap.Index)
	}); err != nil {
		return "", fmt.Errorf("write index: %w", err)
	}
	mapping := mappingFile{
		Generation:    gen,
		Rows:          snap.Index.Size(),
		Dimensions:    snap.Index.Dimensions(),
		Metric:        snap.Index.Metric(),
		Normalization: string(snap.Normalization),
		BuiltAt:       snap.BuiltAt,
		Entries:       make(map[string]Identity, snap.Identities.Len()),
	}
	for i, e := range snap.Identities.entries {
		mapping.Entries[strconv.Itoa(i)] = e
	}
	if err := writeFileSync(filepath.Join(staging, MappingFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&mapping)
	}); err != nil {
		return "", fmt.Errorf("write mapping: %w", err)
	}

	final := filepath.Join(genRoot, gen)
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publish generation: %w", err)
	}
	committed = true
	syncDir(genRoot)

	if err := writeFileSync(filepath.Join(dir, CurrentFile+".tmp"), func(w io.Writer) error {
		_, err := io.WriteString(w, gen+"\n")
		return err
	}); err != nil {
		return "", fmt.Errorf("write current pointer: %w", err)
	}
	if err := os.Rename(filepath.Join(dir, CurrentFile+".tmp"), filepath.Join(dir, CurrentFile)); err != nil {
		return "", fmt.Errorf("swap current pointer: %w", err)
	}
	syncDir(dir)

	snap.Generation = gen
	return gen, nil
}

// CurrentGeneration returns the generation CURRENT points at, or models.ErrNoArtifact.
func CurrentGeneration(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, CurrentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s has no %s", models.ErrNoArtifact, dir, CurrentFile)
		}
		return "", fmt.Errorf("read current pointer: %w", err)
	}
	gen := strings.TrimSpace(string(data))
	if gen == "" || strings.ContainsAny(gen, `/\`) || strings.HasPrefix(gen, ".") {
		return "", fmt.Errorf("%w: bad current pointer %q", models.ErrCorruptArtifact, gen)
	}
	return gen, nil
}

// Load reads the generation CURRENT points at.
func Load(dir string) (*Snapshot, error) {
	gen, err := CurrentGeneration(dir)
	if err != nil {
		return nil, err
	}
	return LoadGeneration(dir, gen)
}

// LoadGeneration reads one generation and cross-checks the index against its mapping.
func LoadGeneration(dir, gen string) (*Snapshot, error) {
	genDir := filepath.Join(dir, GenerationsDir, gen)
	idx, err := readIndexFile(filepath.Join(genDir, IndexFile))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(genDir, MappingFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: generation %s has no mapping", models.ErrCorruptArtifact, gen)
		}
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var mapping mappingFile
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("%w: parse mapping: %v", models.ErrCorruptArtifact, err)
	}
	if len(mapping.Entries) != idx.Size() || mapping.Rows != idx.Size() {
		return nil, fmt.Errorf("%w: index has %d rows, mapping declares %d with %d entries",
			models.ErrCorruptArtifact, idx.Size(), mapping.Rows, len(mapping.Entries))
	}
	if mapping.Dimensions != idx.Dimensions() {
		return nil, fmt.Errorf("%w: index has %d dimensions, mapping declares %d",
			models.ErrCorruptArtifact, idx.Dimensions(), mapping.Dimensions)
	}
	entries := make([]Identity, idx.Size())
	for key, e := range mapping.Entries {
		row, err := strconv.Atoi(key)
		if err != nil || row < 0 || row >= len(entries) || strconv.Itoa(row) != key {
			return nil, fmt.Errorf("%w: bad mapping row %q", models.ErrCorruptArtifact, key)
		}
		if e.PatientID == "" {
			return nil, fmt.Errorf("%w: mapping row %d has no patient id", models.ErrCorruptArtifact, row)
		}
		entries[row] = e
	}
	policy, err := normalize.ParsePolicy(mapping.Normalization)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptArtifact, err)
	}

	return &Snapshot{
		Generation:    gen,
		BuiltAt:       mapping.BuiltAt,
		Normalization: policy,
		Index:         idx,
		Identities:    &IdentityMap{entries: entries},
	}, nil
}

// Generations lists published generation ids, oldest first.
func Generations(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(filepath.Join(dir, GenerationsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var gens []string
	for _, e := range dirEntries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			gens = append(gens, e.Name())
		}
	}
	// v7 UUIDs sort by creation time.
	sort.Strings(gens)
	return gens, nil
}

// Prune removes the oldest generations so that at most keep remain. The current
// generation is never removed. Staging directories are left alone.
func Prune(dir string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	gens, err := Generations(dir)
	if err != nil {
		return nil, err
	}
	current, err := CurrentGeneration(dir)
	if err != nil && !errors.Is(err, models.ErrNoArtifact) {
		return nil, err
	}
	var removed []string
	excess := len(gens) - keep
	for _, gen := range gens {
		if excess <= 0 {
			break
		}
		if gen == current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, GenerationsDir, gen)); err != nil {
			return removed, fmt.Errorf("remove generation %s: %w", gen, err)
		}
		removed = append(removed, gen)
		excess--
	}
	return removed, nil
}

func writeIndex(w io.Writer, idx *Index) error {
	bw := bufio.NewWriter(w)
	header := make([]byte, headerSize)
	copy(header[0:4], indexMagic)
	binary.LittleEndian.PutUint32(header[4:8], indexVersion)
	binary.LittleEndian.PutUint32(header[8:12], metricIPCode)
	binary.LittleEndian.PutUint32(header[12:16], uint32(idx.dimensions))
	binary.LittleEndian.PutUint32(header[16:20], uint32(idx.rows))
	if _, err := bw.Write(header); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, v := range idx.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readIndexFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: missing %s", models.ErrCorruptArtifact, filepath.Base(path))
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", models.ErrCorruptArtifact, err)
	}
	if string(header[0:4]) != indexMagic {
		return nil, fmt.Errorf("%w: bad magic %q", models.ErrCorruptArtifact, header[0:4])
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", models.ErrCorruptArtifact, v)
	}
	if m := binary.LittleEndian.Uint32(header[8:12]); m != metricIPCode {
		return nil, fmt.Errorf("%w: unsupported metric %d", models.ErrCorruptArtifact, m)
	}
	dim := int(binary.LittleEndian.Uint32(header[12:16]))
	rows := int(binary.LittleEndian.Uint32(header[16:20]))
	if dim <= 0 || rows <= 0 {
		return nil, fmt.Errorf("%w: dimensions=%d rows=%d", models.ErrCorruptArtifact, dim, rows)
	}
	if want := int64(headerSize) + int64(dim)*int64(rows)*4; info.Size() != want {
		return nil, fmt.Errorf("%w: index is %d bytes, header implies %d", models.ErrCorruptArtifact, info.Size(), want)
	}

	raw := make([]byte, dim*rows*4)
	if _, err := io.ReadFull(bufio.NewReader(f), raw); err != nil {
		return nil, fmt.Errorf("%w: read vectors: %v", models.ErrCorruptArtifact, err)
	}
	data := make([]float32, dim*rows)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : (i+1)*4]))
	}
	return &Index{dimensions: dim, rows: rows, data: data}, nil
}

func writeFileSync(path string, write func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory entries after a rename; not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
