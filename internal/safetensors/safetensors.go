// Package safetensors reads model checkpoints in the safetensors format,
// either a single .safetensors file or a sharded checkpoint directory with
// a model.safetensors.index.json weight map.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/lanternml/lantern/internal/tensor"
)

// Info describes one tensor without loading its payload.
type Info struct {
	DType string
	Shape []int
}

type entry struct {
	shard int
	dtype string
	shape []int
	start int64
	end   int64
}

type shard struct {
	path      string
	file      *os.File
	dataStart int64
}

// Store is an open checkpoint. Tensor payloads are read on demand; the
// store holds one file handle per shard until Close.
type Store struct {
	shards  []*shard
	entries map[string]entry
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open loads a checkpoint from path: a .safetensors file, or a directory
// holding either a sharded index or a single model.safetensors.
func Open(path string) (*Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	if !fi.IsDir() {
		return openFiles([]string{path})
	}

	indexPath := filepath.Join(path, "model.safetensors.index.json")
	if _, err := os.Stat(indexPath); err == nil {
		return openSharded(path, indexPath)
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.safetensors"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("open checkpoint: no safetensors files in %s", path)
	}
	sort.Strings(matches)
	return openFiles(matches)
}

func openSharded(dir, indexPath string) (*Store, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("read shard index: %w", err)
	}
	var index struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("parse shard index: %w", err)
	}
	if len(index.WeightMap) == 0 {
		return nil, fmt.Errorf("shard index %s lists no tensors", indexPath)
	}

	seen := make(map[string]bool)
	var files []string
	for _, name := range index.WeightMap {
		if !seen[name] {
			seen[name] = true
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return openFiles(files)
}

func openFiles(paths []string) (*Store, error) {
	s := &Store{entries: make(map[string]entry)}
	for _, path := range paths {
		if err := s.addShard(path); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) addShard(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		f.Close()
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > 256<<20 {
		f.Close()
		return fmt.Errorf("%s: implausible header length %d", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		f.Close()
		return fmt.Errorf("read header of %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		f.Close()
		return fmt.Errorf("parse header of %s: %w", path, err)
	}
	delete(raw, "__metadata__")

	idx := len(s.shards)
	s.shards = append(s.shards, &shard{path: path, file: f, dataStart: int64(8 + headerLen)})

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("parse tensor %s in %s: %w", name, path, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return fmt.Errorf("tensor %s in %s: invalid data_offsets", name, path)
		}
		if _, dup := s.entries[name]; dup {
			return fmt.Errorf("tensor %s appears in more than one shard", name)
		}
		s.entries[name] = entry{
			shard: idx,
			dtype: th.DType,
			shape: th.Shape,
			start: th.DataOffsets[0],
			end:   th.DataOffsets[1],
		}
	}
	return nil
}

// Close releases all shard file handles.
func (s *Store) Close() error {
	var first error
	for _, sh := range s.shards {
		if sh.file != nil {
			if err := sh.file.Close(); err != nil && first == nil {
				first = err
			}
			sh.file = nil
		}
	}
	return first
}

// Names returns all tensor names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the checkpoint contains the named tensor.
func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Describe returns dtype and shape for the named tensor without reading it.
func (s *Store) Describe(name string) (Info, bool) {
	e, ok := s.entries[name]
	if !ok {
		return Info{}, false
	}
	return Info{DType: e.dtype, Shape: e.shape}, true
}

func (s *Store) readRaw(name string) ([]byte, entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, entry{}, fmt.Errorf("tensor not found: %s", name)
	}
	sh := s.shards[e.shard]
	buf := make([]byte, e.end-e.start)
	if _, err := sh.file.ReadAt(buf, sh.dataStart+e.start); err != nil {
		return nil, entry{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, e, nil
}

func dtypeOf(s string) (tensor.DType, error) {
	switch s {
	case "F32":
		return tensor.F32, nil
	case "F16":
		return tensor.F16, nil
	case "BF16":
		return tensor.BF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}

// rowsCols flattens a shape to two dimensions, folding leading singleton
// axes into the row count. Strictly higher-rank tensors are rejected here;
// expert stacks are stored per expert and never reach this path.
func rowsCols(shape []int) (int, int, error) {
	dims := shape[:0:0]
	for _, d := range shape {
		if d <= 0 {
			return 0, 0, fmt.Errorf("invalid dimension %d", d)
		}
		if d != 1 {
			dims = append(dims, d)
		}
	}
	switch len(dims) {
	case 0:
		return 1, 1, nil
	case 1:
		return 1, dims[0], nil
	case 2:
		return dims[0], dims[1], nil
	default:
		return 0, 0, fmt.Errorf("rank-%d tensor cannot be read as a matrix", len(shape))
	}
}

// Mat reads the named tensor as a 2-D matrix. Half-precision payloads are
// kept in their on-disk encoding and decoded row by row on access.
func (s *Store) Mat(name string) (*tensor.Mat, error) {
	raw, e, err := s.readRaw(name)
	if err != nil {
		return nil, err
	}
	dt, err := dtypeOf(e.dtype)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	r, c, err := rowsCols(e.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	m, err := tensor.NewMatFromRaw(r, c, dt, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return m, nil
}

// Vec reads the named tensor as a float32 vector, converting from half
// precision where needed. Used for norm weights and biases.
func (s *Store) Vec(name string) ([]float32, error) {
	raw, e, err := s.readRaw(name)
	if err != nil {
		return nil, err
	}
	r, c, err := rowsCols(e.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	n := r * c
	switch e.dtype {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("tensor %s: f32 payload size mismatch", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("tensor %s: f16 payload size mismatch", name)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("tensor %s: bf16 payload size mismatch", name)
		}
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, e.dtype)
	}
}
