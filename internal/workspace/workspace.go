// Package workspace implements the Workspace Store (spec §4.B): a
// fixed-size byte arena backing the Model Workspace dequantization cache
// (L1) and, where configured, the Context Workspace KV persistence layer
// (L2). It is a bump allocator over either an mmap'd file or, on
// platforms/configurations that want direct I/O, a plain file accessed
// through a bounded RAM LRU — the same eviction shape the teacher's
// embedding cache uses (internal/embedding/cache.go: lruCache), applied
// here to cached reads of backing-store blocks instead of embeddings.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/snapllm/snapllm/internal/diskio"
	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// DefaultAlignment matches spec §4.B's default tensor/frame alignment.
const DefaultAlignment = 256

// Mode selects how the Store accesses its backing file.
type Mode int

const (
	// MMap maps the entire arena into the process's address space.
	// Reads are zero-copy slices into the mapping.
	MMap Mode = iota
	// DirectIO opens the backing file with O_DIRECT (Linux only) and
	// serves reads through a bounded in-memory LRU cache instead of a
	// mapping, trading random-read latency for a capped RSS footprint.
	DirectIO
)

// Region is a caller-opaque handle to a byte range inside the arena.
type Region struct {
	Tag    string
	Offset int64
	Size   int64
}

// Store is a single fixed-capacity arena with bump allocation.
type Store struct {
	path      string
	indexPath string
	capacity  int64
	alignment int64
	mode      Mode

	file *os.File
	data []byte // non-nil only in MMap mode

	bump atomic.Int64

	mu      sync.RWMutex
	regions map[string]Region

	ram *ramCache // non-nil only in DirectIO mode

	log *logrus.Entry
}

type indexFile struct {
	Bump    int64             `json:"bump"`
	Regions map[string]Region `json:"regions"`
}

// Open creates or reopens a workspace arena at path with the given total
// capacity. If an index sidecar already exists alongside path (the "flash
// reload" case, spec §4.G), the bump pointer and region table are
// restored from it instead of starting empty.
func Open(path string, capacity int64, alignment int64, mode Mode, ramCacheBytes int64) (*Store, error) {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	if mode == DirectIO && runtime.GOOS != "linux" {
		return nil, snaperr.New(snaperr.InvalidArgument, "open",
			"direct I/O mode requires O_DIRECT, only available on linux")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: mkdir: %w", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if mode == DirectIO {
		flags |= oDirectFlag
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "open", "could not open backing file", err)
	}

	if err := f.Truncate(capacity); err != nil {
		f.Close()
		return nil, snaperr.Wrap(snaperr.IOError, "open", "could not size backing file", err)
	}

	s := &Store{
		path:      path,
		indexPath: path + ".index.json",
		capacity:  capacity,
		alignment: alignment,
		mode:      mode,
		file:      f,
		regions:   make(map[string]Region),
		log:       logging.For("workspace_store"),
	}

	if mode == MMap {
		data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, snaperr.Wrap(snaperr.IOError, "open", "mmap failed", err)
		}
		s.data = data
	} else {
		s.ram = newRAMCache(ramCacheBytes)
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	if !diskio.Exists(s.indexPath) {
		return nil
	}
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		return snaperr.Wrap(snaperr.IOError, "load_index", "could not read index sidecar", err)
	}
	var idx indexFile
	if err := json.Unmarshal(raw, &idx); err != nil {
		return snaperr.Wrap(snaperr.CorruptArtifact, "load_index", "index sidecar is not valid JSON", err)
	}
	s.bump.Store(idx.Bump)
	if idx.Regions != nil {
		s.regions = idx.Regions
	}
	return nil
}

func (s *Store) persistIndex() error {
	s.mu.RLock()
	idx := indexFile{Bump: s.bump.Load(), Regions: s.regions}
	s.mu.RUnlock()

	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal index: %w", err)
	}
	return diskio.WriteFileAtomic(s.indexPath, raw, 0o644)
}

func alignUp(offset, alignment int64) int64 {
	if alignment <= 1 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

// Allocate bump-allocates size bytes tagged for later lookup by Lookup,
// aligned to the store's alignment. It fails once the arena is full;
// freeing space requires recreating the arena (LayerEvict only drops
// residency and reclaims no arena space) — the bump allocator never reclaims holes, matching spec §4.B's
// "append-only within a workspace generation" model.
func (s *Store) Allocate(size int64, tag string) (Region, error) {
	if size < 0 {
		return Region{}, snaperr.New(snaperr.InvalidArgument, "allocate", "negative size")
	}
	for {
		cur := s.bump.Load()
		start := alignUp(cur, s.alignment)
		next := start + size
		if next > s.capacity {
			return Region{}, snaperr.New(snaperr.OutOfSpace, "allocate",
				fmt.Sprintf("workspace arena exhausted: need %d bytes past offset %d, capacity %d", size, start, s.capacity))
		}
		if s.bump.CompareAndSwap(cur, next) {
			r := Region{Tag: tag, Offset: start, Size: size}
			s.mu.Lock()
			s.regions[tag] = r
			s.mu.Unlock()
			return r, nil
		}
	}
}

// Lookup returns the region previously allocated under tag, if any.
func (s *Store) Lookup(tag string) (Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[tag]
	return r, ok
}

// Write copies data into region. len(data) must not exceed region.Size.
func (s *Store) Write(region Region, data []byte) error {
	if int64(len(data)) > region.Size {
		return snaperr.New(snaperr.InvalidArgument, "write", "payload larger than region")
	}
	if region.Offset+region.Size > s.capacity {
		return snaperr.New(snaperr.InvalidArgument, "write", "region outside arena bounds")
	}

	if s.mode == MMap {
		copy(s.data[region.Offset:], data)
		return nil
	}
	if _, err := s.file.WriteAt(data, region.Offset); err != nil {
		return snaperr.Wrap(snaperr.IOError, "write", "pwrite failed", err)
	}
	s.ram.put(region.Tag, data)
	return nil
}

// Read returns a copy of region's current bytes.
func (s *Store) Read(region Region) ([]byte, error) {
	if region.Offset+region.Size > s.capacity {
		return nil, snaperr.New(snaperr.InvalidArgument, "read", "region outside arena bounds")
	}

	if s.mode == MMap {
		out := make([]byte, region.Size)
		copy(out, s.data[region.Offset:region.Offset+region.Size])
		return out, nil
	}

	if cached, ok := s.ram.get(region.Tag); ok {
		return cached, nil
	}
	buf := make([]byte, region.Size)
	if _, err := s.file.ReadAt(buf, region.Offset); err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "read", "pread failed", err)
	}
	s.ram.put(region.Tag, buf)
	return buf, nil
}

// ReadAs reinterprets region's bytes as a slice of T, for fixed-width
// numeric payloads (float32 tensors, int32 token histories). In MMap mode
// it does so without copying; in DirectIO mode it reinterprets a copy
// returned by Read. The mapping backing the returned slice is only valid until
// the next Close; callers that need to retain it past that must copy.
func ReadAs[T any](s *Store, region Region) ([]T, error) {
	if s.mode != MMap {
		raw, err := s.Read(region)
		if err != nil {
			return nil, err
		}
		return bytesToSlice[T](raw), nil
	}
	if region.Offset+region.Size > s.capacity {
		return nil, snaperr.New(snaperr.InvalidArgument, "read_as", "region outside arena bounds")
	}
	raw := s.data[region.Offset : region.Offset+region.Size]
	return bytesToSlice[T](raw), nil
}

func bytesToSlice[T any](raw []byte) []T {
	var zero T
	width := int(unsafe.Sizeof(zero))
	if width == 0 || len(raw)%width != 0 {
		return nil
	}
	n := len(raw) / width
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}

// Sync flushes pending writes to the backing file and persists the
// region index sidecar, so a later Open sees this generation's state.
func (s *Store) Sync() error {
	if s.mode == MMap {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return snaperr.Wrap(snaperr.IOError, "sync", "msync failed", err)
		}
	} else if err := s.file.Sync(); err != nil {
		return snaperr.Wrap(snaperr.IOError, "sync", "fsync failed", err)
	}
	return s.persistIndex()
}

// LayerEvict drops tag from residency without freeing its region: in
// DirectIO mode it evicts tag's block from the bounded RAM cache, in MMap
// mode it advises the kernel to drop tag's pages from the page cache
// (spec §4.B layer_evict) via MADV_DONTNEED. Either way, a later Read or
// ReadAs for the same region re-faults the data back in from the backing
// file transparently — LayerEvict only relieves memory pressure, it
// never invalidates the region's allocation.
func (s *Store) LayerEvict(tag string) {
	if s.ram != nil {
		s.ram.evict(tag)
		return
	}

	s.mu.RLock()
	r, ok := s.regions[tag]
	s.mu.RUnlock()
	if !ok || s.data == nil {
		return
	}

	start, end := pageAlignRange(r.Offset, r.Size, int64(os.Getpagesize()), int64(len(s.data)))
	if end <= start {
		return
	}
	if err := unix.Madvise(s.data[start:end], unix.MADV_DONTNEED); err != nil {
		s.log.WithError(err).WithField("tag", tag).Warn("madvise MADV_DONTNEED failed")
	}
}

// pageAlignRange widens [offset, offset+size) out to page boundaries and
// clamps it to [0, limit), since madvise requires a page-aligned address.
func pageAlignRange(offset, size, pageSize, limit int64) (start, end int64) {
	start = offset - offset%pageSize
	end = offset + size
	if rem := end % pageSize; rem != 0 {
		end += pageSize - rem
	}
	if end > limit {
		end = limit
	}
	if start > end {
		start = end
	}
	return start, end
}

// Used returns the number of bytes bump-allocated so far.
func (s *Store) Used() int64 { return s.bump.Load() }

// Capacity returns the arena's total size.
func (s *Store) Capacity() int64 { return s.capacity }

// Close unmaps (MMap mode) and closes the backing file. It does not sync;
// callers that want durability call Sync first.
func (s *Store) Close() error {
	var err error
	if s.mode == MMap && s.data != nil {
		if e := unix.Munmap(s.data); e != nil {
			err = e
		}
		s.data = nil
	}
	if e := s.file.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
