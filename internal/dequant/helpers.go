package dequant

import (
	"os"
	"unsafe"

	"github.com/snapllm/snapllm/internal/diskio"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// quarantine moves a corrupt catalog aside so a stale fingerprint
// directory doesn't keep failing reuse attempts on every load.
func quarantine(path string) {
	_ = diskio.Quarantine(path)
}

// floatsToBytes views a []float32 as its little-endian byte
// representation without copying element-by-element. Safe because Go
// guarantees float32 slices are laid out contiguously and this process
// only ever runs on little-endian targets it was built for (x86_64,
// arm64).
func floatsToBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
