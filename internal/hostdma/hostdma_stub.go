//go:build !linux

package hostdma

import "errors"

// ErrUnsupported is returned on platforms without the mmap-based
// allocator. The NVMe queue-pair driver targets Linux; this stub keeps
// the module buildable elsewhere.
var ErrUnsupported = errors.New("hostdma: unsupported platform")

type Block struct{}

func Allocate(size int) (*Block, error) { return nil, ErrUnsupported }
func (b *Block) Close() error           { return nil }
func (b *Block) Pages() int             { return 0 }
func (b *Block) Pfns() []uint64         { return nil }
func (b *Block) Subblock(offset, length int) []byte { return nil }
