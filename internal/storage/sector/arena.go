package sector

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Arena is a file-backed memory region that can be handed to NewPool as
// caller-supplied memory. The pool never unmaps it; Close does.
type Arena struct {
	file *os.File
	data mmap.MMap
}

// MapArena maps size bytes of the file at path, creating or growing it.
func MapArena(path string, size int) (*Arena, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(int64(size)); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate arena: %w", err)
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap arena: %w", err)
	}
	return &Arena{file: fd, data: data}, nil
}

// Bytes returns the mapped region.
func (a *Arena) Bytes() []byte {
	return a.data
}

// Flush writes dirty pages back to the file.
func (a *Arena) Flush() error {
	return a.data.Flush()
}

// Close flushes, unmaps and closes the backing file.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	if err := a.data.Flush(); err != nil {
		return fmt.Errorf("flush arena: %w", err)
	}
	if err := a.data.Unmap(); err != nil {
		return fmt.Errorf("unmap arena: %w", err)
	}
	a.data = nil
	return a.file.Close()
}
