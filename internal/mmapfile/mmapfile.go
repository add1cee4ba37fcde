// Package mmapfile maps recorded bitstream files read-only.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a read-only memory mapping of a whole file.
type File struct {
	data []byte
}

// Open maps path. An empty file yields an empty mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &File{data: []byte{}}, nil
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("mmapfile: %s too large to map", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: mapping %s: %w", path, err)
	}
	return &File{data: data}, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (f *File) Bytes() []byte { return f.data }

// Len returns the mapped length.
func (f *File) Len() int { return len(f.data) }

// Close unmaps the file. It is safe to call more than once.
func (f *File) Close() error {
	if len(f.data) == 0 {
		f.data = nil
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}
