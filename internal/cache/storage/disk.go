package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/golang/snappy"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/keys"
)

const (
	diskMagic   = "GFC1"
	diskExt     = ".cell"
	defaultBits = 100_000
)

type DiskOptions struct {
	// Dir holds one file per payload. When empty a temporary directory is
	// created and removed again on Close.
	Dir string
	// ExpectedItems sizes the bloom filter that short-circuits misses.
	ExpectedItems uint
	// KeepOnClose leaves files of a caller-provided Dir in place on Close.
	KeepOnClose bool
}

// Disk stores every payload in its own snappy-compressed file. The on-disk
// layout is internal: magic, uvarint id length, id, compressed payload.
type Disk struct {
	dir     string
	dispose bool

	mu     sync.RWMutex
	seen   *bloom.BloomFilter
	closed bool
}

var _ Storage = (*Disk)(nil)

func NewDisk(opts DiskOptions) (*Disk, error) {
	n := opts.ExpectedItems
	if n == 0 {
		n = defaultBits
	}
	d := &Disk{seen: bloom.NewWithEstimates(n, 0.01)}

	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "gridcache-*")
		if err != nil {
			return nil, ioErr("disk", "open", "", err)
		}
		d.dir, d.dispose = dir, true
		return d, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioErr("disk", "open", "", err)
	}
	d.dir, d.dispose = opts.Dir, !opts.KeepOnClose
	if err := d.loadExisting(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) Name() string { return "disk" }

func (d *Disk) Dir() string { return d.dir }

func (d *Disk) Put(_ context.Context, id string, payload []byte) (err error) {
	defer observe("disk", "put")(&err)
	if err := d.checkOpen(); err != nil {
		return err
	}

	var hdr bytes.Buffer
	hdr.WriteString(diskMagic)
	var lenBuf [binary.MaxVarintLen64]byte
	hdr.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(id)))])
	hdr.WriteString(id)

	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return ioErr("disk", "put", id, err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return ioErr("disk", "put", id, cause)
	}
	if _, err := tmp.Write(hdr.Bytes()); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(snappy.Encode(nil, payload)); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return ioErr("disk", "put", id, err)
	}
	if err := os.Rename(tmpName, d.path(id)); err != nil {
		_ = os.Remove(tmpName)
		return ioErr("disk", "put", id, err)
	}

	d.mu.Lock()
	d.seen.AddString(id)
	d.mu.Unlock()
	return nil
}

func (d *Disk) Get(_ context.Context, id string) (_ []byte, _ bool, err error) {
	defer observe("disk", "get")(&err)
	d.mu.RLock()
	closed, maybe := d.closed, d.seen.TestString(id)
	d.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}
	if !maybe {
		return nil, false, nil
	}

	raw, err := os.ReadFile(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("disk", "get", id, err)
	}
	storedID, body, err := decodeDiskFile(raw)
	if err != nil {
		return nil, false, ioErr("disk", "get", id, err)
	}
	if storedID != id {
		// file name hash collision; the file belongs to another id
		return nil, false, nil
	}
	payload, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, false, ioErr("disk", "get", id, fmt.Errorf("snappy decode: %w", err))
	}
	return payload, true, nil
}

func (d *Disk) Remove(_ context.Context, id string) (err error) {
	defer observe("disk", "remove")(&err)
	if err := d.checkOpen(); err != nil {
		return err
	}
	raw, err := os.ReadFile(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioErr("disk", "remove", id, err)
	}
	if storedID, _, derr := decodeDiskFile(raw); derr == nil && storedID != id {
		return nil
	}
	if err := os.Remove(d.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("disk", "remove", id, err)
	}
	return nil
}

func (d *Disk) Clear(_ context.Context) (err error) {
	defer observe("disk", "clear")(&err)
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.removeFiles(); err != nil {
		return err
	}
	d.mu.Lock()
	d.seen.ClearAll()
	d.mu.Unlock()
	return nil
}

// Close removes the storage directory unless KeepOnClose was requested.
func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if !d.dispose {
		return nil
	}
	if err := os.RemoveAll(d.dir); err != nil {
		return ioErr("disk", "close", "", err)
	}
	return nil
}

func (d *Disk) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *Disk) path(id string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%016x%s", keys.Hash(id), diskExt))
}

func (d *Disk) removeFiles() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ioErr("disk", "clear", "", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), diskExt) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioErr("disk", "clear", e.Name(), err)
		}
	}
	return nil
}

// loadExisting seeds the bloom filter from payload files left by a previous run.
func (d *Disk) loadExisting() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ioErr("disk", "open", "", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), diskExt) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.dir, e.Name()))
		if err != nil {
			return ioErr("disk", "open", e.Name(), err)
		}
		id, _, err := decodeDiskFile(raw)
		if err != nil {
			continue
		}
		d.seen.AddString(id)
	}
	return nil
}

func decodeDiskFile(raw []byte) (string, []byte, error) {
	if len(raw) < len(diskMagic) || string(raw[:len(diskMagic)]) != diskMagic {
		return "", nil, errors.New("bad magic")
	}
	rest := raw[len(diskMagic):]
	n, w := binary.Uvarint(rest)
	if w <= 0 || uint64(len(rest)-w) < n {
		return "", nil, errors.New("corrupt id header")
	}
	rest = rest[w:]
	return string(rest[:n]), rest[n:], nil
}
