package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"
	lz4 "github.com/pierrec/lz4/v3"
	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// compressThreshold is the chunk size above which MemEngine stores the
// payload lz4-compressed rather than verbatim. This is purely a storage
// detail of the stand-in engine; it has no bearing on wire framing.
const compressThreshold = 256

type chunk struct {
	offset     uint64
	data       []byte // raw, or lz4-compressed when compressed is true
	rawLen     int
	compressed bool
	checksum   uint64
	md         Metadata
}

// MemEngine is an in-memory, sparse, chunked block-store stand-in. It
// persists the checkpointed io_no through an embedded buntdb database so
// that LastCommittedIoNo survives process restarts the same way the real
// uzfs_zvol_get/store_last_committed_io_no primitives do.
type MemEngine struct {
	mu     sync.Mutex
	size   uint64
	chunks map[uint64]*chunk // keyed by offset

	ckptDB  *buntdb.DB
	ckptKey string
}

// NewMemEngine creates a stand-in engine of the given provisioned size.
// ckptPath is a buntdb file path, or ":memory:" for a non-persistent
// checkpoint store (handy in tests).
func NewMemEngine(name string, size uint64, ckptPath string) (*MemEngine, error) {
	db, err := buntdb.Open(ckptPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: open checkpoint db")
	}
	return &MemEngine{
		size:    size,
		chunks:  make(map[uint64]*chunk),
		ckptDB:  db,
		ckptKey: "checkpoint:" + name,
	}, nil
}

func (m *MemEngine) Size() uint64 { return m.size }

func (m *MemEngine) Close() error {
	return m.ckptDB.Close()
}

func (m *MemEngine) WriteAt(_ context.Context, data []byte, offset uint64, md Metadata, isRebuild bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset+uint64(len(data)) > m.size {
		return fmt.Errorf("store: write [%d,%d) exceeds volume size %d", offset, offset+uint64(len(data)), m.size)
	}

	existing, ok := m.chunks[offset]
	// Conflict resolution: last-writer-wins by io_num. A rebuild write
	// whose io_num is not newer than what's already present is a no-op,
	// mirroring the zrepl rebuild-flag conflict resolution contract.
	if ok && isRebuild && md.IoNum <= existing.md.IoNum {
		return nil
	}

	raw := append([]byte(nil), data...)
	c := &chunk{offset: offset, rawLen: len(raw), md: md, checksum: xxhash.Checksum64(raw)}
	if len(raw) > compressThreshold {
		bound := lz4.CompressBlockBound(len(raw))
		dst := make([]byte, bound)
		var ht [1 << 16]int
		n, err := lz4.CompressBlock(raw, dst, ht[:])
		if err == nil && n > 0 && n < len(raw) {
			c.data = dst[:n]
			c.compressed = true
		} else {
			c.data = raw
		}
	} else {
		c.data = raw
	}
	m.chunks[offset] = c
	return nil
}

func (m *MemEngine) ReadAt(_ context.Context, p []byte, offset uint64, withMetadata bool) ([]Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[offset]
	if !ok || c.rawLen < len(p) {
		// Only a chunk that starts exactly at offset and is at least
		// len(p) bytes long is returned. Anything else (unwritten space,
		// a shorter chunk, an offset inside a chunk) is zero-filled.
		for i := range p {
			p[i] = 0
		}
		if withMetadata {
			return []Metadata{{}}, nil
		}
		return nil, nil
	}

	raw := c.data
	if c.compressed {
		raw = make([]byte, c.rawLen)
		if _, err := lz4.UncompressBlock(c.data, raw); err != nil {
			return nil, pkgerrors.Wrap(err, "store: decompress chunk")
		}
	}
	if xxhash.Checksum64(raw) != c.checksum {
		return nil, fmt.Errorf("store: checksum mismatch at offset %d", offset)
	}
	copy(p, raw)

	if withMetadata {
		return []Metadata{c.md}, nil
	}
	return nil, nil
}

func (m *MemEngine) Flush(_ context.Context) error {
	// MemEngine writes are synchronous; flush is a no-op placeholder for
	// the SYNC opcode's contract.
	return nil
}

func (m *MemEngine) DiffSince(_ context.Context, ckptIoNum uint64, offset, ln uint64) ([]Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := offset + ln
	var regions []Region
	for off, c := range m.chunks {
		if off < offset || off >= end {
			continue
		}
		if c.md.IoNum <= ckptIoNum {
			continue
		}
		regions = append(regions, Region{Offset: off, Len: uint64(c.rawLen), Metadata: c.md})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Offset < regions[j].Offset })
	return regions, nil
}

func (m *MemEngine) LastCommittedIoNo(_ context.Context) (uint64, error) {
	var n uint64
	err := m.ckptDB.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(m.ckptKey)
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		parsed, perr := strconv.ParseUint(val, 10, 64)
		if perr != nil {
			return perr
		}
		n = parsed
		return nil
	})
	if err != nil {
		return 0, pkgerrors.Wrap(err, "store: read checkpoint")
	}
	return n, nil
}

func (m *MemEngine) StoreLastCommittedIoNo(_ context.Context, n uint64) error {
	err := m.ckptDB.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(m.ckptKey, strconv.FormatUint(n, 10), nil)
		return err
	})
	if err != nil {
		return pkgerrors.Wrap(err, "store: persist checkpoint")
	}
	return nil
}

var _ Engine = (*MemEngine)(nil)
