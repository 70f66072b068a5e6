// Package store specifies the block-store engine interface the replica
// core drives (read/write/flush/metadata-diff/checkpoint), and ships one
// concrete, in-process implementation so the rest of the repo is runnable
// and testable without a real zvol/ZFS backend. The actual on-disk format
// of a production engine is out of this repo's scope per the spec.
package store

import "context"

// Metadata accompanies every stored region: the io_num it was written
// with, used both for conflict resolution (last-writer-wins by io_num)
// and for the rebuild diff-walk (regions with io_num > checkpoint).
type Metadata struct {
	IoNum uint64
}

// Region describes one stored extent as returned by DiffSince.
type Region struct {
	Offset   uint64
	Len      uint64
	Metadata Metadata
}

// Engine is the contract the worker, rebuild scanner, and checkpoint timer
// drive. A production implementation backs this with a real zvol; MemEngine
// is the in-repo stand-in used by default and by tests.
type Engine interface {
	// ReadAt reads len(p) bytes at offset. If withMetadata is true the
	// per-region metadata covering the read is also returned.
	ReadAt(ctx context.Context, p []byte, offset uint64, withMetadata bool) ([]Metadata, error)
	// WriteAt writes data at offset tagged with the given metadata.
	// isRebuild feeds conflict resolution the same way the original
	// uzfs_write_data's rebuild flag does.
	WriteAt(ctx context.Context, data []byte, offset uint64, md Metadata, isRebuild bool) error
	// Flush persists any buffered writes (SYNC opcode).
	Flush(ctx context.Context) error
	// DiffSince enumerates every stored region in [offset, offset+ln)
	// whose metadata io_num exceeds ckptIoNum, in ascending offset order.
	DiffSince(ctx context.Context, ckptIoNum uint64, offset, ln uint64) ([]Region, error)
	// Size returns the provisioned volume size in bytes.
	Size() uint64
	// LastCommittedIoNo returns the persisted checkpoint value.
	LastCommittedIoNo(ctx context.Context) (uint64, error)
	// StoreLastCommittedIoNo durably persists n as the checkpoint value.
	StoreLastCommittedIoNo(ctx context.Context, n uint64) error
	// Close releases any resources (e.g. the backing checkpoint database).
	Close() error
}
