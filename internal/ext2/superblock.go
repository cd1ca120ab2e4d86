// Package ext2 sketches the on-disk layout of an ext2 revision-0 filesystem
// behind a reference-counted inode cache, the same open-handle refcount
// discipline the TCP transport's TCB table uses. Block allocation,
// directory mutation, and journaling are out of scope; this package only
// parses a superblock and inodes and hands out refcounted handles to them.
package ext2

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// ext2Magic is s_magic for every ext2/ext3/ext4 revision.
	ext2Magic = 0xEF53

	superblockOffset = 1024
	superblockSize   = 1024

	inodeSize0 = 128 // fixed inode size on revision 0

	rootInodeNum = 2

	directBlockPointers = 12
)

// Superblock is the subset of the 1024-byte ext2 superblock this sketch
// reads: enough to compute block size, inode size, and the inode table
// layout. Field names follow the on-disk e2fsprogs naming (s_* dropped,
// since Go convention favors exported CamelCase over a transliterated
// prefix).
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	Rev              uint32
	InodeSize        uint16
	FirstIno         uint32 // revision >= 1 only; rev 0 implies 11
}

// BlockSize returns the filesystem's block size in bytes: 1024 << log_block_size.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// ReadSuperblock parses the superblock at its fixed 1024-byte offset from a
// block device image. It does not validate anything beyond the magic
// number; a corrupt image past that point surfaces as read errors later.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	buf := make([]byte, superblockSize)
	if _, err := r.ReadAt(buf, superblockOffset); err != nil {
		return nil, fmt.Errorf("ext2: read superblock: %w", err)
	}

	sb := &Superblock{
		InodesCount:    binary.LittleEndian.Uint32(buf[0:4]),
		BlocksCount:    binary.LittleEndian.Uint32(buf[4:8]),
		FirstDataBlock: binary.LittleEndian.Uint32(buf[20:24]),
		LogBlockSize:   binary.LittleEndian.Uint32(buf[24:28]),
		BlocksPerGroup: binary.LittleEndian.Uint32(buf[32:36]),
		InodesPerGroup: binary.LittleEndian.Uint32(buf[40:44]),
		Magic:          binary.LittleEndian.Uint16(buf[56:58]),
		Rev:            binary.LittleEndian.Uint32(buf[76:80]),
	}
	if sb.Magic != ext2Magic {
		return nil, fmt.Errorf("ext2: bad magic %#04x", sb.Magic)
	}
	if sb.Rev == 0 {
		sb.InodeSize = inodeSize0
		sb.FirstIno = 11
	} else {
		sb.InodeSize = binary.LittleEndian.Uint16(buf[88:90])
		sb.FirstIno = binary.LittleEndian.Uint32(buf[84:88])
	}
	return sb, nil
}

// groupCount is the number of block groups implied by BlocksCount and
// BlocksPerGroup, rounding up.
func (sb *Superblock) groupCount() uint32 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	return (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// InodeOnDisk mirrors the fixed 128-byte ext2 inode layout (rev 0): the
// fields needed to stat a file and walk its direct block pointers.
// ACL/xattr fields are omitted.
type InodeOnDisk struct {
	Mode             uint16
	UID              uint16
	SizeLow          uint32
	LinksCount       uint16
	BlocksCount      uint32 // 512-byte sectors, per ext2 convention
	Flags            uint32
	DirectBlocks     [directBlockPointers]uint32
	IndirectBlock    uint32
	DoubleIndirect   uint32
	TripleIndirect   uint32
}

// Size returns the inode's byte size (32-bit; large-file high bits are
// out of scope).
func (in *InodeOnDisk) Size() uint64 { return uint64(in.SizeLow) }

// IsDir reports whether the inode's mode bits mark it a directory
// (S_IFDIR = 0x4000).
func (in *InodeOnDisk) IsDir() bool { return in.Mode&0xF000 == 0x4000 }
