package ext2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// groupDesc is the 32-byte block group descriptor entry this sketch reads:
// just enough to locate a group's inode table.
type groupDesc struct {
	InodeTableBlock uint32
}

const groupDescSize = 32

// Volume is a read-only handle on an ext2 image: the parsed superblock plus
// its block group descriptor table, sufficient to locate and read any
// inode. Nothing here writes.
type Volume struct {
	r    io.ReaderAt
	sb   *Superblock
	descs []groupDesc
}

// OpenVolume reads the superblock and group descriptor table from r.
func OpenVolume(r io.ReaderAt) (*Volume, error) {
	sb, err := ReadSuperblock(r)
	if err != nil {
		return nil, err
	}
	v := &Volume{r: r, sb: sb}
	if err := v.readGroupDescs(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) Superblock() *Superblock { return v.sb }

// readGroupDescs loads the group descriptor table from the block after
// s_first_data_block, the block holding the superblock (block 2 when block
// size is 1024 and s_first_data_block is 1, block 1 for larger blocks where
// s_first_data_block is 0).
func (v *Volume) readGroupDescs() error {
	bs := v.sb.BlockSize()
	gdtBlock := v.sb.FirstDataBlock + 1
	n := int(v.sb.groupCount())
	if n == 0 {
		return nil
	}
	buf := make([]byte, n*groupDescSize)
	off := int64(gdtBlock) * int64(bs)
	if _, err := v.r.ReadAt(buf, off); err != nil {
		return fmt.Errorf("ext2: read group descriptors: %w", err)
	}
	v.descs = make([]groupDesc, n)
	for i := 0; i < n; i++ {
		rec := buf[i*groupDescSize : (i+1)*groupDescSize]
		v.descs[i].InodeTableBlock = binary.LittleEndian.Uint32(rec[8:12])
	}
	return nil
}

// ReadInode loads inode number ino (1-based, per ext2 convention) from
// disk. It performs no caching; see Cache for the refcounted layer built on
// top of this.
func (v *Volume) ReadInode(ino uint32) (*InodeOnDisk, error) {
	if ino == 0 {
		return nil, fmt.Errorf("ext2: inode 0 is invalid")
	}
	sb := v.sb
	group := (ino - 1) / sb.InodesPerGroup
	indexInGroup := (ino - 1) % sb.InodesPerGroup
	if int(group) >= len(v.descs) {
		return nil, fmt.Errorf("ext2: inode %d out of range", ino)
	}

	bs := v.sb.BlockSize()
	tableBlock := v.descs[group].InodeTableBlock
	byteOffset := int64(tableBlock)*int64(bs) + int64(indexInGroup)*int64(sb.InodeSize)

	buf := make([]byte, inodeSize0)
	if _, err := v.r.ReadAt(buf, byteOffset); err != nil {
		return nil, fmt.Errorf("ext2: read inode %d: %w", ino, err)
	}

	in := &InodeOnDisk{
		Mode:        binary.LittleEndian.Uint16(buf[0:2]),
		UID:         binary.LittleEndian.Uint16(buf[2:4]),
		SizeLow:     binary.LittleEndian.Uint32(buf[4:8]),
		LinksCount:  binary.LittleEndian.Uint16(buf[26:28]),
		BlocksCount: binary.LittleEndian.Uint32(buf[28:32]),
		Flags:       binary.LittleEndian.Uint32(buf[32:36]),
	}
	const blockFieldStart = 40
	for i := 0; i < directBlockPointers; i++ {
		off := blockFieldStart + i*4
		in.DirectBlocks[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	in.IndirectBlock = binary.LittleEndian.Uint32(buf[blockFieldStart+12*4 : blockFieldStart+13*4])
	in.DoubleIndirect = binary.LittleEndian.Uint32(buf[blockFieldStart+13*4 : blockFieldStart+14*4])
	in.TripleIndirect = binary.LittleEndian.Uint32(buf[blockFieldStart+14*4 : blockFieldStart+15*4])
	return in, nil
}

// RootInode reads the filesystem's root directory inode (always inode 2).
func (v *Volume) RootInode() (*InodeOnDisk, error) {
	return v.ReadInode(rootInodeNum)
}

// ReadBlock reads one full block at the given block number.
func (v *Volume) ReadBlock(block uint32) ([]byte, error) {
	bs := v.sb.BlockSize()
	buf := make([]byte, bs)
	if _, err := v.r.ReadAt(buf, int64(block)*int64(bs)); err != nil {
		return nil, fmt.Errorf("ext2: read block %d: %w", block, err)
	}
	return buf, nil
}
