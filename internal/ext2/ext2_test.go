package ext2

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildImage assembles a minimal one-group ext2 image in memory: a
// superblock, a one-entry group descriptor table, and a single inode (the
// root directory) with one direct block pointer. Good enough to exercise
// ReadSuperblock/OpenVolume/ReadInode without a real disk image.
func buildImage(t *testing.T) []byte {
	t.Helper()
	const (
		blockSize      = 1024
		gdtBlock       = 2
		inodeTableBlk  = 3
		inodesPerGroup = 8
		blocksPerGroup = 64
		blocksCount    = 64
	)
	img := make([]byte, 16*blockSize)

	sb := img[superblockOffset : superblockOffset+superblockSize]
	binary.LittleEndian.PutUint32(sb[0:4], inodesPerGroup) // s_inodes_count
	binary.LittleEndian.PutUint32(sb[4:8], blocksCount)    // s_blocks_count
	binary.LittleEndian.PutUint32(sb[20:24], 1)            // s_first_data_block (1KB blocks)
	binary.LittleEndian.PutUint32(sb[24:28], 0)            // s_log_block_size
	binary.LittleEndian.PutUint32(sb[32:36], blocksPerGroup)
	binary.LittleEndian.PutUint32(sb[40:44], inodesPerGroup)
	binary.LittleEndian.PutUint16(sb[56:58], ext2Magic)
	binary.LittleEndian.PutUint32(sb[76:80], 0) // s_rev_level = 0

	gdt := img[gdtBlock*blockSize:]
	binary.LittleEndian.PutUint32(gdt[8:12], inodeTableBlk) // bg_inode_table

	// Root inode (number 2) is the second entry of the inode table.
	const rootIdx = (rootInodeNum - 1) % inodesPerGroup
	rec := img[inodeTableBlk*blockSize+rootIdx*inodeSize0:]
	binary.LittleEndian.PutUint16(rec[0:2], 0x4000|0755) // mode: S_IFDIR
	binary.LittleEndian.PutUint16(rec[2:4], 0)           // uid
	binary.LittleEndian.PutUint32(rec[4:8], 1024)        // size
	binary.LittleEndian.PutUint16(rec[26:28], 2)         // links_count
	binary.LittleEndian.PutUint32(rec[28:32], 2)         // blocks (sectors)
	binary.LittleEndian.PutUint32(rec[40:44], 10)        // i_block[0]

	payload := img[10*blockSize:]
	copy(payload, []byte("hello from block 10"))

	return img
}

func TestReadSuperblock(t *testing.T) {
	img := buildImage(t)
	sb, err := ReadSuperblock(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ReadSuperblock failed: %v", err)
	}
	if sb.BlockSize() != 1024 {
		t.Fatalf("BlockSize=%d, want 1024", sb.BlockSize())
	}
	if sb.InodeSize != inodeSize0 {
		t.Fatalf("InodeSize=%d, want %d (rev 0 implied)", sb.InodeSize, inodeSize0)
	}
	if sb.FirstIno != 11 {
		t.Fatalf("FirstIno=%d, want 11 (rev 0 implied)", sb.FirstIno)
	}
}

func TestReadSuperblockBadMagic(t *testing.T) {
	img := buildImage(t)
	binary.LittleEndian.PutUint16(img[superblockOffset+56:superblockOffset+58], 0)
	if _, err := ReadSuperblock(bytes.NewReader(img)); err == nil {
		t.Fatal("expected an error for a bad magic number")
	}
}

func TestOpenVolumeAndReadRootInode(t *testing.T) {
	img := buildImage(t)
	vol, err := OpenVolume(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenVolume failed: %v", err)
	}

	in, err := vol.RootInode()
	if err != nil {
		t.Fatalf("RootInode failed: %v", err)
	}
	if !in.IsDir() {
		t.Fatal("root inode should be a directory")
	}
	if in.Size() != 1024 {
		t.Fatalf("Size()=%d, want 1024", in.Size())
	}
	if in.DirectBlocks[0] != 10 {
		t.Fatalf("DirectBlocks[0]=%d, want 10", in.DirectBlocks[0])
	}

	blk, err := vol.ReadBlock(in.DirectBlocks[0])
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	want := "hello from block 10"
	if string(blk[:len(want)]) != want {
		t.Fatalf("ReadBlock content=%q, want prefix %q", blk[:len(want)], want)
	}
}

func TestReadInodeZeroIsInvalid(t *testing.T) {
	img := buildImage(t)
	vol, err := OpenVolume(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenVolume failed: %v", err)
	}
	if _, err := vol.ReadInode(0); err == nil {
		t.Fatal("expected an error for inode 0")
	}
}

func TestCacheHitBumpsRefcount(t *testing.T) {
	img := buildImage(t)
	vol, err := OpenVolume(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenVolume failed: %v", err)
	}
	c := NewCache(vol)

	h1, err := c.Get(rootInodeNum)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len()=%d, want 1 after first Get", c.Len())
	}

	h2, err := c.Get(rootInodeNum)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len()=%d, want 1 (second Get is a cache hit, not a new entry)", c.Len())
	}
	if h1.Inode() != h2.Inode() {
		t.Fatal("both handles should reference the same cached inode")
	}

	h1.Release()
	if c.Len() != 1 {
		t.Fatalf("Len()=%d, want 1 (h2 still holds a reference)", c.Len())
	}
	h2.Release()
	if c.Len() != 0 {
		t.Fatalf("Len()=%d, want 0 once every handle is released", c.Len())
	}
}

func TestCacheReleaseEvictsAtZeroRefs(t *testing.T) {
	img := buildImage(t)
	vol, err := OpenVolume(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("OpenVolume failed: %v", err)
	}
	c := NewCache(vol)

	h, err := c.Get(rootInodeNum)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	h.Release()
	if c.Len() != 0 {
		t.Fatalf("Len()=%d, want 0 after the only handle is released", c.Len())
	}

	// A subsequent Get must re-read from disk rather than reuse the evicted entry.
	h2, err := c.Get(rootInodeNum)
	if err != nil {
		t.Fatalf("Get after eviction failed: %v", err)
	}
	defer h2.Release()
	if !h2.Inode().IsDir() {
		t.Fatal("re-read inode should still be a directory")
	}
}
