package lsfs

import "testing"

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &Superblock{
		Magic: SuperblockMagic, Version: SuperblockVersion,
		BlockSz: BlockSize, SegmentBlocks: SegmentSize,
		TotalBlocks: 4096, TotalSegments: 3,
		InodeCount: 1, Checkpoint0: Checkpoint0Start, Checkpoint1: Checkpoint1Start,
		LogHead: LogStart, FreeSegments: 2, MountCount: 5,
	}
	enc, err := sb.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	var got Superblock
	if err := got.UnmarshalBinary(enc); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.TotalBlocks != sb.TotalBlocks || got.MountCount != sb.MountCount || got.LogHead != sb.LogHead {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, sb)
	}
}

func TestSuperblockBadMagic(t *testing.T) {
	buf := make([]byte, BlockSize)
	var sb Superblock
	if err := sb.UnmarshalBinary(buf); err == nil {
		t.Fatal("expected error for all-zero block")
	} else if KindOf(err) != KindCorrupt {
		t.Fatalf("expected KindCorrupt, got %s", KindOf(err))
	}
}

func TestDiskInodeRoundTrip(t *testing.T) {
	in := DiskInode{
		Ino: 42, Mode: 0100644, Uid: 1000, Gid: 1000,
		Size: 8192, Blocks: 2, NLink: 1, Generation: 0xdeadbeef,
	}
	in.Direct[0] = 2000
	in.Direct[1] = 2001
	enc, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	if len(enc) != InodeSize {
		t.Fatalf("encoded size = %d, want %d", len(enc), InodeSize)
	}
	var got DiskInode
	if err := got.UnmarshalBinary(enc); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.Ino != in.Ino || got.Size != in.Size || got.Direct[0] != in.Direct[0] || got.Direct[1] != in.Direct[1] {
		t.Fatalf("roundtrip mismatch: got %+v", got)
	}
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	h := &segmentHeader{Magic: SegmentMagic, SegmentID: 7, Timestamp: 123456, UsedBlocks: 3}
	infos := []blockInfo{
		{Inode: 1, Offset: 0, Type: BlockInode},
		{Inode: 1, Offset: 0, Type: BlockDirent},
	}
	buf := marshalSegmentHeader(h, infos)
	gotH, gotInfos, err := unmarshalSegmentHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if gotH.SegmentID != h.SegmentID || gotH.UsedBlocks != h.UsedBlocks {
		t.Fatalf("header mismatch: got %+v", gotH)
	}
	if len(gotInfos) < 2 || gotInfos[0].Inode != 1 || gotInfos[1].Type != BlockDirent {
		t.Fatalf("infos mismatch: got %+v", gotInfos)
	}
}

func TestCheckpointHeaderValid(t *testing.T) {
	h := &checkpointHeader{Magic: CheckpointMagic, Version: CheckpointVersion, Sequence: 9, Complete: 1}
	buf := marshalCheckpointHeader(h)
	got := unmarshalCheckpointHeader(buf)
	if !got.valid() {
		t.Fatal("expected header to be valid")
	}
	if got.Sequence != 9 {
		t.Fatalf("sequence = %d, want 9", got.Sequence)
	}

	h.Complete = 0
	buf = marshalCheckpointHeader(h)
	got = unmarshalCheckpointHeader(buf)
	if got.valid() {
		t.Fatal("expected incomplete header to be invalid")
	}
}
