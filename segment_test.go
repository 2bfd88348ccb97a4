package lsfs

import "testing"

// TestMarshalSegmentHeaderStopsAtBlockCapacity guards against the summary
// block overflowing past BlockSize when handed more block_info records
// than fit after segmentHeaderSize, mirroring the guard
// unmarshalSegmentHeader already has.
func TestMarshalSegmentHeaderStopsAtBlockCapacity(t *testing.T) {
	// Hand marshalSegmentHeader more infos than a summary block can hold;
	// it must truncate at maxBlockInfoPerSegment rather than writing past
	// buf's BlockSize bytes. UsedBlocks is set consistent with that
	// truncated count (as the real caller, SegmentWriter.Append, now
	// guarantees by flushing before the sidecar ever gets this full), so
	// the round trip through unmarshalSegmentHeader lines up exactly.
	infos := make([]blockInfo, maxBlockInfoPerSegment+10)
	for i := range infos {
		infos[i] = blockInfo{Inode: uint32(i + 1), Offset: uint32(i), Type: BlockData}
	}
	h := &segmentHeader{Magic: SegmentMagic, SegmentID: 0, Timestamp: 1, UsedBlocks: uint32(maxBlockInfoPerSegment + 1)}

	buf := marshalSegmentHeader(h, infos)
	if len(buf) != BlockSize {
		t.Fatalf("marshalSegmentHeader returned %d bytes, want %d", len(buf), BlockSize)
	}

	gotHeader, gotInfos, err := unmarshalSegmentHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal round trip: %s", err)
	}
	if gotHeader.SegmentID != h.SegmentID {
		t.Fatalf("SegmentID = %d, want %d", gotHeader.SegmentID, h.SegmentID)
	}
	if len(gotInfos) != maxBlockInfoPerSegment {
		t.Fatalf("round-tripped %d infos, want exactly %d", len(gotInfos), maxBlockInfoPerSegment)
	}
	for i, info := range gotInfos {
		if info.Inode != infos[i].Inode || info.Offset != infos[i].Offset || info.Type != infos[i].Type {
			t.Fatalf("info[%d] = %+v, want %+v", i, info, infos[i])
		}
	}
}

// TestAppendForcesEarlyFlushPastBlockInfoCapacity drives SegmentWriter.Append
// with more block writes than maxBlockInfoPerSegment can record in one
// summary block. Append must flush the segment on its own once the sidecar
// would overflow, rather than accumulating infos past what marshal can
// write out, so every published block stays recoverable from its segment
// header (§4.4).
func TestAppendForcesEarlyFlushPastBlockInfoCapacity(t *testing.T) {
	dev := newCleanerTestDevice(t, 4)
	tbl := NewSegmentTable(4)

	// Large thresholds so a periodic checkpoint callback never fires and
	// interferes with the segment accounting this test is checking.
	writer, err := NewSegmentWriter(dev, tbl, nil, 1<<20, 3600)
	if err != nil {
		t.Fatalf("new segment writer: %s", err)
	}

	firstSegment := writer.SegmentID()
	n := maxBlockInfoPerSegment + 5
	data := make([]byte, BlockSize)

	var addrs []uint64
	for i := 0; i < n; i++ {
		data[0] = byte(i)
		addr, err := writer.Append(data, uint32(i+1), 0, BlockData)
		if err != nil {
			t.Fatalf("append %d: %s", i, err)
		}
		addrs = append(addrs, addr)
	}

	if got := segmentOf(addrs[0]); got != firstSegment {
		t.Fatalf("first append landed in segment %d, want %d", got, firstSegment)
	}
	lastSeg := segmentOf(addrs[len(addrs)-1])
	if lastSeg == firstSegment {
		t.Fatal("writer never rolled over to a new segment despite exceeding maxBlockInfoPerSegment")
	}

	if err := writer.Flush(); err != nil {
		t.Fatalf("final flush: %s", err)
	}

	buf := make([]byte, BlockSize)
	if err := dev.ReadBlock(segmentStart(firstSegment), buf); err != nil {
		t.Fatalf("read first segment header: %s", err)
	}
	_, infos, err := unmarshalSegmentHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal first segment header: %s", err)
	}
	if len(infos) > maxBlockInfoPerSegment {
		t.Fatalf("first segment recorded %d infos, want at most %d", len(infos), maxBlockInfoPerSegment)
	}
	if len(infos) == 0 {
		t.Fatal("first segment recorded no block_info entries")
	}
}
