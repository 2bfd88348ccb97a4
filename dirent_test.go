package lsfs

import "testing"

func TestDirInitAndLookup(t *testing.T) {
	blk := dirInit(10, 1)
	blocks := []*DirBlock{blk}

	ino, typ, err := dirLookup(blocks, ".")
	if err != nil || ino != 10 || typ != BlockDirent {
		t.Fatalf(". lookup = (%d, %s, %v), want (10, dirent, nil)", ino, typ, err)
	}
	ino, _, err = dirLookup(blocks, "..")
	if err != nil || ino != 1 {
		t.Fatalf(".. lookup = (%d, %v), want (1, nil)", ino, err)
	}
	if !dirIsEmpty(blocks) {
		t.Fatal("freshly initialized directory should be empty")
	}
}

func TestDirAddLookupRemove(t *testing.T) {
	blocks := []*DirBlock{dirInit(10, 1)}

	blocks, _, err := dirAdd(blocks, "foo.txt", 11, BlockData)
	if err != nil {
		t.Fatalf("add foo.txt: %s", err)
	}
	if dirIsEmpty(blocks) {
		t.Fatal("directory with foo.txt should not be empty")
	}

	ino, typ, err := dirLookup(blocks, "foo.txt")
	if err != nil || ino != 11 || typ != BlockData {
		t.Fatalf("lookup foo.txt = (%d, %s, %v)", ino, typ, err)
	}

	if _, _, err := dirAdd(blocks, "foo.txt", 12, BlockData); KindOf(err) != KindExist {
		t.Fatalf("expected KindExist re-adding foo.txt, got %v", err)
	}

	if err := dirRemove(blocks, "foo.txt"); err != nil {
		t.Fatalf("remove foo.txt: %s", err)
	}
	if _, _, err := dirLookup(blocks, "foo.txt"); KindOf(err) != KindNotExist {
		t.Fatalf("expected KindNotExist after remove, got %v", err)
	}
	if !dirIsEmpty(blocks) {
		t.Fatal("directory should be empty again after removing foo.txt")
	}

	if err := dirRemove(blocks, "nope"); KindOf(err) != KindNotExist {
		t.Fatalf("removing missing name: got %v", err)
	}
}

func TestDirAddManyFillsBlock(t *testing.T) {
	blocks := []*DirBlock{dirInit(10, 1)}
	names := []string{}
	for i := 0; i < 400; i++ {
		name := fmtName(i)
		names = append(names, name)
		var err error
		blocks, _, err = dirAdd(blocks, name, uint32(100+i), BlockData)
		if err != nil {
			t.Fatalf("add %s: %s", name, err)
		}
	}
	if len(blocks) < 2 {
		t.Fatalf("expected directory to span multiple blocks, got %d", len(blocks))
	}
	for i, name := range names {
		ino, _, err := dirLookup(blocks, name)
		if err != nil || ino != uint32(100+i) {
			t.Fatalf("lookup %s = (%d, %v), want %d", name, ino, err, 100+i)
		}
	}
}

func TestDirCursorIteration(t *testing.T) {
	blocks := []*DirBlock{dirInit(10, 1)}
	blocks, _, _ = dirAdd(blocks, "a", 20, BlockData)
	blocks, _, _ = dirAdd(blocks, "b", 21, BlockData)

	seen := map[string]uint32{}
	var resume uint64
	cur := NewDirCursor(blocks, resume)
	for {
		e, next, ok := cur.Next()
		if !ok {
			break
		}
		seen[e.Name] = e.Ino
		resume = next
	}
	if seen["."] != 10 || seen[".."] != 1 || seen["a"] != 20 || seen["b"] != 21 {
		t.Fatalf("cursor saw %+v", seen)
	}
}

func fmtName(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := []byte{'f', 'i', 'l', 'e', '-'}
	if i == 0 {
		return string(append(b, '0'))
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{letters[i%36]}, digits...)
		i /= 36
	}
	return string(append(b, digits...))
}
