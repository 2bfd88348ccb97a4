package lsfs

import "testing"

func TestMountFlagsStringAndHas(t *testing.T) {
	f := FlagReadOnly | FlagDirty
	if !f.Has(FlagReadOnly) || !f.Has(FlagDirty) {
		t.Fatalf("Has() missed a set flag in %v", f)
	}
	if f.Has(FlagCleanerRunning) {
		t.Fatalf("Has() reported an unset flag in %v", f)
	}
	s := f.String()
	if s != "READ_ONLY|DIRTY" {
		t.Fatalf("String() = %q, want %q", s, "READ_ONLY|DIRTY")
	}
}

func TestFSFlagsReflectMountMode(t *testing.T) {
	path := formatImageInternal(t, 32)
	fsys, err := Mount(path, ReadOnly())
	if err != nil {
		t.Fatalf("mount: %s", err)
	}
	defer fsys.Close()

	if !fsys.Flags().Has(FlagReadOnly) {
		t.Fatalf("Flags() = %v, want FlagReadOnly set", fsys.Flags())
	}
	if fsys.Flags().Has(FlagCleanerRunning) {
		t.Fatalf("Flags() = %v, a read-only mount should not report the cleaner running", fsys.Flags())
	}
}

func formatImageInternal(t *testing.T, megabytes int) string {
	t.Helper()
	path := t.TempDir() + "/image.lsfs"
	totalBlocks := uint64(megabytes) * 1024 * 1024 / BlockSize
	if err := Format(path, totalBlocks); err != nil {
		t.Fatalf("format: %s", err)
	}
	return path
}
