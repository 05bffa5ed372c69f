package kfd

import "testing"

func TestAnonFileReadAfterWriteSharesCursor(t *testing.T) {
	tbl := NewAnonFileTable()
	f := tbl.Open("/tmp/x")
	if n, err := f.Write([]byte("hello")); err != 0 || n != 5 {
		t.Fatalf("Write() = %d, %v, want 5, 0", n, err)
	}
	buf := make([]byte, 5)
	if n, err := f.Read(buf); err != 0 || n != 0 {
		t.Fatalf("Read() right after Write() (same cursor) = %d, %v, want 0, 0", n, err)
	}
}

func TestAnonFileSamePathSharesBytes(t *testing.T) {
	tbl := NewAnonFileTable()
	w := tbl.Open("/tmp/shared")
	if _, err := w.Write([]byte("payload")); err != 0 {
		t.Fatalf("Write() err = %v", err)
	}
	r := tbl.Open("/tmp/shared")
	buf := make([]byte, 7)
	n, err := r.Read(buf)
	if err != 0 || n != 7 {
		t.Fatalf("Read() = %d, %v, want 7, 0", n, err)
	}
	if string(buf) != "payload" {
		t.Fatalf("Read() = %q, want %q", buf, "payload")
	}
}

func TestAnonFileDifferentPathsIsolated(t *testing.T) {
	tbl := NewAnonFileTable()
	a := tbl.Open("/tmp/a")
	b := tbl.Open("/tmp/b")
	a.Write([]byte("A"))
	b.Write([]byte("B"))

	buf := make([]byte, 1)
	bReader := tbl.Open("/tmp/b")
	bReader.Read(buf)
	if string(buf) != "B" {
		t.Fatalf("path isolation broken: read %q from /tmp/b, want B", buf)
	}
}

func TestAnonFileCloseDropsStoreAtZeroRefs(t *testing.T) {
	tbl := NewAnonFileTable()
	f := tbl.Open("/tmp/y")
	f.Write([]byte("x"))
	if err := f.Close(); err != 0 {
		t.Fatalf("Close() err = %v", err)
	}
	if _, ok := tbl.files["/tmp/y"]; ok {
		t.Fatalf("store for /tmp/y should be gone after its only handle closed")
	}

	fresh := tbl.Open("/tmp/y")
	buf := make([]byte, 1)
	n, _ := fresh.Read(buf)
	if n != 0 {
		t.Fatalf("reopening /tmp/y after close should start from an empty store, got %d bytes", n)
	}
}

func TestAnonFileReopenRejected(t *testing.T) {
	tbl := NewAnonFileTable()
	f := tbl.Open("/tmp/z")
	if err := f.Reopen(); err == 0 {
		t.Fatalf("Reopen() succeeded, want ENOSYS")
	}
}
