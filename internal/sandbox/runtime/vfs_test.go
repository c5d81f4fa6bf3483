package runtime

import (
	"strings"
	"testing"

	"blastpit/internal/sandbox/monitor"
)

func newTestVFS(handles int) (*VFS, *monitor.Monitor) {
	mon := monitor.New(monitor.Limits{MaxMemoryBytes: 1 << 20, MaxFileHandles: handles})
	return NewVFS(mon), mon
}

func TestVFSSeedsDecoys(t *testing.T) {
	v, _ := newTestVFS(8)
	for path := range decoyFiles {
		if _, ok := v.Stat(path); !ok {
			t.Errorf("decoy %s missing", path)
		}
	}
}

func TestVFSWriteReadRemove(t *testing.T) {
	v, mon := newTestVFS(8)
	fd, err := v.Open("/tmp/a", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Write(fd, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(fd); err != nil {
		t.Fatal(err)
	}
	if u := mon.Usage(); u.MemoryUsed != 5 {
		t.Errorf("accounted = %d, want 5", u.MemoryUsed)
	}

	rd, err := v.Open("/tmp/a", "r")
	if err != nil {
		t.Fatal(err)
	}
	data, err := v.Read(rd, 64)
	if err != nil || string(data) != "hello" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	// Second read is at EOF.
	data, err = v.Read(rd, 64)
	if err != nil || len(data) != 0 {
		t.Fatalf("EOF read = %q, %v", data, err)
	}
	_ = v.Close(rd)

	if err := v.Remove("/tmp/a"); err != nil {
		t.Fatal(err)
	}
	if u := mon.Usage(); u.MemoryUsed != 0 {
		t.Errorf("accounted after remove = %d, want 0", u.MemoryUsed)
	}
	if _, ok := v.Stat("/tmp/a"); ok {
		t.Error("removed file still visible")
	}
}

func TestVFSTruncateReleasesBytes(t *testing.T) {
	v, mon := newTestVFS(8)
	fd, _ := v.Open("/tmp/grow", "w")
	_, _ = v.Write(fd, []byte("0123456789"))
	_ = v.Close(fd)

	fd, _ = v.Open("/tmp/grow", "w")
	_ = v.Close(fd)
	if u := mon.Usage(); u.MemoryUsed != 0 {
		t.Errorf("truncate kept %d bytes accounted", u.MemoryUsed)
	}
	if size, _ := v.Stat("/tmp/grow"); size != 0 {
		t.Errorf("size after truncate = %d", size)
	}
}

func TestVFSReadOnlyHandleRejectsWrite(t *testing.T) {
	v, _ := newTestVFS(8)
	fd, err := v.Open("/etc/passwd", "r")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Write(fd, []byte("x")); err == nil {
		t.Error("write through read-only handle must fail")
	}
}

func TestVFSHandleAccounting(t *testing.T) {
	v, mon := newTestVFS(2)
	if _, err := v.Open("/etc/passwd", "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Open("/etc/hostname", "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Open("/etc/resolv.conf", "r"); err == nil {
		t.Fatal("third open must hit the handle limit")
	}
	if v.OpenCount() != 2 {
		t.Errorf("OpenCount = %d, want 2", v.OpenCount())
	}
	v.CloseAll()
	if v.OpenCount() != 0 || mon.Usage().FileHandles != 0 {
		t.Error("CloseAll must release every handle")
	}
}

func TestVFSListSorted(t *testing.T) {
	v, _ := newTestVFS(8)
	fd, _ := v.Open("/zzz", "w")
	_ = v.Close(fd)
	paths := v.List()
	if len(paths) != len(decoyFiles)+1 {
		t.Fatalf("List len = %d", len(paths))
	}
	for i := 1; i < len(paths); i++ {
		if strings.Compare(paths[i-1], paths[i]) >= 0 {
			t.Fatalf("List not sorted: %v", paths)
		}
	}
}

func TestVFSBadDescriptor(t *testing.T) {
	v, _ := newTestVFS(8)
	if _, err := v.Read(99, 10); err == nil {
		t.Error("read on bad fd must fail")
	}
	if err := v.Close(99); err == nil {
		t.Error("close on bad fd must fail")
	}
	if _, err := v.Open("/nope", "r"); err == nil {
		t.Error("open missing file for read must fail")
	}
	if _, err := v.Open("/tmp/x", "q"); err == nil {
		t.Error("invalid mode must fail")
	}
}
