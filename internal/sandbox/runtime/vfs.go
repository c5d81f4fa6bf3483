package runtime

import (
	"fmt"
	"sort"
	"sync"

	"blastpit/internal/sandbox/monitor"
)

// Decoy files every instance starts with. A sample probing common system
// paths sees plausible content instead of an empty world.
var decoyFiles = map[string]string{
	"/etc/passwd":      "root:x:0:0:root:/root:/bin/bash\ndaemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\nuser:x:1000:1000::/home/user:/bin/bash\n",
	"/etc/hosts":       "127.0.0.1 localhost\n10.66.0.1 gateway\n",
	"/etc/hostname":    "workstation-07\n",
	"/etc/resolv.conf": "nameserver 10.66.0.1\n",
}

type vfile struct {
	data      []byte
	accounted int64
}

type vhandle struct {
	path     string
	pos      int
	writable bool
}

// VFS is the simulated filesystem one instance exposes to its guest.
// Nothing here touches the host filesystem; file content lives in host
// memory and growth is reserved through the instance monitor. The tree
// persists across executions and is not part of snapshots.
type VFS struct {
	mu      sync.Mutex
	mon     *monitor.Monitor
	files   map[string]*vfile
	handles map[int]*vhandle
	nextFD  int
}

func NewVFS(mon *monitor.Monitor) *VFS {
	v := &VFS{
		mon:     mon,
		files:   make(map[string]*vfile),
		handles: make(map[int]*vhandle),
		nextFD:  2,
	}
	for path, content := range decoyFiles {
		v.files[path] = &vfile{data: []byte(content)}
	}
	return v
}

// Open returns a descriptor for path. Modes follow stdio: "r" reads an
// existing file, "w" truncates or creates, "a" appends or creates.
func (v *VFS) Open(path, mode string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch mode {
	case "r":
		if _, ok := v.files[path]; !ok {
			return 0, fmt.Errorf("no such file: %s", path)
		}
	case "w", "a":
	default:
		return 0, fmt.Errorf("invalid open mode %q", mode)
	}
	if err := v.mon.AcquireHandle(); err != nil {
		return 0, err
	}
	switch mode {
	case "w":
		if f, ok := v.files[path]; ok {
			f.data = nil
			if f.accounted > 0 {
				v.mon.Release(f.accounted)
				f.accounted = 0
			}
		} else {
			v.files[path] = &vfile{}
		}
	case "a":
		if _, ok := v.files[path]; !ok {
			v.files[path] = &vfile{}
		}
	}
	v.nextFD++
	v.handles[v.nextFD] = &vhandle{path: path, writable: mode != "r"}
	return v.nextFD, nil
}

// Read returns up to n bytes from the descriptor's position.
func (v *VFS) Read(fd int, n int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[fd]
	if !ok {
		return nil, fmt.Errorf("bad file descriptor %d", fd)
	}
	f, ok := v.files[h.path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", h.path)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative read size %d", n)
	}
	if h.pos >= len(f.data) {
		return nil, nil
	}
	end := h.pos + n
	if end > len(f.data) {
		end = len(f.data)
	}
	out := make([]byte, end-h.pos)
	copy(out, f.data[h.pos:end])
	h.pos = end
	return out, nil
}

// Write appends data to the descriptor's file, reserving the growth.
func (v *VFS) Write(fd int, data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[fd]
	if !ok {
		return 0, fmt.Errorf("bad file descriptor %d", fd)
	}
	if !h.writable {
		return 0, fmt.Errorf("file %s not open for writing", h.path)
	}
	f, ok := v.files[h.path]
	if !ok {
		return 0, fmt.Errorf("no such file: %s", h.path)
	}
	if err := v.mon.Allocate(int64(len(data))); err != nil {
		return 0, err
	}
	f.data = append(f.data, data...)
	f.accounted += int64(len(data))
	return len(data), nil
}

// Close releases the descriptor.
func (v *VFS) Close(fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.handles[fd]; !ok {
		return fmt.Errorf("bad file descriptor %d", fd)
	}
	delete(v.handles, fd)
	v.mon.ReleaseHandle()
	return nil
}

// Stat reports whether path exists and its size.
func (v *VFS) Stat(path string) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[path]
	if !ok {
		return 0, false
	}
	return int64(len(f.data)), true
}

// Remove deletes path and returns its reserved bytes.
func (v *VFS) Remove(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[path]
	if !ok {
		return fmt.Errorf("no such file: %s", path)
	}
	delete(v.files, path)
	if f.accounted > 0 {
		v.mon.Release(f.accounted)
	}
	return nil
}

// List returns all paths in sorted order.
func (v *VFS) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.files))
	for path := range v.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// OpenCount reports the number of live descriptors.
func (v *VFS) OpenCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.handles)
}

// CloseAll drops every live descriptor, returning their handle slots.
// Called at the end of each execution.
func (v *VFS) CloseAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for fd := range v.handles {
		delete(v.handles, fd)
		v.mon.ReleaseHandle()
	}
}
