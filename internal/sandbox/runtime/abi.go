package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/monitor"
)

// simResolvedAddr is what net.resolve hands back for any name.
const simResolvedAddr = "10.66.0.2"

type abortInfo struct {
	exitCode int
	errMsg   string
}

// host backs the guest-facing ABI of one execution. Fatal violations and
// guest-requested exits cancel the interpreter context so the run stops
// even when guest code catches the raised error with pcall.
type host struct {
	req    Request
	cancel context.CancelFunc

	mu      sync.Mutex
	out     bytes.Buffer
	abort   *abortInfo
	exit    *abortInfo
	sockSeq int
	pidSeq  int
}

func (h *host) install(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(h.luaPrint))
	L.SetGlobal("output", L.NewFunction(h.luaOutput))

	L.SetGlobal("mem", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"alloc": h.memAlloc,
		"free":  h.memFree,
		"write": h.memWrite,
		"read":  h.memRead,
		"set":   h.memSet,
		"get":   h.memGet,
		"del":   h.memDel,
	}))
	L.SetGlobal("fs", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"open":   h.fsOpen,
		"read":   h.fsRead,
		"write":  h.fsWrite,
		"close":  h.fsClose,
		"stat":   h.fsStat,
		"remove": h.fsRemove,
		"list":   h.fsList,
	}))
	L.SetGlobal("net", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"connect": h.netConnect,
		"listen":  h.netListen,
		"send":    h.netSend,
		"resolve": h.netResolve,
	}))
	L.SetGlobal("proc", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"fork":  h.procFork,
		"exec":  h.procExec,
		"spawn": h.procSpawn,
		"kill":  h.procKill,
	}))
	L.SetGlobal("sys", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"exit": h.sysExit,
		"call": h.sysCall,
		"time": h.sysTime,
	}))
}

// ensureAlive re-raises inside host functions once the run is over, so a
// guest that caught the original abort cannot keep using the ABI.
func (h *host) ensureAlive(L *lua.LState) {
	h.mu.Lock()
	dead := h.abort != nil || h.exit != nil
	h.mu.Unlock()
	if dead {
		L.RaiseError("execution aborted")
	}
}

// kill records the abort outcome, cancels the interpreter and unwinds.
func (h *host) kill(L *lua.LState, code int, msg string) {
	h.mu.Lock()
	if h.abort == nil {
		h.abort = &abortInfo{exitCode: code, errMsg: msg}
	}
	h.mu.Unlock()
	h.cancel()
	L.RaiseError("%s", msg)
}

// abortResource reports a hit resource ceiling and kills the run.
func (h *host) abortResource(L *lua.LState, le *monitor.LimitError) {
	sev := event.SeverityMedium
	if le.Resource == "memory" {
		sev = event.SeverityHigh
		if le.Runaway {
			sev = event.SeverityCritical
		}
	}
	h.req.Recorder.Record(event.TypeResourceLimit, sev, le.Error())
	h.kill(L, exitResource, le.Error())
}

// checkSyscall asks the interceptor about one attempt, recording any
// refusal. Fatal refusals do not return.
func (h *host) checkSyscall(L *lua.LState, name, detail string) bool {
	dec := h.req.Interceptor.Check(name)
	if dec.Allowed {
		return true
	}
	details := fmt.Sprintf("blocked %s syscall %q", dec.Class, name)
	if detail != "" {
		details += ": " + detail
	}
	h.req.Recorder.RecordBlocked(string(dec.Class), dec.Severity, details)
	if dec.Fatal {
		h.kill(L, exitBlocked, details)
	}
	return false
}

func (h *host) writeOutput(L *lua.LState, data []byte) {
	if err := h.req.Monitor.AddOutput(int64(len(data))); err != nil {
		if le, ok := monitor.AsLimit(err); ok {
			h.abortResource(L, le)
		}
		L.RaiseError("%s", err.Error())
	}
	h.mu.Lock()
	h.out.Write(data)
	h.mu.Unlock()
}

func (h *host) luaPrint(L *lua.LState) int {
	h.ensureAlive(L)
	top := L.GetTop()
	var b bytes.Buffer
	for i := 1; i <= top; i++ {
		if i > 1 {
			b.WriteByte('\t')
		}
		b.WriteString(L.ToStringMeta(L.Get(i)).String())
	}
	b.WriteByte('\n')
	h.writeOutput(L, b.Bytes())
	return 0
}

func (h *host) luaOutput(L *lua.LState) int {
	h.ensureAlive(L)
	h.writeOutput(L, []byte(L.CheckString(1)))
	return 0
}

func (h *host) memAlloc(L *lua.LState) int {
	h.ensureAlive(L)
	n := L.CheckInt64(1)
	if n <= 0 {
		L.ArgError(1, "size must be positive")
	}
	handle, err := h.req.Image.Alloc(n)
	if err != nil {
		if le, ok := monitor.AsLimit(err); ok {
			h.abortResource(L, le)
		}
		L.RaiseError("%s", err.Error())
	}
	L.Push(lua.LNumber(handle))
	return 1
}

func (h *host) memFree(L *lua.LState) int {
	h.ensureAlive(L)
	if err := h.req.Image.Free(L.CheckInt64(1)); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (h *host) memWrite(L *lua.LState) int {
	h.ensureAlive(L)
	handle := L.CheckInt64(1)
	offset := L.CheckInt64(2)
	data := L.CheckString(3)
	if err := h.req.Image.Write(handle, offset, []byte(data)); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (h *host) memRead(L *lua.LState) int {
	h.ensureAlive(L)
	data, err := h.req.Image.Read(L.CheckInt64(1), L.CheckInt64(2), L.CheckInt64(3))
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(lua.LString(data))
	return 1
}

func (h *host) memSet(L *lua.LState) int {
	h.ensureAlive(L)
	key := L.CheckString(1)
	lv := L.CheckAny(2)
	switch lv.(type) {
	case lua.LString, lua.LNumber, lua.LBool:
	default:
		L.ArgError(2, "value must be a string, number or boolean")
	}
	if err := h.req.Image.SetCell(key, []byte(lv.String())); err != nil {
		if le, ok := monitor.AsLimit(err); ok {
			h.abortResource(L, le)
		}
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (h *host) memGet(L *lua.LState) int {
	h.ensureAlive(L)
	v, ok := h.req.Image.Cell(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (h *host) memDel(L *lua.LState) int {
	h.ensureAlive(L)
	h.req.Image.DeleteCell(L.CheckString(1))
	return 0
}

func (h *host) fsOpen(L *lua.LState) int {
	h.ensureAlive(L)
	path := L.CheckString(1)
	mode := L.OptString(2, "r")
	if !h.checkSyscall(L, "open", "path "+path) {
		return 0
	}
	fd, err := h.req.FS.Open(path, mode)
	if err != nil {
		if le, ok := monitor.AsLimit(err); ok {
			h.req.Recorder.Record(event.TypeResourceLimit, event.SeverityMedium, le.Error())
		}
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(fd))
	return 1
}

func (h *host) fsRead(L *lua.LState) int {
	h.ensureAlive(L)
	fd := L.CheckInt(1)
	n := L.OptInt(2, 4096)
	if !h.checkSyscall(L, "read", fmt.Sprintf("fd %d", fd)) {
		return 0
	}
	data, err := h.req.FS.Read(fd, n)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (h *host) fsWrite(L *lua.LState) int {
	h.ensureAlive(L)
	fd := L.CheckInt(1)
	data := L.CheckString(2)
	if !h.checkSyscall(L, "write", fmt.Sprintf("fd %d", fd)) {
		return 0
	}
	n, err := h.req.FS.Write(fd, []byte(data))
	if err != nil {
		if le, ok := monitor.AsLimit(err); ok {
			h.abortResource(L, le)
		}
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (h *host) fsClose(L *lua.LState) int {
	h.ensureAlive(L)
	fd := L.CheckInt(1)
	if !h.checkSyscall(L, "close", fmt.Sprintf("fd %d", fd)) {
		return 0
	}
	if err := h.req.FS.Close(fd); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *host) fsStat(L *lua.LState) int {
	h.ensureAlive(L)
	path := L.CheckString(1)
	if !h.checkSyscall(L, "stat", "path "+path) {
		return 0
	}
	size, ok := h.req.FS.Stat(path)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(size))
	return 1
}

func (h *host) fsRemove(L *lua.LState) int {
	h.ensureAlive(L)
	path := L.CheckString(1)
	if !h.checkSyscall(L, "unlink", "path "+path) {
		return 0
	}
	if err := h.req.FS.Remove(path); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *host) fsList(L *lua.LState) int {
	h.ensureAlive(L)
	if !h.checkSyscall(L, "readdir", "") {
		return 0
	}
	tbl := L.NewTable()
	for _, path := range h.req.FS.List() {
		tbl.Append(lua.LString(path))
	}
	L.Push(tbl)
	return 1
}

func (h *host) netConnect(L *lua.LState) int {
	h.ensureAlive(L)
	hostname := L.CheckString(1)
	port := L.OptInt(2, 80)
	if !h.checkSyscall(L, "connect", fmt.Sprintf("endpoint %s:%d", hostname, port)) {
		return 0
	}
	// Simulated: no packet leaves the host.
	h.mu.Lock()
	h.sockSeq++
	id := h.sockSeq
	h.mu.Unlock()
	L.Push(lua.LNumber(id))
	return 1
}

func (h *host) netListen(L *lua.LState) int {
	h.ensureAlive(L)
	port := L.CheckInt(1)
	if !h.checkSyscall(L, "listen", fmt.Sprintf("port %d", port)) {
		return 0
	}
	h.mu.Lock()
	h.sockSeq++
	id := h.sockSeq
	h.mu.Unlock()
	L.Push(lua.LNumber(id))
	return 1
}

func (h *host) netSend(L *lua.LState) int {
	h.ensureAlive(L)
	L.CheckInt(1)
	data := L.CheckString(2)
	if !h.checkSyscall(L, "send", fmt.Sprintf("%d bytes", len(data))) {
		return 0
	}
	L.Push(lua.LNumber(len(data)))
	return 1
}

func (h *host) netResolve(L *lua.LState) int {
	h.ensureAlive(L)
	name := L.CheckString(1)
	if !h.checkSyscall(L, "resolve", "name "+name) {
		return 0
	}
	L.Push(lua.LString(simResolvedAddr))
	return 1
}

func (h *host) procFork(L *lua.LState) int {
	h.ensureAlive(L)
	if !h.checkSyscall(L, "fork", "") {
		return 0
	}
	L.Push(lua.LNumber(h.nextPID()))
	return 1
}

func (h *host) procExec(L *lua.LState) int {
	h.ensureAlive(L)
	cmd := L.CheckString(1)
	if !h.checkSyscall(L, "exec", "command "+cmd) {
		return 0
	}
	// Simulated: reports success without running anything.
	L.Push(lua.LNumber(0))
	return 1
}

func (h *host) procSpawn(L *lua.LState) int {
	h.ensureAlive(L)
	cmd := L.CheckString(1)
	if !h.checkSyscall(L, "spawn", "command "+cmd) {
		return 0
	}
	L.Push(lua.LNumber(h.nextPID()))
	return 1
}

func (h *host) procKill(L *lua.LState) int {
	h.ensureAlive(L)
	pid := L.CheckInt(1)
	if !h.checkSyscall(L, "kill", fmt.Sprintf("pid %d", pid)) {
		return 0
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *host) sysExit(L *lua.LState) int {
	h.ensureAlive(L)
	code := L.OptInt(1, 0)
	if !h.checkSyscall(L, "exit", fmt.Sprintf("code %d", code)) {
		// Suppressed: the guest continues as if exit never happened.
		return 0
	}
	h.mu.Lock()
	if h.exit == nil {
		h.exit = &abortInfo{exitCode: code}
	}
	h.mu.Unlock()
	h.cancel()
	L.RaiseError("exit")
	return 0
}

// sysCall is the generic gateway: it checks the named syscall against the
// policy and reports the verdict without simulating any effect.
func (h *host) sysCall(L *lua.LState) int {
	h.ensureAlive(L)
	name := L.CheckString(1)
	allowed := h.checkSyscall(L, name, "")
	L.Push(lua.LBool(allowed))
	return 1
}

// sysTime reads the sandbox clock. Not a syscall and never gated.
func (h *host) sysTime(L *lua.LState) int {
	h.ensureAlive(L)
	L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
	return 1
}

func (h *host) nextPID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pidSeq++
	return h.pidSeq
}
