package runtime

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"blastpit/internal/sandbox/event"
	appErr "blastpit/pkg/errors"
)

// Exit codes for aborted executions, following shell conventions.
const (
	exitFailure    = 1
	exitTimeout    = 124
	exitBlocked    = 126
	exitResource   = 137
	exitTerminated = 143
)

// LuaRuntime runs guest code on gopher-lua. Each Run builds a fresh
// interpreter; only the memory image, the virtual filesystem and the
// event log persist on the instance between runs.
type LuaRuntime struct{}

func NewLua() *LuaRuntime {
	return &LuaRuntime{}
}

// Libraries considered safe to expose. The loader library must be opened
// first; os, io and debug stay closed.
var safeLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.LoadLibName, lua.OpenPackage},
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Globals from the stock libraries that reach outside the interpreter.
var scrubbedGlobals = []string{"dofile", "loadfile", "require"}

func (r *LuaRuntime) Run(ctx context.Context, req Request) (Outcome, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range safeLibs {
		err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return Outcome{}, appErr.Wrapf(err, appErr.RuntimeFailure, "open %s library", lib.name)
		}
	}
	for _, name := range scrubbedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &host{req: req, cancel: cancel, pidSeq: 999}
	h.install(L)
	L.SetContext(runCtx)
	defer req.FS.CloseAll()

	fn, err := L.LoadString(string(req.Code))
	if err != nil {
		return Outcome{
			ExitCode: exitFailure,
			ErrMsg:   "code failed to load: " + luaErrText(err),
		}, nil
	}
	L.Push(fn)
	runErr := L.PCall(0, lua.MultRet, nil)
	return h.outcome(ctx, runErr), nil
}

// outcome folds the interpreter result and any abort the host recorded
// into the final verdict. Precedence: violation abort, guest exit,
// deadline, cancellation, plain guest error.
func (h *host) outcome(parent context.Context, runErr error) Outcome {
	o := Outcome{Output: append([]byte(nil), h.out.Bytes()...)}
	h.mu.Lock()
	abort, exit := h.abort, h.exit
	h.mu.Unlock()

	switch {
	case abort != nil:
		o.ExitCode = abort.exitCode
		o.ErrMsg = abort.errMsg
	case exit != nil:
		o.ExitCode = exit.exitCode
		if exit.exitCode != 0 {
			o.ErrMsg = fmt.Sprintf("guest exited with code %d", exit.exitCode)
		}
	case parent.Err() == context.DeadlineExceeded:
		h.req.Recorder.Record(event.TypeTimeout, event.SeverityLow,
			fmt.Sprintf("cpu time limit exceeded: execution ran past %d ms", h.req.Policy.MaxCPUTimeMS))
		o.ExitCode = exitTimeout
		o.ErrMsg = "cpu time limit exceeded"
	case parent.Err() == context.Canceled:
		o.ExitCode = exitTerminated
		o.ErrMsg = "execution canceled"
	case runErr != nil:
		o.ExitCode = exitFailure
		o.ErrMsg = "runtime error: " + luaErrText(runErr)
	}
	return o
}

// luaErrText keeps the first line of a Lua error, dropping the traceback.
func luaErrText(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
