package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/policy"
	appErr "blastpit/pkg/errors"
)

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newInstanceRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager, err := sandbox.New(sandbox.Config{})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(func() { _ = manager.Cleanup(context.Background()) })

	router := gin.New()
	ctrl := NewInstanceController(manager)
	api := router.Group("/api/v1/instances")
	api.POST("", ctrl.Create)
	api.GET("", ctrl.List)
	api.GET("/status", ctrl.StatusAll)
	api.GET("/:id", ctrl.GetStatus)
	api.POST("/:id/execute", ctrl.Execute)
	api.POST("/:id/pause", ctrl.Pause)
	api.POST("/:id/resume", ctrl.Resume)
	api.POST("/:id/terminate", ctrl.Terminate)
	api.GET("/:id/events", ctrl.Events)
	api.POST("/:id/snapshots", ctrl.CreateSnapshot)
	api.POST("/:id/restore", ctrl.RestoreSnapshot)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return w.Code, env
}

func mustData(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v (data %s)", err, env.Data)
	}
}

func createInstance(t *testing.T, router *gin.Engine, body interface{}) InstanceResponse {
	t.Helper()
	status, env := doJSON(t, router, http.MethodPost, "/api/v1/instances", body)
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("create = %d/%d %s", status, env.Code, env.Message)
	}
	var created InstanceResponse
	mustData(t, env, &created)
	return created
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	router := newInstanceRouter(t)

	created := createInstance(t, router, gin.H{"preset": "strict"})
	if created.InstanceID == "" || created.State != "ready" {
		t.Fatalf("created = %+v, want ready instance", created)
	}
	if created.Policy.SyscallPolicy != policy.SyscallDenyAll {
		t.Fatalf("policy = %+v, want strict deny-all", created.Policy)
	}

	_, env := doJSON(t, router, http.MethodGet, "/api/v1/instances", nil)
	var list ListInstancesResponse
	mustData(t, env, &list)
	if list.Count != 1 || list.InstanceIDs[0] != created.InstanceID {
		t.Fatalf("list = %+v, want the created instance", list)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/instances/status", nil)
	var all InstancesStatusResponse
	mustData(t, env, &all)
	if all.Count != 1 || all.Instances[0].State != "ready" {
		t.Fatalf("status = %+v, want one ready instance", all)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/instances/"+created.InstanceID, nil)
	var detail InstanceDetailResponse
	mustData(t, env, &detail)
	if detail.Policy.MaxMemoryBytes != 50<<20 {
		t.Fatalf("detail policy = %+v, want strict limits", detail.Policy)
	}

	status, env := doJSON(t, router, http.MethodPost, "/api/v1/instances/"+created.InstanceID+"/terminate", nil)
	if status != http.StatusOK {
		t.Fatalf("terminate = %d %s", status, env.Message)
	}
	var state InstanceStateResponse
	mustData(t, env, &state)
	if state.State != "terminated" {
		t.Fatalf("state = %s, want terminated", state.State)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/instances", nil)
	mustData(t, env, &list)
	if list.Count != 0 {
		t.Fatalf("list after terminate = %+v, want empty", list)
	}
}

func TestCreateInstanceWithInlinePolicy(t *testing.T) {
	router := newInstanceRouter(t)

	created := createInstance(t, router, gin.H{"policy": gin.H{
		"allow_network":  true,
		"syscall_policy": "allow_all",
	}})
	if !created.Policy.AllowNetwork {
		t.Fatalf("policy = %+v, want network allowed", created.Policy)
	}
	if created.Policy.MaxMemoryBytes != policy.DefaultMaxMemoryBytes {
		t.Fatalf("policy = %+v, want normalized default limits", created.Policy)
	}
}

func TestCreateInstanceRejections(t *testing.T) {
	router := newInstanceRouter(t)

	status, env := doJSON(t, router, http.MethodPost, "/api/v1/instances", gin.H{"preset": "bogus"})
	if status != http.StatusBadRequest || env.Code != appErr.PresetUnknown {
		t.Fatalf("bogus preset = %d/%d, want 400/PresetUnknown", status, env.Code)
	}

	status, env = doJSON(t, router, http.MethodPost, "/api/v1/instances", gin.H{
		"preset": "strict",
		"policy": gin.H{"allow_network": true},
	})
	if status != http.StatusBadRequest || env.Code != appErr.InvalidParams {
		t.Fatalf("preset+policy = %d/%d, want 400/InvalidParams", status, env.Code)
	}
}

func TestExecuteOverHTTP(t *testing.T) {
	router := newInstanceRouter(t)
	created := createInstance(t, router, gin.H{"preset": "strict"})
	execPath := "/api/v1/instances/" + created.InstanceID + "/execute"

	status, env := doJSON(t, router, http.MethodPost, execPath, gin.H{
		"code": base64.StdEncoding.EncodeToString([]byte(`output("hi")`)),
	})
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("execute = %d/%d %s", status, env.Code, env.Message)
	}
	var res sandbox.Result
	mustData(t, env, &res)
	if !res.Success || !bytes.Equal(res.Output, []byte("hi")) {
		t.Fatalf("result = %+v, want success with output hi", res)
	}

	_, env = doJSON(t, router, http.MethodPost, execPath, gin.H{
		"code": base64.StdEncoding.EncodeToString([]byte(`sys.call("uname")`)),
	})
	mustData(t, env, &res)
	if len(res.SecurityEvents) != 1 || string(res.SecurityEvents[0].Severity) != "low" {
		t.Fatalf("events = %+v, want one low blocked syscall", res.SecurityEvents)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/instances/"+created.InstanceID+"/events", nil)
	var events EventsResponse
	mustData(t, env, &events)
	if events.Count != 1 || string(events.Events[0].Type) != "syscall_blocked" {
		t.Fatalf("event log = %+v, want the blocked syscall", events)
	}

	status, env = doJSON(t, router, http.MethodPost, execPath, gin.H{"code": "!!!not-base64"})
	if status != http.StatusBadRequest || env.Code != appErr.InvalidParams {
		t.Fatalf("bad base64 = %d/%d, want 400/InvalidParams", status, env.Code)
	}
}

func TestPauseResumeGateExecution(t *testing.T) {
	router := newInstanceRouter(t)
	created := createInstance(t, router, gin.H{})
	base := "/api/v1/instances/" + created.InstanceID

	_, env := doJSON(t, router, http.MethodPost, base+"/pause", nil)
	var state InstanceStateResponse
	mustData(t, env, &state)
	if state.State != "paused" {
		t.Fatalf("state = %s, want paused", state.State)
	}

	status, env := doJSON(t, router, http.MethodPost, base+"/execute", gin.H{
		"code": base64.StdEncoding.EncodeToString([]byte(`output("x")`)),
	})
	if status != http.StatusBadRequest || env.Code != appErr.InstancePaused {
		t.Fatalf("execute paused = %d/%d, want 400/InstancePaused", status, env.Code)
	}

	_, env = doJSON(t, router, http.MethodPost, base+"/resume", nil)
	mustData(t, env, &state)
	if state.State != "ready" {
		t.Fatalf("state = %s, want ready", state.State)
	}

	status, env = doJSON(t, router, http.MethodPost, base+"/execute", gin.H{
		"code": base64.StdEncoding.EncodeToString([]byte(`output("x")`)),
	})
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("execute resumed = %d/%d, want success", status, env.Code)
	}
}

func TestSnapshotRestoreOverHTTP(t *testing.T) {
	router := newInstanceRouter(t)
	created := createInstance(t, router, gin.H{})
	base := "/api/v1/instances/" + created.InstanceID

	_, env := doJSON(t, router, http.MethodPost, base+"/execute", gin.H{
		"code": base64.StdEncoding.EncodeToString([]byte(`mem.set("k", "v")`)),
	})
	if env.Code != appErr.Success {
		t.Fatalf("seed execute = %d %s", env.Code, env.Message)
	}

	status, env := doJSON(t, router, http.MethodPost, base+"/snapshots", nil)
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("snapshot = %d/%d %s", status, env.Code, env.Message)
	}
	snapData := env.Data

	status, env = doJSON(t, router, http.MethodPost, base+"/restore", json.RawMessage(snapData))
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("restore = %d/%d %s", status, env.Code, env.Message)
	}

	other := createInstance(t, router, gin.H{})
	status, env = doJSON(t, router, http.MethodPost,
		"/api/v1/instances/"+other.InstanceID+"/restore", json.RawMessage(snapData))
	if status != http.StatusBadRequest || env.Code != appErr.SnapshotMismatch {
		t.Fatalf("cross restore = %d/%d, want 400/SnapshotMismatch", status, env.Code)
	}
}

func TestUnknownInstanceOverHTTP(t *testing.T) {
	router := newInstanceRouter(t)

	status, env := doJSON(t, router, http.MethodGet, "/api/v1/instances/nope", nil)
	if status != http.StatusNotFound || env.Code != appErr.InstanceNotFound {
		t.Fatalf("unknown = %d/%d, want 404/InstanceNotFound", status, env.Code)
	}
}
