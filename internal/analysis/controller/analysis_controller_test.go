package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"blastpit/internal/analysis/model"
	"blastpit/internal/analysis/repository"
	"blastpit/internal/analysis/service"
	"blastpit/internal/common/auth"
	"blastpit/internal/common/cache"
	"blastpit/internal/common/http/middleware"
	"blastpit/internal/common/mq"
	"blastpit/internal/common/storage"
	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/event"
	appErr "blastpit/pkg/errors"
)

const (
	testSecret = "test-secret"
	testIssuer = "blastpit"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeStorage) GetObject(_ context.Context, bucket, key string) (storage.ObjectReader, error) {
	f.mu.Lock()
	data, ok := f.objects[bucket+"/"+key]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) PutObject(_ context.Context, bucket, key string, reader storage.ObjectReader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[bucket+"/"+key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStorage) ListObjects(_ context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo)
	go func() {
		defer close(out)
		f.mu.Lock()
		defer f.mu.Unlock()
		for full, data := range f.objects {
			if strings.HasPrefix(full, bucket+"/"+prefix) {
				out <- storage.ObjectInfo{
					Key:       strings.TrimPrefix(full, bucket+"/"),
					SizeBytes: int64(len(data)),
				}
			}
		}
	}()
	return out
}

func (f *fakeStorage) RemoveObjects(_ context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.objects, bucket+"/"+key)
	}
	return nil
}

type fakePublisher struct{}

func (fakePublisher) PublishReport(context.Context, model.Report) error { return nil }

type fakeQueue struct{}

func (fakeQueue) Publish(context.Context, string, *mq.Message) error        { return nil }
func (fakeQueue) PublishBatch(context.Context, string, []*mq.Message) error { return nil }
func (fakeQueue) Subscribe(context.Context, string, mq.HandlerFunc) error   { return nil }
func (fakeQueue) SubscribeWithOptions(context.Context, string, mq.HandlerFunc, *mq.SubscribeOptions) error {
	return nil
}
func (fakeQueue) Start() error               { return nil }
func (fakeQueue) Stop() error                { return nil }
func (fakeQueue) Pause() error               { return nil }
func (fakeQueue) Resume() error              { return nil }
func (fakeQueue) Ping(context.Context) error { return nil }
func (fakeQueue) Close() error               { return nil }

type analysisDeps struct {
	feed        *repository.RedisEventSink
	revocations *auth.CacheRevocationStore
	verifier    *auth.Verifier
}

func newAnalysisRouter(t *testing.T) (*gin.Engine, *analysisDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	manager, err := sandbox.New(sandbox.Config{})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(func() { _ = manager.Cleanup(context.Background()) })

	svc, err := service.NewAnalysisService(service.Config{
		Manager:      manager,
		Repo:         repository.NewAnalysisRepository(c),
		Publisher:    fakePublisher{},
		Storage:      &fakeStorage{objects: make(map[string][]byte)},
		Cache:        c,
		MQ:           fakeQueue{},
		TaskTopic:    "analysis.tasks",
		SampleBucket: "samples-bucket",
	})
	if err != nil {
		t.Fatalf("NewAnalysisService: %v", err)
	}

	deps := &analysisDeps{
		feed:        repository.NewRedisEventSink(c, 16),
		revocations: auth.NewCacheRevocationStore(c),
	}
	deps.verifier = auth.NewVerifier(testSecret, testIssuer, deps.revocations)

	ctrl := NewAnalysisController(svc, deps.feed, deps.revocations)
	router := gin.New()
	api := router.Group("/api/v1")
	api.GET("/analyses", ctrl.List)
	api.GET("/analyses/stats", ctrl.Stats)
	api.GET("/analyses/:id", ctrl.GetStatus)
	api.GET("/samples", ctrl.ListSamples)
	api.GET("/events/recent", ctrl.RecentEvents)

	protected := api.Group("", middleware.RequireAuth(deps.verifier))
	protected.POST("/analyses", ctrl.Submit)
	protected.POST("/samples", ctrl.UploadSample)

	admin := api.Group("", middleware.RequireAuth(deps.verifier, "admin"))
	admin.POST("/auth/revoke", ctrl.RevokeToken)
	return router, deps
}

func mintToken(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.Mint(testSecret, testIssuer, "analyst-1", role, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doAuthJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) (int, envelope) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	return w.Code, env
}

func TestSubmitAndTrackAnalyses(t *testing.T) {
	router, _ := newAnalysisRouter(t)
	token := mintToken(t, "analyst")

	status, env := doAuthJSON(t, router, http.MethodPost, "/api/v1/analyses", token, gin.H{
		"tasks": []gin.H{{"sample_key": "samples/x", "policy_preset": "strict"}},
	})
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("submit = %d/%d %s", status, env.Code, env.Message)
	}
	var submitted SubmitAnalysesResponse
	mustData(t, env, &submitted)
	if submitted.Count != 1 || len(submitted.AnalysisIDs) != 1 {
		t.Fatalf("submitted = %+v, want one id", submitted)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/analyses/"+submitted.AnalysisIDs[0], nil)
	var rec model.Record
	mustData(t, env, &rec)
	if rec.Status != model.StatusPending {
		t.Fatalf("record = %+v, want pending", rec)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/analyses?limit=10", nil)
	var list ListAnalysesResponse
	mustData(t, env, &list)
	if list.Count != 1 {
		t.Fatalf("list = %+v, want one record", list)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/analyses/stats", nil)
	var stats StatsResponse
	mustData(t, env, &stats)
	if stats.Total != 1 || stats.ByStatus[model.StatusPending] != 1 {
		t.Fatalf("stats = %+v, want one pending", stats)
	}

	status, env = doJSON(t, router, http.MethodGet, "/api/v1/analyses/unknown-id", nil)
	if status != http.StatusNotFound || env.Code != appErr.AnalysisNotFound {
		t.Fatalf("unknown = %d/%d, want 404/AnalysisNotFound", status, env.Code)
	}
}

func TestSampleEndpoints(t *testing.T) {
	router, _ := newAnalysisRouter(t)
	token := mintToken(t, "analyst")

	status, env := doAuthJSON(t, router, http.MethodPost, "/api/v1/samples", token, gin.H{
		"sample": base64.StdEncoding.EncodeToString([]byte("sample bytes")),
	})
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("upload = %d/%d %s", status, env.Code, env.Message)
	}
	var uploaded UploadSampleResponse
	mustData(t, env, &uploaded)
	if uploaded.SampleKey == "" || len(uploaded.SampleDigest) != 64 {
		t.Fatalf("uploaded = %+v, want key and hex digest", uploaded)
	}

	_, env = doJSON(t, router, http.MethodGet, "/api/v1/samples", nil)
	var list ListSamplesResponse
	mustData(t, env, &list)
	if list.Count != 1 || list.Items[0].Key != uploaded.SampleKey {
		t.Fatalf("samples = %+v, want the upload", list)
	}

	status, env = doAuthJSON(t, router, http.MethodPost, "/api/v1/samples", token, gin.H{
		"sample": "!!!not-base64",
	})
	if status != http.StatusBadRequest || env.Code != appErr.InvalidParams {
		t.Fatalf("bad base64 = %d/%d, want 400/InvalidParams", status, env.Code)
	}
}

func TestRecentEventsEndpoint(t *testing.T) {
	router, deps := newAnalysisRouter(t)

	err := deps.feed.Record(context.Background(), "inst-1", event.Event{
		Type:     event.TypeSyscallBlocked,
		Severity: event.SeverityHigh,
		Details:  "connect 10.0.0.1:443",
	})
	if err != nil {
		t.Fatalf("seed feed: %v", err)
	}

	_, env := doJSON(t, router, http.MethodGet, "/api/v1/events/recent", nil)
	var recent RecentEventsResponse
	mustData(t, env, &recent)
	if recent.Count != 1 || recent.Events[0].InstanceID != "inst-1" {
		t.Fatalf("recent = %+v, want the seeded event", recent)
	}
}

func TestAuthProtection(t *testing.T) {
	router, deps := newAnalysisRouter(t)

	status, env := doJSON(t, router, http.MethodPost, "/api/v1/analyses", gin.H{
		"tasks": []gin.H{{"sample_key": "samples/x"}},
	})
	if status != http.StatusUnauthorized || env.Code != appErr.TokenInvalid {
		t.Fatalf("no token = %d/%d, want 401/TokenInvalid", status, env.Code)
	}

	analyst := mintToken(t, "analyst")
	status, env = doAuthJSON(t, router, http.MethodPost, "/api/v1/auth/revoke", analyst, gin.H{
		"token": analyst,
	})
	if status != http.StatusForbidden || env.Code != appErr.PermissionDenied {
		t.Fatalf("analyst revoke = %d/%d, want 403/PermissionDenied", status, env.Code)
	}

	admin := mintToken(t, "admin")
	status, env = doAuthJSON(t, router, http.MethodPost, "/api/v1/auth/revoke", admin, gin.H{
		"token": analyst,
	})
	if status != http.StatusOK || env.Code != appErr.Success {
		t.Fatalf("admin revoke = %d/%d %s", status, env.Code, env.Message)
	}

	revoked, err := deps.revocations.IsRevoked(context.Background(), auth.HashToken(analyst))
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = %v/%v, want true", revoked, err)
	}

	status, env = doAuthJSON(t, router, http.MethodPost, "/api/v1/analyses", analyst, gin.H{
		"tasks": []gin.H{{"sample_key": "samples/x"}},
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked token = %d/%d, want 401", status, env.Code)
	}
}
