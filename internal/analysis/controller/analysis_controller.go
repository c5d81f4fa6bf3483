package controller

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"blastpit/internal/analysis/model"
	"blastpit/internal/analysis/repository"
	"blastpit/internal/analysis/service"
	"blastpit/internal/common/auth"
	"blastpit/pkg/utils/response"
)

const defaultRevocationTTL = 24 * time.Hour

// AnalysisController handles analysis pipeline endpoints.
type AnalysisController struct {
	analysisService *service.AnalysisService
	eventFeed       *repository.RedisEventSink
	revocations     *auth.CacheRevocationStore
}

// NewAnalysisController creates a new AnalysisController. The event
// feed and revocation store may be nil when the daemon runs without a
// cache.
func NewAnalysisController(
	analysisService *service.AnalysisService,
	eventFeed *repository.RedisEventSink,
	revocations *auth.CacheRevocationStore,
) *AnalysisController {
	return &AnalysisController{
		analysisService: analysisService,
		eventFeed:       eventFeed,
		revocations:     revocations,
	}
}

// Submit queues a batch of analysis tasks.
func (h *AnalysisController) Submit(c *gin.Context) {
	var req SubmitAnalysesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Tasks) == 0 {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	tasks := make([]model.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, model.Task{
			SampleBucket: t.SampleBucket,
			SampleKey:    t.SampleKey,
			PolicyPreset: t.PolicyPreset,
		})
	}
	ids, err := h.analysisService.SubmitTasks(c.Request.Context(), tasks)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, SubmitAnalysesResponse{AnalysisIDs: ids, Count: len(ids)})
}

// GetStatus returns the status record for one analysis.
func (h *AnalysisController) GetStatus(c *gin.Context) {
	analysisID := c.Param("id")
	if analysisID == "" {
		response.BadRequest(c, "Invalid analysis id")
		return
	}
	rec, err := h.analysisService.GetRecord(c.Request.Context(), analysisID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// List returns the most recent analysis records.
func (h *AnalysisController) List(c *gin.Context) {
	limit := queryInt(c, "limit", 0)
	records, err := h.analysisService.ListRecent(c.Request.Context(), int64(limit))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ListAnalysesResponse{Items: records, Count: len(records)})
}

// Stats reports pipeline totals.
func (h *AnalysisController) Stats(c *gin.Context) {
	total, counts, err := h.analysisService.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StatsResponse{Total: total, ByStatus: counts})
}

// UploadSample stores base64-encoded sample bytes and returns the
// object key and digest.
func (h *AnalysisController) UploadSample(c *gin.Context) {
	var req UploadSampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Sample)
	if err != nil {
		response.BadRequest(c, "Invalid base64 sample")
		return
	}
	key, digest, err := h.analysisService.UploadSample(c.Request.Context(), data, req.ContentType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, UploadSampleResponse{SampleKey: key, SampleDigest: digest})
}

// ListSamples returns stored samples.
func (h *AnalysisController) ListSamples(c *gin.Context) {
	limit := queryInt(c, "limit", 0)
	samples, err := h.analysisService.ListSamples(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ListSamplesResponse{Items: samples, Count: len(samples)})
}

// RecentEvents returns the shared security event feed.
func (h *AnalysisController) RecentEvents(c *gin.Context) {
	if h.eventFeed == nil {
		response.BadRequest(c, "Event feed is not configured")
		return
	}
	limit := queryInt(c, "limit", 0)
	events, err := h.eventFeed.Recent(c.Request.Context(), int64(limit))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RecentEventsResponse{Events: events, Count: len(events)})
}

// RevokeToken blacklists a bearer token until it would have expired.
func (h *AnalysisController) RevokeToken(c *gin.Context) {
	if h.revocations == nil {
		response.BadRequest(c, "Revocation store is not configured")
		return
	}
	var req RevokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	ttl := defaultRevocationTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	if err := h.revocations.Revoke(c.Request.Context(), auth.HashToken(req.Token), ttl); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RevokeTokenResponse{Revoked: true})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// SubmitAnalysesRequest queues analysis tasks.
type SubmitAnalysesRequest struct {
	Tasks []SubmitTaskItem `json:"tasks" binding:"required"`
}

// SubmitTaskItem describes one task to queue.
type SubmitTaskItem struct {
	SampleBucket string `json:"sample_bucket"`
	SampleKey    string `json:"sample_key" binding:"required"`
	PolicyPreset string `json:"policy_preset"`
}

// SubmitAnalysesResponse returns the created analysis ids.
type SubmitAnalysesResponse struct {
	AnalysisIDs []string `json:"analysis_ids"`
	Count       int      `json:"count"`
}

// ListAnalysesResponse lists recent analysis records.
type ListAnalysesResponse struct {
	Items []model.Record `json:"items"`
	Count int            `json:"count"`
}

// StatsResponse reports pipeline totals.
type StatsResponse struct {
	Total    int64                  `json:"total"`
	ByStatus map[model.Status]int64 `json:"by_status"`
}

// UploadSampleRequest carries base64-encoded sample bytes.
type UploadSampleRequest struct {
	Sample      string `json:"sample" binding:"required"`
	ContentType string `json:"content_type"`
}

// UploadSampleResponse returns where the sample landed.
type UploadSampleResponse struct {
	SampleKey    string `json:"sample_key"`
	SampleDigest string `json:"sample_digest"`
}

// ListSamplesResponse lists stored samples.
type ListSamplesResponse struct {
	Items []model.SampleInfo `json:"items"`
	Count int                `json:"count"`
}

// RecentEventsResponse carries the shared security event feed.
type RecentEventsResponse struct {
	Events []model.AuditEvent `json:"events"`
	Count  int                `json:"count"`
}

// RevokeTokenRequest blacklists one token.
type RevokeTokenRequest struct {
	Token            string `json:"token" binding:"required"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// RevokeTokenResponse acknowledges a revocation.
type RevokeTokenResponse struct {
	Revoked bool `json:"revoked"`
}
