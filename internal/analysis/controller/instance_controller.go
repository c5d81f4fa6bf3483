// Package controller exposes the sandbox and analysis operations over
// HTTP. Handlers stay thin: bind the request, delegate, wrap the coded
// result in the uniform envelope.
package controller

import (
	"encoding/base64"
	"sort"

	"github.com/gin-gonic/gin"

	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/monitor"
	"blastpit/internal/sandbox/policy"
	"blastpit/internal/sandbox/snapshot"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/response"
)

// InstanceController handles sandbox instance endpoints.
type InstanceController struct {
	manager *sandbox.Manager
}

// NewInstanceController creates a new InstanceController.
func NewInstanceController(manager *sandbox.Manager) *InstanceController {
	return &InstanceController{manager: manager}
}

// Create provisions an instance from a preset name or an inline policy.
func (h *InstanceController) Create(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	pol, err := resolvePolicy(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	inst, err := h.manager.CreateInstance(c.Request.Context(), &pol)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, InstanceResponse{
		InstanceID: inst.ID(),
		State:      string(inst.State()),
		CreatedAt:  inst.CreatedAt().Unix(),
		Policy:     inst.Policy(),
	})
}

// List returns the ids of all live instances.
func (h *InstanceController) List(c *gin.Context) {
	ids, err := h.manager.ListInstances()
	if err != nil {
		response.Error(c, err)
		return
	}
	sort.Strings(ids)
	response.Success(c, ListInstancesResponse{InstanceIDs: ids, Count: len(ids)})
}

// StatusAll returns the state of every live instance.
func (h *InstanceController) StatusAll(c *gin.Context) {
	states, err := h.manager.AllInstancesStatus()
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]InstanceStateResponse, 0, len(states))
	for id, state := range states {
		items = append(items, InstanceStateResponse{InstanceID: id, State: string(state)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].InstanceID < items[j].InstanceID })
	response.Success(c, InstancesStatusResponse{Instances: items, Count: len(items)})
}

// GetStatus returns one instance's state, policy and resource usage.
func (h *InstanceController) GetStatus(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	response.Success(c, InstanceDetailResponse{
		InstanceID: inst.ID(),
		State:      string(inst.State()),
		CreatedAt:  inst.CreatedAt().Unix(),
		Policy:     inst.Policy(),
		Usage:      inst.Usage(),
	})
}

// Execute runs base64-encoded code on an instance and returns the
// execution result.
func (h *InstanceController) Execute(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	code, err := base64.StdEncoding.DecodeString(req.Code)
	if err != nil {
		response.BadRequest(c, "Invalid base64 code")
		return
	}
	res, err := inst.Execute(c.Request.Context(), code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Pause suspends an instance.
func (h *InstanceController) Pause(c *gin.Context) {
	h.transition(c, (*sandbox.Instance).Pause)
}

// Resume reactivates a paused instance.
func (h *InstanceController) Resume(c *gin.Context) {
	h.transition(c, (*sandbox.Instance).Resume)
}

// Terminate permanently stops an instance.
func (h *InstanceController) Terminate(c *gin.Context) {
	h.transition(c, (*sandbox.Instance).Terminate)
}

// Events returns the instance-lifetime security event log.
func (h *InstanceController) Events(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	events, err := inst.Events()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, EventsResponse{
		InstanceID: inst.ID(),
		Events:     events,
		Count:      len(events),
	})
}

// CreateSnapshot captures the instance state and returns the snapshot
// envelope.
func (h *InstanceController) CreateSnapshot(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	snap, err := inst.CreateSnapshot()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// RestoreSnapshot restores an instance from a snapshot envelope.
func (h *InstanceController) RestoreSnapshot(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var snap snapshot.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		response.BadRequest(c, "Invalid snapshot payload")
		return
	}
	if err := inst.RestoreSnapshot(snap); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, InstanceStateResponse{
		InstanceID: inst.ID(),
		State:      string(inst.State()),
	})
}

func (h *InstanceController) instance(c *gin.Context) (*sandbox.Instance, bool) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "Invalid instance id")
		return nil, false
	}
	inst, err := h.manager.Instance(id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return inst, true
}

func (h *InstanceController) transition(c *gin.Context, op func(*sandbox.Instance) error) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	if err := op(inst); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, InstanceStateResponse{
		InstanceID: inst.ID(),
		State:      string(inst.State()),
	})
}

func resolvePolicy(req CreateInstanceRequest) (policy.Policy, error) {
	if req.Preset != "" && req.Policy != nil {
		return policy.Policy{}, appErr.New(appErr.InvalidParams).
			WithMessage("preset and policy are mutually exclusive")
	}
	if req.Policy != nil {
		return *req.Policy, nil
	}
	return policy.Preset(req.Preset)
}

// CreateInstanceRequest selects the policy for a new instance. Empty
// means the default preset.
type CreateInstanceRequest struct {
	Preset string         `json:"preset"`
	Policy *policy.Policy `json:"policy"`
}

// InstanceResponse describes a created instance.
type InstanceResponse struct {
	InstanceID string        `json:"instance_id"`
	State      string        `json:"state"`
	CreatedAt  int64         `json:"created_at"`
	Policy     policy.Policy `json:"policy"`
}

// ListInstancesResponse lists live instance ids.
type ListInstancesResponse struct {
	InstanceIDs []string `json:"instance_ids"`
	Count       int      `json:"count"`
}

// InstanceStateResponse reports one instance's state.
type InstanceStateResponse struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
}

// InstancesStatusResponse reports every instance's state.
type InstancesStatusResponse struct {
	Instances []InstanceStateResponse `json:"instances"`
	Count     int                     `json:"count"`
}

// InstanceDetailResponse describes one instance.
type InstanceDetailResponse struct {
	InstanceID string        `json:"instance_id"`
	State      string        `json:"state"`
	CreatedAt  int64         `json:"created_at"`
	Policy     policy.Policy `json:"policy"`
	Usage      monitor.Usage `json:"usage"`
}

// ExecuteRequest carries base64-encoded code to run.
type ExecuteRequest struct {
	Code string `json:"code" binding:"required"`
}

// EventsResponse carries an instance's security event log.
type EventsResponse struct {
	InstanceID string        `json:"instance_id"`
	Events     []event.Event `json:"events"`
	Count      int           `json:"count"`
}
