package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Registry returns all console commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "instance",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/instances",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "preset", Prompt: "preset", Type: FieldString, Required: false},
				{Name: "policy_json", Prompt: "policy_json", Type: FieldJSON, Required: false},
				{Name: "policy_file", Prompt: "policy_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "instance",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/instances",
			RequiresAuth: false,
		},
		{
			Service:      "instance",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/instances/status",
			RequiresAuth: false,
		},
		{
			Service:      "instance",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/instances/:id",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "exec",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/execute",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
				{Name: "code", Prompt: "code", Type: FieldString, Required: true},
				{Name: "code_file", Prompt: "code_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "instance",
			Action:       "pause",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/pause",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "resume",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/resume",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "terminate",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/terminate",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "events",
			Method:       "GET",
			PathTemplate: "/api/v1/instances/:id/events",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "snapshot",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/snapshots",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "instance",
			Action:       "restore",
			Method:       "POST",
			PathTemplate: "/api/v1/instances/:id/restore",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"instance_id"}, Prompt: "instance_id", Type: FieldString, Required: true},
				{Name: "snapshot_json", Prompt: "snapshot_json", Type: FieldJSON, Required: true},
				{Name: "snapshot_file", Prompt: "snapshot_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "analysis",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/analyses",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "sample_key", Prompt: "sample_key (comma-separated for batch)", Type: FieldStringList, Required: true},
				{Name: "sample_bucket", Prompt: "sample_bucket", Type: FieldString, Required: false},
				{Name: "preset", Aliases: []string{"policy_preset"}, Prompt: "preset", Type: FieldString, Required: false},
				{Name: "tasks_json", Prompt: "tasks_json", Type: FieldJSON, Required: false},
				{Name: "tasks_file", Prompt: "tasks_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "analysis",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/analyses/:id",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "id", Aliases: []string{"analysis_id"}, Prompt: "analysis_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "analysis",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/analyses",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "analysis",
			Action:       "stats",
			Method:       "GET",
			PathTemplate: "/api/v1/analyses/stats",
			RequiresAuth: false,
		},
		{
			Service:      "sample",
			Action:       "upload",
			Method:       "POST",
			PathTemplate: "/api/v1/samples",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "file", Aliases: []string{"sample_file"}, Prompt: "sample file path", Type: FieldFile, Required: true},
				{Name: "content_type", Prompt: "content_type", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "sample",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/samples",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "event",
			Action:       "recent",
			Method:       "GET",
			PathTemplate: "/api/v1/events/recent",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "auth",
			Action:       "revoke",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/revoke",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "token", Prompt: "token", Type: FieldString, Required: true},
				{Name: "expires_in_seconds", Prompt: "expires_in_seconds", Type: FieldInt64, Required: false},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates an HTTP request spec based on the command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if cmd.Method == "GET" {
		query, err := buildQuery(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		path += query
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	placeholder := ":id"
	if strings.Contains(path, placeholder) {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
	}
	return path, nil
}

func buildQuery(cmd Command, params Params) (string, error) {
	values := url.Values{}
	switch {
	case cmd.Service == "analysis" && cmd.Action == "list",
		cmd.Service == "sample" && cmd.Action == "list",
		cmd.Service == "event" && cmd.Action == "recent":
		if raw := params.Get("limit"); raw != "" {
			limit, err := ParseInt(raw)
			if err != nil {
				return "", fmt.Errorf("invalid limit: %w", err)
			}
			values.Set("limit", strconv.Itoa(limit))
		}
	}
	if len(values) == 0 {
		return "", nil
	}
	return "?" + values.Encode(), nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Service {
	case "instance":
		switch cmd.Action {
		case "create":
			return buildInstanceCreatePayload(params)
		case "exec":
			return buildExecPayload(params)
		case "restore":
			snapshotJSON, err := parseJSONOrFile(params, "snapshot_json", "snapshot_file")
			if err != nil {
				return nil, fmt.Errorf("invalid snapshot_json: %w", err)
			}
			return snapshotJSON, nil
		}
	case "analysis":
		if cmd.Action == "submit" {
			return buildAnalysisSubmitPayload(params)
		}
	case "sample":
		if cmd.Action == "upload" {
			return buildSampleUploadPayload(params)
		}
	case "auth":
		if cmd.Action == "revoke" {
			return buildAuthRevokePayload(params)
		}
	}
	return nil, nil
}

func buildInstanceCreatePayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{}
	if params.Get("preset") != "" {
		payload["preset"] = params.Get("preset")
	}
	if params.Get("policy_json") != "" || params.Get("policy_file") != "" {
		policyJSON, err := parseJSONOrFile(params, "policy_json", "policy_file")
		if err != nil {
			return nil, fmt.Errorf("invalid policy_json: %w", err)
		}
		payload["policy"] = policyJSON
	}
	return payload, nil
}

func buildExecPayload(params Params) (interface{}, error) {
	code := params.Get("code")
	if (code == "" || code == "_file_") && params.Get("code_file") != "" {
		encoded, err := ReadFileBase64(params.Get("code_file"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"code": encoded}, nil
	}
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	return map[string]interface{}{
		"code": base64.StdEncoding.EncodeToString([]byte(code)),
	}, nil
}

func buildAnalysisSubmitPayload(params Params) (interface{}, error) {
	if params.Get("tasks_json") != "" || params.Get("tasks_file") != "" {
		tasksJSON, err := parseJSONOrFile(params, "tasks_json", "tasks_file")
		if err != nil {
			return nil, fmt.Errorf("invalid tasks_json: %w", err)
		}
		return map[string]interface{}{"tasks": tasksJSON}, nil
	}

	keys := ParseStringList(params.Get("sample_key"))
	if len(keys) == 0 {
		return nil, fmt.Errorf("sample_key is required")
	}
	tasks := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		task := map[string]interface{}{"sample_key": key}
		if params.Get("sample_bucket") != "" {
			task["sample_bucket"] = params.Get("sample_bucket")
		}
		if params.Get("preset") != "" {
			task["policy_preset"] = params.Get("preset")
		}
		tasks = append(tasks, task)
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func buildSampleUploadPayload(params Params) (interface{}, error) {
	encoded, err := ReadFileBase64(params.Get("file"))
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{"sample": encoded}
	if params.Get("content_type") != "" {
		payload["content_type"] = params.Get("content_type")
	}
	return payload, nil
}

func buildAuthRevokePayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{"token": params.Get("token")}
	if params.Get("expires_in_seconds") != "" {
		ttl, err := ParseInt64(params.Get("expires_in_seconds"))
		if err != nil {
			return nil, fmt.Errorf("invalid expires_in_seconds: %w", err)
		}
		payload["expires_in_seconds"] = ttl
	}
	return payload, nil
}

func parseJSONOrFile(params Params, key, fileKey string) (json.RawMessage, error) {
	value := params.Get(key)
	if (value == "" || value == "_file_") && params.Get(fileKey) != "" {
		data, err := ReadFile(params.Get(fileKey))
		if err != nil {
			return nil, err
		}
		value = data
	}
	return ParseJSON(value)
}
