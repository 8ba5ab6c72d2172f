package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sandboxd/internal/steps"
)

const apiPrefix = "/api/v1/sandbox"

// Commands lists every CLI command in display order.
func Commands() []Command {
	return []Command{
		{
			Group:        "queue",
			Action:       "list",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/queue",
			Help:         "list queued and running jobs",
		},
		{
			Group:        "queue",
			Action:       "watch",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/ws/queue",
			Stream:       true,
			Help:         "stream queue snapshots, count=N frames (default 1)",
			Fields: []Field{
				{Name: "count", Aliases: []string{"n"}, Prompt: "frames", Type: FieldInt},
			},
		},
		{
			Group:        "pool",
			Action:       "get",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/pool",
			Help:         "show worker threads and smoothed wait time",
		},
		{
			Group:        "pool",
			Action:       "resize",
			Method:       http.MethodPut,
			PathTemplate: apiPrefix + "/pool",
			Help:         "rebuild the worker pool with threads=N",
			Fields: []Field{
				{Name: "threads", Aliases: []string{"size"}, Prompt: "threads", Type: FieldInt, Required: true},
			},
		},
		{
			Group:        "multiplier",
			Action:       "get",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/timeout-multiplier",
			Help:         "show the timeout multiplier",
		},
		{
			Group:        "multiplier",
			Action:       "set",
			Method:       http.MethodPut,
			PathTemplate: apiPrefix + "/timeout-multiplier",
			Help:         "set the timeout multiplier, value=N",
			Fields: []Field{
				{Name: "value", Aliases: []string{"multiplier"}, Prompt: "multiplier", Type: FieldInt, Required: true},
			},
		},
		{
			Group:        "node",
			Action:       "health",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/health",
			Help:         "container runtime health",
		},
		{
			Group:        "execution",
			Action:       "submit",
			Method:       http.MethodPost,
			PathTemplate: apiPrefix + "/executions",
			Help:         "schedule an execution document, file=path.yaml",
			Fields: []Field{
				{Name: "file", Aliases: []string{"doc"}, Prompt: "document path", Type: FieldFile, Required: true},
			},
		},
		{
			Group:        "execution",
			Action:       "get",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/executions/:id",
			Help:         "show a finished execution, id=ID",
			Fields: []Field{
				{Name: "id", Prompt: "execution id", Type: FieldString, Required: true},
			},
		},
		{
			Group:        "execution",
			Action:       "list",
			Method:       http.MethodGet,
			PathTemplate: apiPrefix + "/executions",
			Help:         "list recent executions, limit=N",
			Fields: []Field{
				{Name: "limit", Aliases: []string{"n"}, Prompt: "limit", Type: FieldInt},
			},
		},
	}
}

// Registry returns all CLI commands keyed by "group action".
func Registry() map[string]Command {
	commands := Commands()
	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if field.Required && params.Get(field.Name) == "" {
			return RequestSpec{}, fmt.Errorf("%s is required", field.Name)
		}
	}

	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if cmd.Key() == "execution list" && params.Get("limit") != "" {
		limit, err := ParseInt(params.Get("limit"))
		if err != nil || limit < 0 {
			return RequestSpec{}, fmt.Errorf("invalid limit: %s", params.Get("limit"))
		}
		path += "?limit=" + strconv.Itoa(limit)
	}

	var body []byte
	if cmd.Method != http.MethodGet && cmd.Method != http.MethodDelete {
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
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Key() {
	case "pool resize":
		threads, err := ParseInt(params.Get("threads"))
		if err != nil {
			return nil, fmt.Errorf("invalid threads: %w", err)
		}
		return map[string]int{"threads": threads}, nil
	case "multiplier set":
		value, err := ParseInt(params.Get("value"))
		if err != nil {
			return nil, fmt.Errorf("invalid value: %w", err)
		}
		return map[string]int{"multiplier": value}, nil
	case "execution submit":
		return loadDocument(params.Get("file"))
	}
	return nil, nil
}

// loadDocument parses a YAML or JSON execution document so it is sent as JSON.
func loadDocument(path string) (steps.Document, error) {
	data, err := ReadFile(strings.TrimSpace(path))
	if err != nil {
		return steps.Document{}, err
	}
	doc, err := steps.ParseDocument(data)
	if err != nil {
		return steps.Document{}, fmt.Errorf("invalid document %s: %w", path, err)
	}
	return doc, nil
}
