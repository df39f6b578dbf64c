package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

var routeSummaries = map[string]string{
	"GET /healthz":                    "Liveness and queue depth",
	"GET /status":                     "Mode, blocked calls and queue depth",
	"GET /openapi.json":               "This document",
	"POST /mode":                      "Switch execution mode",
	"GET /tasks/":                     "List tasks by status",
	"POST /tasks/":                    "Admit a task",
	"GET /tasks/{taskID}":             "Get one task",
	"DELETE /tasks/{taskID}":          "Cancel or forget a task",
	"POST /calls/{operation}":         "Run an operation as a guarded call",
	"GET /origins":                    "List blocked origins",
	"POST /origins/{origin}/block":    "Block an origin",
	"DELETE /origins/{origin}/block":  "Unblock an origin",
	"GET /executions":                 "Blocked executions and recent journal",
	"POST /executions/resume":         "Release blocked executions",
	"GET /remote":                     "Read the remote execution log",
	"POST /remote/drain":              "Take and clear the remote execution log",
	"GET /devices":                    "List devices",
	"POST /devices/{deviceID}/power":  "Toggle device power",
	"PUT /devices/{deviceID}/enabled": "Enable or disable a device",
	"GET /events":                     "Server-sent event stream",
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document listing every mounted route.
func buildOpenAPIDoc(routes chi.Routes) map[string]any {
	paths := map[string]any{}
	_ = chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		item, ok := paths[route].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[route] = item
		}
		op := map[string]any{
			"operationId": operationID(method, route),
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if summary, ok := routeSummaries[method+" "+route]; ok {
			op["summary"] = summary
		}
		if params := pathParams(route); len(params) > 0 {
			op["parameters"] = params
		}
		item[strings.ToLower(method)] = op
		return nil
	})

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "pixeldispatch admin",
			"version": "1.0",
		},
		"paths": paths,
	}
}

func operationID(method, route string) string {
	r := strings.NewReplacer("/", "_", "{", "", "}", "", ".", "_")
	return strings.ToLower(method) + strings.TrimSuffix(r.Replace(route), "_")
}

func pathParams(route string) []any {
	var out []any
	for _, seg := range strings.Split(route, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			out = append(out, map[string]any{
				"name":     strings.Trim(seg, "{}"),
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
	}
	return out
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	routes, ok := s.Handler().(chi.Routes)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "routes unavailable")
		return
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(routes))
}
