package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/protocol"
	"github.com/atat/gateway/internal/store"
)

var routeIndex = map[string]string{
	"health":          "GET /",
	"engineHealth":    "GET /api/engine/health",
	"engineCommands":  "GET /api/engine/commands",
	"engineCall":      "POST /api/engine/call",
	"importApi":       "POST /api/import",
	"listEndpoints":   "POST /api/endpoints",
	"endpointDetails": "POST /api/endpoints/details",
	"addTags":         "POST /api/endpoints/tags/add",
	"removeTags":      "POST /api/endpoints/tags/remove",
	"replaceTags":     "POST /api/endpoints/tags/replace",
	"listTags":        "GET /api/tags",
	"addFlags":        "POST /api/endpoints/flags/add",
	"removeFlags":     "POST /api/endpoints/flags/remove",
	"listFlags":       "GET /api/flags",
	"createScan":      "POST /api/scan/create",
	"startScan":       "POST /api/scan/start",
	"stopScan":        "POST /api/scan/stop",
	"scanStatus":      "GET /api/scan/status",
	"scanProgress":    "GET /api/scan/progress",
	"scanResults":     "GET /api/scan/results",
	"listScans":       "GET /api/scan/list",
	"history":         "GET /api/history",
	"metrics":         "GET /metrics",
}

var allowedSpecExts = map[string]bool{".json": true, ".yaml": true, ".yml": true}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/engine/health", s.handleEngineHealth)
	mux.HandleFunc("GET /api/engine/commands", s.handleCommands)
	mux.HandleFunc("POST /api/engine/call", s.handleEngineCall)

	mux.HandleFunc("POST /api/import", s.handleImport)

	mux.HandleFunc("POST /api/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /api/endpoints/details", s.handleEndpointDetails)
	mux.HandleFunc("POST /api/endpoints/tags/add", s.tagsHandler(protocol.CmdEndpointsTagsAdd, false, "Tags added successfully"))
	mux.HandleFunc("POST /api/endpoints/tags/remove", s.tagsHandler(protocol.CmdEndpointsTagsRemove, false, "Tags removed successfully"))
	mux.HandleFunc("POST /api/endpoints/tags/replace", s.tagsHandler(protocol.CmdEndpointsTagsReplace, true, "Tags replaced successfully"))
	mux.HandleFunc("GET /api/tags", s.passthrough(protocol.CmdTagsList, "Tags retrieved successfully"))
	mux.HandleFunc("POST /api/endpoints/flags/add", s.flagsHandler(protocol.CmdEndpointsFlagsAdd, "Flags added successfully"))
	mux.HandleFunc("POST /api/endpoints/flags/remove", s.flagsHandler(protocol.CmdEndpointsFlagsRemove, "Flags removed successfully"))
	mux.HandleFunc("GET /api/flags", s.passthrough(protocol.CmdFlagsList, "Flags retrieved successfully"))

	mux.HandleFunc("POST /api/scan/create", s.handleScanCreate)
	mux.HandleFunc("POST /api/scan/start", s.handleScanStart)
	mux.HandleFunc("POST /api/scan/stop", s.scanHandler(protocol.CmdScanStop, "Scan stopped successfully"))
	mux.HandleFunc("GET /api/scan/status", s.scanHandler(protocol.CmdScanStatus, "Scan status retrieved successfully"))
	mux.HandleFunc("GET /api/scan/progress", s.scanHandler(protocol.CmdScanProgress, "Scan progress retrieved successfully"))
	mux.HandleFunc("GET /api/scan/results", s.scanHandler(protocol.CmdScanResults, "Scan results retrieved successfully"))
	mux.HandleFunc("GET /api/scan/list", s.passthrough(protocol.CmdScanList, "Scans retrieved successfully"))

	mux.HandleFunc("GET /api/history", s.handleHistory)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("/", s.handleNotFound)

	return s.withLogging(s.withRateLimit(s.withRecover(mux)))
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, "AT-AT API is running!", map[string]interface{}{
		"version":   Version,
		"endpoints": routeIndex,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Route not found", map[string]string{
		"path":   r.URL.RequestURI(),
		"method": r.Method,
	})
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	status, env := s.svc.Health(r.Context())
	writeEnvelope(w, status, env)
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, "Commands retrieved successfully", map[string]interface{}{
		"commands": gateway.Commands(),
	})
}

func (s *Server) call(ctx context.Context, w http.ResponseWriter, command string, data map[string]interface{}, successMessage string) gateway.Result {
	res := s.svc.Call(ctx, command, data, successMessage)
	writeEnvelope(w, res.Status, res.Envelope)
	return res
}

func (s *Server) passthrough(command, successMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.call(r.Context(), w, command, map[string]interface{}{}, successMessage)
	}
}

func (s *Server) handleEngineCall(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	command, _ := body["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "Missing command", nil)
		return
	}
	data := map[string]interface{}{}
	switch v := body["data"].(type) {
	case nil:
	case map[string]interface{}:
		data = v
	default:
		writeError(w, http.StatusBadRequest, "Command data must be an object", nil)
		return
	}
	s.call(r.Context(), w, command, data, "")
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	s.call(r.Context(), w, protocol.CmdEndpointsList, pick(body, "api_id", "client_id"), "Endpoints retrieved successfully")
}

func (s *Server) handleEndpointDetails(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	id := str(body, "endpoint_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing endpoint_id", nil)
		return
	}
	data := pick(body, "path", "method")
	data["id"] = id
	s.call(r.Context(), w, protocol.CmdEndpointsDetails, data, "Endpoint details retrieved successfully")
}

// tagsHandler validates the request shape before the engine sees it. Only
// replace accepts an empty list.
func (s *Server) tagsHandler(command string, allowEmpty bool, successMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.decodeBody(w, r)
		if !ok {
			return
		}
		tags, isList := body["tags"].([]interface{})
		if !isList || (!allowEmpty && len(tags) == 0) {
			writeError(w, http.StatusBadRequest, "Missing tags (must be array)", nil)
			return
		}
		if str(body, "path") == "" || str(body, "method") == "" {
			writeError(w, http.StatusBadRequest, "Missing path or method", nil)
			return
		}
		data := pick(body, "endpoint_id", "path", "method")
		data["tags"] = tags
		s.call(r.Context(), w, command, data, successMessage)
	}
}

func (s *Server) flagsHandler(command, successMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.decodeBody(w, r)
		if !ok {
			return
		}
		flags, isList := body["flags"].([]interface{})
		if !isList || len(flags) == 0 {
			writeError(w, http.StatusBadRequest, "Missing flags (must be array)", nil)
			return
		}
		if str(body, "endpoint_id") == "" {
			writeError(w, http.StatusBadRequest, "Missing endpoint_id", nil)
			return
		}
		data := pick(body, "endpoint_id")
		data["flags"] = flags
		s.call(r.Context(), w, command, data, successMessage)
	}
}

func (s *Server) handleScanCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	s.call(r.Context(), w, protocol.CmdScanCreate, pick(body, "api_id", "client_id", "scan_profile"), "Scan created successfully")
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	s.call(r.Context(), w, protocol.CmdScanStart, pick(body, "api_id", "client_id", "api_name", "scan_profile"), "Scan started successfully")
}

// scanHandler serves the scan_id keyed commands. GET requests take scan_id
// from the query string, POST requests from the JSON body.
func (s *Server) scanHandler(command, successMessage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var scanID string
		if r.Method == http.MethodGet {
			scanID = strings.TrimSpace(r.URL.Query().Get("scan_id"))
		} else {
			body, ok := s.decodeBody(w, r)
			if !ok {
				return
			}
			scanID = str(body, "scan_id")
		}
		if scanID == "" {
			writeError(w, http.StatusBadRequest, "Missing scan_id", nil)
			return
		}
		s.call(r.Context(), w, command, map[string]interface{}{"scan_id": scanID}, successMessage)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	filename, content, ok := s.readSpec(w, r)
	if !ok {
		return
	}
	if !allowedSpecExts[strings.ToLower(filepath.Ext(filename))] {
		writeError(w, http.StatusBadRequest, "Only JSON and YAML files are allowed", nil)
		return
	}

	if s.uploadDir != "" && len(content) > 0 {
		path, err := s.stageUpload(filename, content)
		if err != nil {
			s.logger.Error("failed to stage upload", zap.String("file", filename), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Import failed", err.Error())
			return
		}
		defer func() {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to clean up upload", zap.String("path", path), zap.Error(err))
			}
		}()
	}

	data := map[string]interface{}{"file": filename}
	if len(content) > 0 {
		data["content"] = string(content)
	}
	res := s.svc.Call(r.Context(), protocol.CmdAPIsImportFile, data, "API imported successfully")
	if !res.Envelope.Success {
		writeEnvelope(w, res.Status, res.Envelope)
		return
	}

	summary := map[string]interface{}{"api_id": "global", "filename": filename}
	if data, ok := res.Envelope.Data.(map[string]interface{}); ok {
		if id, ok := data["client_id"].(string); ok && id != "" {
			summary["api_id"] = id
		}
		for _, key := range []string{"title", "num_endpoints"} {
			if v, ok := data[key]; ok {
				summary[key] = v
			}
		}
	}
	res.Envelope.Data = summary
	writeEnvelope(w, res.Status, res.Envelope)
}

// readSpec accepts a multipart "file" upload or a JSON body of the form
// {"file": name, "content": text}. Without content the engine resolves the
// file name itself.
func (s *Server) readSpec(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			writeError(w, http.StatusBadRequest, "No file uploaded", err.Error())
			return "", nil, false
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file uploaded", nil)
			return "", nil, false
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file uploaded", err.Error())
			return "", nil, false
		}
		return filepath.Base(header.Filename), content, true
	}

	body, ok := s.decodeBody(w, r)
	if !ok {
		return "", nil, false
	}
	name := str(body, "file")
	if name == "" {
		writeError(w, http.StatusBadRequest, "No file uploaded", nil)
		return "", nil, false
	}
	content, _ := body["content"].(string)
	return filepath.Base(name), []byte(content), true
}

func (s *Server) stageUpload(filename string, content []byte) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(s.uploadDir, filename)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "History is not enabled", nil)
		return
	}
	q := r.URL.Query()
	filter := store.Filter{Command: strings.TrimSpace(q.Get("command"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", raw)
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid success filter", raw)
			return
		}
		filter.Success = &success
	}
	calls, err := s.history.ListCalls(filter)
	if err != nil {
		s.logger.Error("failed to list history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "History retrieval failed", err.Error())
		return
	}
	writeSuccess(w, "History retrieved successfully", map[string]interface{}{"calls": calls})
}

// decodeBody reads a JSON object body. An empty body decodes to an empty map.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	body := map[string]interface{}{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err.Error())
		return nil, false
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, true
}

func str(body map[string]interface{}, key string) string {
	v, _ := body[key].(string)
	return strings.TrimSpace(v)
}

// pick copies the listed keys that are present in body.
func pick(body map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := body[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}
