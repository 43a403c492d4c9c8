package mockengine

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/atat/gateway/internal/protocol"
)

const noAPI = "No API has been imported yet."

func respond(code int, data interface{}) protocol.EngineResponse {
	return protocol.EngineResponse{Code: code, Data: data}
}

func ok(data interface{}) protocol.EngineResponse { return respond(http.StatusOK, data) }

func badRequest(msg string) protocol.EngineResponse { return respond(http.StatusBadRequest, msg) }

func notFound(msg string) protocol.EngineResponse { return respond(http.StatusNotFound, msg) }

func serverError(msg string) protocol.EngineResponse {
	return respond(http.StatusInternalServerError, msg)
}

func notImplemented(*Store, map[string]interface{}) protocol.EngineResponse {
	return serverError("Not yet implemented")
}

func defaultHandlers() map[string]HandlerFunc {
	h := map[string]HandlerFunc{
		protocol.CmdConnectionTest: connectionTest,

		protocol.CmdAPIsImportFile: importFile,
		protocol.CmdAPIsGetAll:     listAPIs,
		protocol.CmdAPIsDetails:    apiDetails,
		protocol.CmdAPIsUpdate:     updateAPI,
		protocol.CmdAPIsDelete:     deleteAPI,
		protocol.CmdAPIsKeySet:     setAPIKey,

		protocol.CmdEndpointsList:        listEndpoints,
		protocol.CmdEndpointsDetails:     endpointDetails,
		protocol.CmdEndpointsTagsAdd:     tagHandler(false, union),
		protocol.CmdEndpointsTagsRemove:  tagHandler(false, difference),
		protocol.CmdEndpointsTagsReplace: tagHandler(true, func(_, tags []string) []string { return tags }),
		protocol.CmdTagsList:             listTags,

		protocol.CmdEndpointsFlagsAdd:    addFlags,
		protocol.CmdEndpointsFlagsRemove: removeFlags,
		protocol.CmdFlagsList:            listFlags,

		protocol.CmdScanCreate:   createScan,
		protocol.CmdScanStart:    startScan,
		protocol.CmdScanStatus:   scanStatus,
		protocol.CmdScanProgress: scanProgress,
		protocol.CmdScanStop:     stopScan,
		protocol.CmdScanResults:  scanResults,
		protocol.CmdScanList:     listScans,
	}
	for _, cmd := range protocol.Unimplemented {
		h[cmd] = notImplemented
	}
	return h
}

func connectionTest(*Store, map[string]interface{}) protocol.EngineResponse {
	return ok(map[string]interface{}{"message": "Connection Established"})
}

// --- APIs ---

func importFile(st *Store, data map[string]interface{}) protocol.EngineResponse {
	file := stringField(data, "file")
	if file == "" {
		return badRequest("Missing 'file' field in request data")
	}

	var raw []byte
	switch content := stringField(data, "content"); {
	case content != "":
		raw = []byte(content)
	case st.filesDir != "":
		b, err := os.ReadFile(filepath.Join(st.filesDir, filepath.Base(file)))
		if errors.Is(err, os.ErrNotExist) {
			return notFound(fmt.Sprintf("File '%s' not found on server.", file))
		}
		if err != nil {
			return serverError(err.Error())
		}
		raw = b
	default:
		raw = builtinDocument(file)
	}

	client, err := parseDocument(raw)
	if err != nil {
		return badRequest("Invalid OpenAPI document: " + err.Error())
	}
	client.ID = st.newID()
	st.addClient(client, APIMetadata{Filename: file, ImportedAt: st.now().UTC()})

	return ok(map[string]interface{}{
		"client_id":     client.ID,
		"api_id":        client.ID,
		"filename":      file,
		"title":         client.Title,
		"num_endpoints": len(client.Endpoints),
	})
}

func listAPIs(st *Store, _ map[string]interface{}) protocol.EngineResponse {
	apis := make([]map[string]interface{}, 0, len(st.clientOrder))
	for _, id := range st.clientOrder {
		c, meta := st.Clients[id], st.Metadata[id]
		apis = append(apis, map[string]interface{}{
			"api_id":      id,
			"name":        c.Title,
			"version":     c.Version,
			"filename":    meta.Filename,
			"imported_at": meta.ImportedAt,
			"active":      st.Global == c,
		})
	}
	return ok(map[string]interface{}{"apis": apis})
}

func apiDetails(st *Store, data map[string]interface{}) protocol.EngineResponse {
	id := clientID(data)
	if id == "" {
		return badRequest("Missing 'api_id' field")
	}
	c, found := st.Clients[id]
	if !found {
		return notFound("API client not found.")
	}
	return ok(map[string]interface{}{
		"api_id":        id,
		"title":         c.Title,
		"version":       c.Version,
		"base_url":      c.BaseURL,
		"num_endpoints": len(c.Endpoints),
		"filename":      st.Metadata[id].Filename,
		"has_api_key":   st.Metadata[id].APIKey != "",
	})
}

func updateAPI(st *Store, data map[string]interface{}) protocol.EngineResponse {
	id := clientID(data)
	if id == "" {
		return badRequest("Missing 'api_id' field")
	}
	c, found := st.Clients[id]
	if !found {
		return notFound("API client not found.")
	}
	updates, _ := data["updates"].(map[string]interface{})
	if v, ok := updates["title"].(string); ok {
		c.Title = v
	}
	if v, ok := updates["version"].(string); ok {
		c.Version = v
	}
	if v, ok := updates["base_url"].(string); ok {
		c.BaseURL = v
	}
	return ok(map[string]interface{}{"message": "API metadata updated successfully."})
}

func deleteAPI(st *Store, data map[string]interface{}) protocol.EngineResponse {
	id := clientID(data)
	if id == "" {
		return badRequest("Missing 'api_id' field")
	}
	if _, found := st.Clients[id]; !found {
		return notFound("API not found.")
	}
	st.removeClient(id)
	return ok(map[string]interface{}{"message": "API deleted successfully."})
}

func setAPIKey(st *Store, data map[string]interface{}) protocol.EngineResponse {
	id, key := clientID(data), stringField(data, "api_key")
	if id == "" || key == "" {
		return badRequest("Missing 'api_id' or 'api_key'")
	}
	meta, found := st.Metadata[id]
	if !found {
		return notFound("API client not found.")
	}
	meta.APIKey = key
	st.Metadata[id] = meta
	return ok(map[string]interface{}{"message": "api key set"})
}

// --- Endpoints and tags ---

func listEndpoints(st *Store, _ map[string]interface{}) protocol.EngineResponse {
	if st.Global == nil {
		return notFound(noAPI)
	}
	return ok(map[string]interface{}{"endpoints": st.Global.clone().Endpoints})
}

func endpointDetails(st *Store, data map[string]interface{}) protocol.EngineResponse {
	id := firstString(data, "id", "endpoint_id")
	path, method := stringField(data, "path"), strings.ToUpper(stringField(data, "method"))
	if id == "" && (path == "" || method == "") {
		return badRequest("Missing 'id' or 'path' and 'method'")
	}
	if st.Global == nil {
		return notFound(noAPI)
	}
	ep := st.Global.endpointByID(id)
	if ep == nil && path != "" && method != "" {
		ep = st.Global.endpointByRoute(path, method)
	}
	if ep == nil {
		return notFound("Endpoint not found")
	}
	return ok(ep.clone())
}

// tagHandler builds the add/remove/replace handlers. Only replace accepts
// an empty tag list.
func tagHandler(allowEmpty bool, apply func(current, tags []string) []string) HandlerFunc {
	return func(st *Store, data map[string]interface{}) protocol.EngineResponse {
		path, method := stringField(data, "path"), strings.ToUpper(stringField(data, "method"))
		tags, present, err := stringList(data, "tags")
		if path == "" || method == "" || !present {
			return badRequest("Missing path, method, or tags")
		}
		if err != nil {
			return badRequest("Tags must be an array of strings")
		}
		if !allowEmpty && len(tags) == 0 {
			return badRequest("Missing path, method, or tags")
		}
		if st.Global == nil {
			return notFound(noAPI)
		}
		ep := st.Global.endpointByRoute(path, method)
		if ep == nil {
			return notFound("Endpoint not found")
		}
		ep.Tags = dedupe(apply(ep.Tags, dedupe(tags)))
		return ok(map[string]interface{}{"tags": append([]string{}, ep.Tags...)})
	}
}

func listTags(st *Store, _ map[string]interface{}) protocol.EngineResponse {
	if st.Global == nil {
		return notFound(noAPI)
	}
	return ok(map[string]interface{}{"tags": st.Global.tags()})
}

// --- Flags ---

func flagRequest(st *Store, data map[string]interface{}) (*Endpoint, []string, *protocol.EngineResponse) {
	fail := func(r protocol.EngineResponse) (*Endpoint, []string, *protocol.EngineResponse) { return nil, nil, &r }

	id := firstString(data, "endpoint_id", "id")
	flags, present, err := stringList(data, "flags")
	if id == "" || !present {
		return fail(badRequest("Missing required fields"))
	}
	if err != nil {
		return fail(badRequest("Flags must be a string or an array of strings"))
	}
	if len(flags) == 0 {
		return fail(badRequest("Missing required fields"))
	}
	if st.Global == nil {
		return fail(notFound(noAPI))
	}
	for _, f := range flags {
		if !validFlag(f) {
			return fail(badRequest("Invalid flag. Valid flags: " + strings.Join(FlagNames(), ", ")))
		}
	}
	ep := st.Global.endpointByID(id)
	if ep == nil {
		return fail(notFound(fmt.Sprintf("Endpoint with ID '%s' not found", id)))
	}
	return ep, dedupe(flags), nil
}

func addFlags(st *Store, data map[string]interface{}) protocol.EngineResponse {
	ep, flags, failure := flagRequest(st, data)
	if failure != nil {
		return *failure
	}
	ep.Flags = union(ep.Flags, flags)
	return ok(map[string]interface{}{"flags": append([]string{}, ep.Flags...)})
}

func removeFlags(st *Store, data map[string]interface{}) protocol.EngineResponse {
	ep, flags, failure := flagRequest(st, data)
	if failure != nil {
		return *failure
	}
	for _, f := range flags {
		if !contains(ep.Flags, f) {
			return badRequest(fmt.Sprintf("Flag '%s' not set on endpoint", f))
		}
	}
	ep.Flags = difference(ep.Flags, flags)
	return ok(map[string]interface{}{
		"flags":   append([]string{}, ep.Flags...),
		"message": fmt.Sprintf("Flag '%s' removed successfully", strings.Join(flags, ", ")),
	})
}

func listFlags(*Store, map[string]interface{}) protocol.EngineResponse {
	return ok(map[string]interface{}{"flags": flagCatalog()})
}

// --- Scans ---

func createScan(st *Store, data map[string]interface{}) protocol.EngineResponse {
	if st.Global == nil {
		return notFound(noAPI)
	}
	if id := clientID(data); id != "" && id != st.Global.ID {
		if _, found := st.Clients[id]; !found {
			return notFound("API client not found, cannot create scan.")
		}
	}
	return ok(map[string]interface{}{
		"message":      "Scan session created. Ready to start.",
		"client_id":    st.Global.ID,
		"scan_profile": stringField(data, "scan_profile"),
	})
}

func startScan(st *Store, data map[string]interface{}) protocol.EngineResponse {
	if st.Global == nil {
		return notFound(noAPI)
	}
	st.scanSeq++
	started := st.now()
	scan := &Scan{
		ID:        fmt.Sprintf("scan_%d_%d", st.scanSeq, started.UnixMilli()),
		Status:    ScanRunning,
		ClientID:  st.Global.ID,
		APIName:   stringField(data, "api_name"),
		Profile:   stringField(data, "scan_profile"),
		StartedAt: started.UTC(),
		Results:   scanFindings(st.Global),
	}
	st.addScan(scan)
	return ok(map[string]interface{}{
		"scan_id":   scan.ID,
		"status":    scan.Status,
		"client_id": scan.ClientID,
	})
}

// lookupScan validates scan_id and finds the scan after settling timers.
func lookupScan(st *Store, data map[string]interface{}) (*Scan, *protocol.EngineResponse) {
	id := stringField(data, "scan_id")
	if id == "" {
		r := badRequest("Missing 'scan_id' field")
		return nil, &r
	}
	st.settle()
	scan, found := st.Scans[id]
	if !found {
		r := notFound(fmt.Sprintf("Scan with ID %s not found.", id))
		return nil, &r
	}
	return scan, nil
}

func scanStatus(st *Store, data map[string]interface{}) protocol.EngineResponse {
	scan, failure := lookupScan(st, data)
	if failure != nil {
		return *failure
	}
	view := *scan
	out := map[string]interface{}{"scan": view, "scan_id": scan.ID, "status": scan.Status}
	if scan.Status == ScanCompleted {
		out["results"] = scan.Results
	}
	return ok(out)
}

func scanProgress(st *Store, data map[string]interface{}) protocol.EngineResponse {
	scan, failure := lookupScan(st, data)
	if failure != nil {
		return *failure
	}
	progress := 100
	if scan.Status == ScanRunning {
		progress = 50
	}
	return ok(map[string]interface{}{
		"scan_id":  scan.ID,
		"status":   scan.Status,
		"progress": progress,
	})
}

func stopScan(st *Store, data map[string]interface{}) protocol.EngineResponse {
	scan, failure := lookupScan(st, data)
	if failure != nil {
		return *failure
	}
	if scan.Status == ScanRunning {
		stopped := st.now().UTC()
		scan.Status = ScanStopped
		scan.StoppedAt = &stopped
	}
	return ok(map[string]interface{}{
		"scan_id": scan.ID,
		"status":  scan.Status,
		"message": fmt.Sprintf("Stop request received for scan %s", scan.ID),
	})
}

func scanResults(st *Store, data map[string]interface{}) protocol.EngineResponse {
	scan, failure := lookupScan(st, data)
	if failure != nil {
		return *failure
	}
	return ok(map[string]interface{}{
		"scan_id": scan.ID,
		"status":  scan.Status,
		"result":  scan.Results,
	})
}

func listScans(st *Store, _ map[string]interface{}) protocol.EngineResponse {
	st.settle()
	if len(st.Scans) == 0 {
		return notFound("No scans found.")
	}
	scans := make(map[string][]Vulnerability, len(st.Scans))
	for _, id := range st.scanOrder {
		scans[id] = st.Scans[id].Results
	}
	return ok(map[string]interface{}{"scans": scans})
}

// --- Request helpers ---

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}

func firstString(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringField(data, k); s != "" {
			return s
		}
	}
	return ""
}

// clientID accepts either spelling the gateway and the engine have used.
func clientID(data map[string]interface{}) string {
	return firstString(data, "api_id", "client_id")
}

// stringList reads key as a list of strings. A lone string counts as a
// one-element list. present is false when the key is missing or null.
func stringList(data map[string]interface{}, key string) (values []string, present bool, err error) {
	switch v := data[key].(type) {
	case nil:
		return nil, false, nil
	case string:
		return []string{v}, true, nil
	case []string:
		return v, true, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("%s must contain only strings", key)
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("%s must be a list", key)
	}
}

func contains(values []string, v string) bool {
	for _, have := range values {
		if have == v {
			return true
		}
	}
	return false
}
