package mockengine

import (
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed fixtures/*.json
var fixtureFS embed.FS

const (
	mockFixture  = "fixtures/mock-api.json"
	owaspFixture = "fixtures/owasp-vulnerable-api.json"
)

// builtinDocument picks the canned document served for a file name when the
// engine has no file source.
func builtinDocument(file string) []byte {
	name := mockFixture
	if strings.Contains(strings.ToLower(file), "owasp") {
		name = owaspFixture
	}
	raw, err := fixtureFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("mockengine: missing embedded fixture %s: %v", name, err))
	}
	return raw
}

var methodOrder = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodHead, http.MethodOptions, http.MethodTrace,
}

// parseDocument turns an OpenAPI (JSON or YAML) document into a client.
// Endpoints are numbered in path order, then method order.
func parseDocument(raw []byte) (*APIClient, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if doc.OpenAPI == "" || doc.Info == nil {
		return nil, errors.New("document is not an OpenAPI description")
	}

	client := &APIClient{
		Title:     doc.Info.Title,
		Version:   doc.Info.Version,
		Endpoints: []*Endpoint{},
	}
	if len(doc.Servers) > 0 && doc.Servers[0] != nil {
		client.BaseURL = doc.Servers[0].URL
	}
	if doc.Paths == nil {
		return client, nil
	}

	paths := doc.Paths.Map()
	for _, path := range sortedKeys(paths) {
		item := paths[path]
		if item == nil {
			continue
		}
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			client.Endpoints = append(client.Endpoints, &Endpoint{
				ID:          fmt.Sprintf("endpoint_%d", len(client.Endpoints)+1),
				Path:        path,
				Method:      method,
				Summary:     op.Summary,
				Description: op.Description,
				Tags:        dedupe(op.Tags),
				Flags:       []string{},
			})
		}
	}
	return client, nil
}

// Vulnerability is one finding reported for a scan.
type Vulnerability struct {
	EndpointID        string  `json:"endpoint_id"`
	VulnerabilityName string  `json:"vulnerability_name"`
	Severity          string  `json:"severity"`
	CVSSScore         float64 `json:"cvss_score"`
	Description       string  `json:"description"`
	Recommendation    string  `json:"recommendation"`
	TestName          string  `json:"test_name"`
}

type finding struct {
	pathHint string
	Vulnerability
}

var owaspFindings = []finding{
	{"BOLA", Vulnerability{
		VulnerabilityName: "Broken Object Level Authorization (BOLA)",
		Severity:          "High",
		CVSSScore:         8.2,
		Description:       "Objects belonging to other users can be read by changing the identifier in the path.",
		Recommendation:    "Check object ownership on every request that takes an object identifier.",
		TestName:          "bola_id_enumeration",
	}},
	{"AUTH", Vulnerability{
		VulnerabilityName: "Broken Authentication",
		Severity:          "Critical",
		CVSSScore:         9.1,
		Description:       "Credentials are accepted in the query string and login attempts are not rate limited.",
		Recommendation:    "Accept credentials only in the request body and throttle failed logins.",
		TestName:          "auth_bruteforce",
	}},
	{"BFLA", Vulnerability{
		VulnerabilityName: "Broken Function Level Authorization",
		Severity:          "High",
		CVSSScore:         8.8,
		Description:       "Administrative operations are reachable without an administrator role.",
		Recommendation:    "Enforce role checks on administrative functions.",
		TestName:          "bfla_admin_access",
	}},
	{"SSRF", Vulnerability{
		VulnerabilityName: "Server Side Request Forgery (SSRF)",
		Severity:          "High",
		CVSSScore:         8.6,
		Description:       "User supplied URLs are fetched without validation, exposing internal services.",
		Recommendation:    "Validate URLs against an allow list and block internal address ranges.",
		TestName:          "ssrf_internal_fetch",
	}},
}

var genericFindings = []finding{
	{"", Vulnerability{
		VulnerabilityName: "Missing Rate Limiting",
		Severity:          "Medium",
		CVSSScore:         5.3,
		Description:       "The endpoint accepts an unbounded number of requests from one client.",
		Recommendation:    "Apply per-client request quotas.",
		TestName:          "rate_limit_check",
	}},
	{"", Vulnerability{
		VulnerabilityName: "Security Misconfiguration",
		Severity:          "Low",
		CVSSScore:         3.7,
		Description:       "Responses omit standard security headers.",
		Recommendation:    "Send Strict-Transport-Security, X-Content-Type-Options and a Content-Security-Policy.",
		TestName:          "security_headers_check",
	}},
}

// scanFindings returns the canned results for client. Clients whose title
// mentions OWASP get the OWASP set; everything else gets the generic set.
// Each finding is bound to the endpoint whose path carries its hint, or to
// endpoints in order when none does.
func scanFindings(client *APIClient) []Vulnerability {
	set := genericFindings
	if strings.Contains(strings.ToUpper(client.Title), "OWASP") {
		set = owaspFindings
	}
	out := make([]Vulnerability, len(set))
	for i, f := range set {
		v := f.Vulnerability
		if ep := hintedEndpoint(client, f.pathHint); ep != nil {
			v.EndpointID = ep.ID
		} else if n := len(client.Endpoints); n > 0 {
			v.EndpointID = client.Endpoints[i%n].ID
		}
		out[i] = v
	}
	return out
}

func hintedEndpoint(client *APIClient, hint string) *Endpoint {
	if hint == "" {
		return nil
	}
	for _, ep := range client.Endpoints {
		if strings.Contains(strings.ToUpper(ep.Path), hint) {
			return ep
		}
	}
	return nil
}
