package mockengine

import (
	"sort"
	"time"
)

// Endpoint is one operation of an imported API.
type Endpoint struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Method      string   `json:"method"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Flags       []string `json:"flags"`
}

func (ep *Endpoint) clone() *Endpoint {
	out := *ep
	out.Tags = append([]string{}, ep.Tags...)
	out.Flags = append([]string{}, ep.Flags...)
	return &out
}

// APIClient is an imported API description.
type APIClient struct {
	ID        string      `json:"client_id"`
	Title     string      `json:"title"`
	Version   string      `json:"version"`
	BaseURL   string      `json:"base_url"`
	Endpoints []*Endpoint `json:"endpoints"`
}

func (c *APIClient) clone() *APIClient {
	out := *c
	out.Endpoints = make([]*Endpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		out.Endpoints[i] = ep.clone()
	}
	return &out
}

func (c *APIClient) endpointByRoute(path, method string) *Endpoint {
	for _, ep := range c.Endpoints {
		if ep.Path == path && ep.Method == method {
			return ep
		}
	}
	return nil
}

func (c *APIClient) endpointByID(id string) *Endpoint {
	for _, ep := range c.Endpoints {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// tags returns every tag used by the client's endpoints, first use first.
func (c *APIClient) tags() []string {
	out := []string{}
	for _, ep := range c.Endpoints {
		out = union(out, ep.Tags)
	}
	return out
}

// APIMetadata is what the engine remembers about an import.
type APIMetadata struct {
	Filename   string    `json:"filename"`
	ImportedAt time.Time `json:"imported_at"`
	APIKey     string    `json:"-"`
}

// Scan status values.
const (
	ScanRunning   = "running"
	ScanStopped   = "stopped"
	ScanCompleted = "completed"
)

// Scan is one run against the active client.
type Scan struct {
	ID        string          `json:"scan_id"`
	Status    string          `json:"status"`
	ClientID  string          `json:"client_id"`
	APIName   string          `json:"api_name,omitempty"`
	Profile   string          `json:"scan_profile,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Results   []Vulnerability `json:"-"`
}

// Store is everything one engine instance knows. Handlers receive it with
// the engine lock held.
type Store struct {
	// Global is the active client. Every endpoint, tag, flag and scan
	// command works against it; an import replaces it.
	Global   *APIClient
	Clients  map[string]*APIClient
	Metadata map[string]APIMetadata
	Scans    map[string]*Scan

	clientOrder []string
	scanOrder   []string
	scanSeq     int

	now          func() time.Time
	newID        func() string
	filesDir     string
	scanDuration time.Duration
}

func newStore() *Store {
	return &Store{
		Clients:  map[string]*APIClient{},
		Metadata: map[string]APIMetadata{},
		Scans:    map[string]*Scan{},
	}
}

// clear drops all data and counters but keeps the environment.
func (s *Store) clear() {
	s.Global = nil
	s.Clients = map[string]*APIClient{}
	s.Metadata = map[string]APIMetadata{}
	s.Scans = map[string]*Scan{}
	s.clientOrder = nil
	s.scanOrder = nil
	s.scanSeq = 0
}

func (s *Store) addClient(c *APIClient, meta APIMetadata) {
	if _, exists := s.Clients[c.ID]; !exists {
		s.clientOrder = append(s.clientOrder, c.ID)
	}
	s.Clients[c.ID] = c
	s.Metadata[c.ID] = meta
	s.Global = c
}

func (s *Store) removeClient(id string) {
	delete(s.Clients, id)
	delete(s.Metadata, id)
	for i, cid := range s.clientOrder {
		if cid == id {
			s.clientOrder = append(s.clientOrder[:i], s.clientOrder[i+1:]...)
			break
		}
	}
	if s.Global != nil && s.Global.ID == id {
		s.Global = nil
	}
	for _, sid := range append([]string{}, s.scanOrder...) {
		if s.Scans[sid].ClientID == id {
			s.removeScan(sid)
		}
	}
}

func (s *Store) addScan(scan *Scan) {
	s.Scans[scan.ID] = scan
	s.scanOrder = append(s.scanOrder, scan.ID)
}

func (s *Store) removeScan(id string) {
	delete(s.Scans, id)
	for i, sid := range s.scanOrder {
		if sid == id {
			s.scanOrder = append(s.scanOrder[:i], s.scanOrder[i+1:]...)
			return
		}
	}
}

// settle completes running scans that have outlived the configured scan
// duration. Without a duration scans run until stopped.
func (s *Store) settle() {
	if s.scanDuration <= 0 {
		return
	}
	now := s.now()
	for _, scan := range s.Scans {
		if scan.Status == ScanRunning && now.Sub(scan.StartedAt) >= s.scanDuration {
			scan.Status = ScanCompleted
			done := scan.StartedAt.Add(s.scanDuration)
			scan.StoppedAt = &done
		}
	}
}

// union appends the members of add missing from base, keeping order.
func union(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, group := range [][]string{base, add} {
		for _, v := range group {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// difference returns base without the members of drop, keeping order.
func difference(base, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, v := range drop {
		skip[v] = struct{}{}
	}
	out := make([]string, 0, len(base))
	for _, v := range base {
		if _, ok := skip[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// dedupe keeps the first occurrence of every value.
func dedupe(values []string) []string {
	return union(nil, values)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
