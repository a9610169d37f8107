// Package store implements the Project Store: a flat directory of JSON
// documents, one file per project, with unknown fields preserved on save.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// ErrProjectNotFound is returned when a project name has no backing file.
var ErrProjectNotFound = errors.New("project not found")

// Store manages project documents under a single root directory.
type Store struct {
	log  logger.Logger
	root string
	mu   sync.Mutex
}

// New builds a Store rooted at dir, creating it if necessary.
func New(log logger.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create projects dir: %w", err)
	}
	return &Store{log: log.Component("store"), root: dir}, nil
}

func (s *Store) pathFor(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	safe := strings.TrimSpace(b.String())
	return filepath.Join(s.root, safe+".json")
}

// List returns a summary of every project in the store, sorted by
// lastModified descending, matching the original's list_projects()
// projection (no full exchange history is paid for here).
func (s *Store) List() ([]model.ProjectSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}
	var out []model.ProjectSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable project file")
			continue
		}
		if !gjson.ValidBytes(data) {
			s.log.Warn().Str("file", e.Name()).Msg("skipping malformed project file")
			continue
		}
		result := gjson.ParseBytes(data)
		out = append(out, model.ProjectSummary{
			Name:         result.Get("name").String(),
			Created:      parseTime(result.Get("created").String()),
			LastModified: parseTime(result.Get("lastModified").String()),
			TargetURL:    result.Get("targetUrl").String(),
			RequestCount: len(result.Get("requests").Array()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.After(out[j].LastModified) })
	return out, nil
}

// Create creates a new, empty project named name and persists it.
func (s *Store) Create(name string) (model.Project, error) {
	now := time.Now()
	p := model.Project{
		Name:         name,
		Created:      now,
		LastModified: now,
		TargetURL:    "https://example.com",
	}
	return p, s.saveRaw(name, projectJSON(p))
}

// Load reads a project's full document by name.
func (s *Store) Load(name string) (model.Project, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Project{}, nil, ErrProjectNotFound
		}
		return model.Project{}, nil, fmt.Errorf("read project %q: %w", name, err)
	}
	p, err := decodeProject(data)
	if err != nil {
		return model.Project{}, nil, fmt.Errorf("decode project %q: %w", name, err)
	}
	return p, data, nil
}

// Save persists p, bumping LastModified, and patches the known fields into
// the project's previously-loaded raw document (prevRaw may be nil for a
// brand new project) so unknown fields survive the round trip.
func (s *Store) Save(p model.Project, prevRaw []byte) error {
	p.LastModified = time.Now()

	base := prevRaw
	if base == nil {
		base = []byte("{}")
	}

	patched, err := patchProject(base, p)
	if err != nil {
		return fmt.Errorf("patch project %q: %w", p.Name, err)
	}
	return s.saveRaw(p.Name, patched)
}

func (s *Store) saveRaw(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.pathFor(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write project %q: %w", name, err)
	}
	return os.Rename(tmp, s.pathFor(name))
}

// Delete removes a project's document.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("delete project %q: %w", name, err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func projectJSON(p model.Project) []byte {
	patched, _ := patchProject([]byte("{}"), p)
	return patched
}

func patchProject(base []byte, p model.Project) ([]byte, error) {
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		base, err = sjson.SetBytes(base, path, value)
	}
	set("name", p.Name)
	set("created", p.Created.Format(time.RFC3339))
	set("lastModified", p.LastModified.Format(time.RFC3339))
	set("targetUrl", p.TargetURL)
	set("historyFilter", p.HistoryFilter)
	set("hideStatic", p.HideStatic)
	set("requests", exchangesToJSON(p.Requests))
	set("exclusionRules", p.ExclusionRules)
	set("matchReplaceRules", p.MatchReplaceRules)
	set("repeaterTabs", p.RepeaterTabs)
	return base, err
}

// exchangesToJSON converts Exchanges to the wire-compatible shape expected
// in the persisted requests array (headers as a plain map, bodies as
// strings) rather than the engine's internal ordered-header representation.
func exchangesToJSON(exs []model.Exchange) []map[string]any {
	out := make([]map[string]any, 0, len(exs))
	for _, ex := range exs {
		headers := map[string]string{}
		for _, h := range ex.ReqHdr {
			headers[h.Name] = h.Value
		}
		entry := map[string]any{
			"id":                ex.ID,
			"seq":               ex.Seq,
			"method":            ex.Method,
			"url":               ex.URL,
			"headers":           headers,
			"body":              string(ex.ReqBody),
			"resourceType":      ex.ResourceType,
			"timestamp":         float64(ex.Timestamp.UnixMilli()) / 1000,
			"state":             string(ex.State),
			"dropped":           ex.Dropped,
			"interceptResponse": ex.InterceptResponse,
		}
		if ex.Response != nil {
			rh := map[string]string{}
			for _, h := range ex.Response.Headers {
				rh[h.Name] = h.Value
			}
			entry["response"] = map[string]any{
				"status":  ex.Response.Status,
				"headers": rh,
				"body":    string(ex.Response.Body),
			}
		}
		out = append(out, entry)
	}
	return out
}

func decodeProject(data []byte) (model.Project, error) {
	var raw struct {
		Name              string                    `json:"name"`
		Created           string                    `json:"created"`
		LastModified      string                    `json:"lastModified"`
		TargetURL         string                    `json:"targetUrl"`
		HistoryFilter     string                    `json:"historyFilter"`
		HideStatic        bool                      `json:"hideStatic"`
		Requests          []rawExchange             `json:"requests"`
		ExclusionRules    []model.ExclusionRule     `json:"exclusionRules"`
		MatchReplaceRules []model.MatchReplaceRule  `json:"matchReplaceRules"`
		RepeaterTabs      []model.RepeaterTab       `json:"repeaterTabs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Project{}, err
	}

	exs := make([]model.Exchange, 0, len(raw.Requests))
	for _, r := range raw.Requests {
		exs = append(exs, r.toExchange())
	}

	return model.Project{
		Name:              raw.Name,
		Created:           parseTime(raw.Created),
		LastModified:       parseTime(raw.LastModified),
		TargetURL:         raw.TargetURL,
		HistoryFilter:     raw.HistoryFilter,
		HideStatic:        raw.HideStatic,
		Requests:          exs,
		ExclusionRules:    raw.ExclusionRules,
		MatchReplaceRules: raw.MatchReplaceRules,
		RepeaterTabs:      raw.RepeaterTabs,
	}, nil
}

type rawExchange struct {
	ID                string            `json:"id"`
	Seq               int64             `json:"seq"`
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body"`
	ResourceType      string            `json:"resourceType"`
	Timestamp         float64           `json:"timestamp"`
	State             string            `json:"state"`
	Dropped           bool              `json:"dropped"`
	InterceptResponse bool              `json:"interceptResponse"`
	Response          *struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	} `json:"response"`
}

func (r rawExchange) toExchange() model.Exchange {
	state := model.State(r.State)
	if state == "" {
		state = model.StateCompleted
	}
	ex := model.Exchange{
		ID:                r.ID,
		Seq:               r.Seq,
		Method:            r.Method,
		URL:               r.URL,
		ReqHdr:            mapToHeaders(r.Headers),
		ReqBody:           []byte(r.Body),
		ResourceType:      r.ResourceType,
		Timestamp:         time.UnixMilli(int64(r.Timestamp * 1000)),
		State:             state,
		Dropped:           r.Dropped,
		InterceptResponse: r.InterceptResponse,
	}
	if r.Response != nil {
		ex.Response = &model.Response{
			Status:  r.Response.Status,
			Headers: mapToHeaders(r.Response.Headers),
			Body:    []byte(r.Response.Body),
		}
	}
	return ex
}

func mapToHeaders(m map[string]string) model.Headers {
	out := make(model.Headers, 0, len(m))
	for k, v := range m {
		out = append(out, model.Header{Name: k, Value: v})
	}
	return out
}
