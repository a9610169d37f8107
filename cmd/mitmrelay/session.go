package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mitmrelay/internal/captureindex"
	"mitmrelay/internal/coordinator"
	"mitmrelay/internal/driver"
	"mitmrelay/internal/exclude"
	"mitmrelay/internal/identity"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
	"mitmrelay/internal/replay"
	"mitmrelay/internal/router"
	"mitmrelay/internal/rules"
	"mitmrelay/internal/store"
)

// session is the composition root: it owns the one open project's live
// state and wires the Coordinator's collaborator interfaces (Publisher,
// RuleProvider, ExclusionProvider, History) onto it, and satisfies both
// router.Commands and httpapi.Browser for the transport layer.
type session struct {
	log    logger.Logger
	cfg    sessionConfig
	store  *store.Store
	index  *captureindex.Index
	ids    *identity.Allocator
	engine *rules.Engine
	filter *exclude.Filter
	coord  *coordinator.Coordinator
	drv    *driver.Driver
	replayExec *replay.Executor
	hub    *router.Hub

	mu          sync.RWMutex
	projectName string
	project     model.Project
	prevRaw     []byte

	replayMu  sync.Mutex
	replayCancel map[string]context.CancelFunc
}

type sessionConfig struct {
	devtoolsURL string
}

func newSession(log logger.Logger, st *store.Store, idx *captureindex.Index, cfg sessionConfig, replayExec *replay.Executor) *session {
	cache := rules.NewSharedCache()
	s := &session{
		log:          log.Component("session"),
		cfg:          cfg,
		store:        st,
		index:        idx,
		ids:          &identity.Allocator{},
		engine:       rules.New(log, cache),
		filter:       exclude.New(cache),
		replayExec:   replayExec,
		replayCancel: make(map[string]context.CancelFunc),
	}
	s.coord = coordinator.New(log, s.ids, s.engine, s.filter, s.ruleSnapshot, s.exclusionRules, s, s, coordinator.Options{})
	s.hub = router.NewHub(log, s, s.coord.SetOperatorOnline)
	return s
}

func (s *session) ruleSnapshot() *rules.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rules.NewSnapshot(s.project.MatchReplaceRules)
}

func (s *session) exclusionRules() []model.ExclusionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project.ExclusionRules
}

// PublishCapture/PublishPrompt/PublishDegraded implement coordinator.Publisher
// by delegating to the operator channel hub.
func (s *session) PublishCapture(env model.Envelope) { s.hub.PublishCapture(env) }
func (s *session) PublishPrompt(env model.Envelope) bool { return s.hub.PublishPrompt(env) }
func (s *session) PublishDegraded(reason string)     { s.hub.PublishDegraded(reason) }

// Append implements coordinator.History: it mirrors a completed exchange
// into both the in-memory project document and the query index. Persisting
// to disk happens only on an explicit project save, keeping the hot path
// free of filesystem latency.
func (s *session) Append(ex model.Exchange) {
	s.mu.Lock()
	s.project.Requests = append(s.project.Requests, ex)
	s.mu.Unlock()
	s.index.Append(ex)
}

// --- httpapi.Projects ---
//
// session fronts the Project Store for the REST surface, rather than the
// store being wired in directly, so that a save touching the currently
// open project also keeps the live coordinator state (s.project, s.index)
// and the exclusion-rule retroactive purge in sync with what hits disk.

func (s *session) List() ([]model.ProjectSummary, error) { return s.store.List() }

func (s *session) Create(name string) (model.Project, error) { return s.store.Create(name) }

func (s *session) Load(name string) (model.Project, []byte, error) { return s.store.Load(name) }

func (s *session) Delete(name string) error { return s.store.Delete(name) }

// Save persists p, first purging any already-captured request that newly
// matches p.ExclusionRules from p.Requests. If p is the currently open
// project, the live in-memory copy and the capture index are purged the
// same way, so an exclusion rule takes effect against history already
// captured, not just against traffic captured from here on.
func (s *session) Save(p model.Project, prevRaw []byte) error {
	purged := s.purgeExcluded(&p)
	if purged > 0 {
		s.log.Info().Int("purged", purged).Str("project", p.Name).Msg("exclusion rule purged matching history")
	}
	if err := s.store.Save(p, prevRaw); err != nil {
		return err
	}

	s.mu.Lock()
	active := s.projectName == p.Name
	if active {
		s.project = p
	}
	s.mu.Unlock()
	if !active {
		return nil
	}
	_, raw, err := s.store.Load(p.Name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.prevRaw = raw
	s.mu.Unlock()
	return s.index.Rebuild(p.Requests)
}

// purgeExcluded removes from p.Requests every exchange whose URL matches
// one of p.ExclusionRules, reporting how many were dropped.
func (s *session) purgeExcluded(p *model.Project) int {
	if len(p.ExclusionRules) == 0 {
		return 0
	}
	kept := make([]model.Exchange, 0, len(p.Requests))
	purged := 0
	for _, ex := range p.Requests {
		if s.filter.IsExcluded(ex.URL, p.ExclusionRules) {
			purged++
			continue
		}
		kept = append(kept, ex)
	}
	p.Requests = kept
	return purged
}

// OpenProject loads name as the active project, replacing whatever was open.
func (s *session) OpenProject(name string) error {
	p, raw, err := s.store.Load(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.projectName = name
	s.project = p
	s.prevRaw = raw
	s.mu.Unlock()
	return s.index.Rebuild(p.Requests)
}

// SaveActiveProject persists the in-memory project document to disk.
func (s *session) SaveActiveProject() error {
	s.mu.Lock()
	p := s.project
	prev := s.prevRaw
	s.mu.Unlock()
	if p.Name == "" {
		return fmt.Errorf("no active project to save")
	}
	if err := s.store.Save(p, prev); err != nil {
		return err
	}
	_, raw, err := s.store.Load(p.Name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.prevRaw = raw
	s.mu.Unlock()
	return nil
}

// --- router.Commands ---

func (s *session) SetInterceptRequests(on bool)  { s.coord.SetInterceptRequests(on) }
func (s *session) SetInterceptResponses(on bool) { s.coord.SetInterceptResponses(on) }
func (s *session) InterceptStatus() (bool, bool)  { return s.coord.InterceptStatus() }

func (s *session) Forward(ctx context.Context, id string, edit *model.ModifiedEdit, interceptResponse *bool) {
	s.coord.Forward(ctx, id, edit, interceptResponse)
}

func (s *session) Drop(ctx context.Context, id string) { s.coord.Drop(ctx, id) }
func (s *session) StopAll(ctx context.Context) {
	s.coord.StopAll(ctx)
	_ = s.Stop()
}

func (s *session) Replay(ctx context.Context, tabID string, req model.RawRequest) model.ReplayResult {
	rctx, cancel := context.WithCancel(ctx)
	s.replayMu.Lock()
	if old, ok := s.replayCancel[tabID]; ok {
		old()
	}
	s.replayCancel[tabID] = cancel
	s.replayMu.Unlock()
	defer func() {
		s.replayMu.Lock()
		delete(s.replayCancel, tabID)
		s.replayMu.Unlock()
	}()

	res := s.replayExec.Execute(rctx, req)
	out := model.ReplayResult{Status: res.Status, Headers: res.Headers, Body: res.Body}
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, context.Canceled):
		out.Error = "cancelled"
	default:
		out.Error = res.Err.Error()
	}
	return out
}

func (s *session) CancelReplay(tabID string) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if cancel, ok := s.replayCancel[tabID]; ok {
		cancel()
		delete(s.replayCancel, tabID)
	}
}

// --- httpapi.Browser ---

func (s *session) Start(ctx context.Context, targetID string) error {
	if s.drv != nil {
		_ = s.drv.Detach()
	}
	s.drv = driver.New(s.log, s.cfg.devtoolsURL, s.coord.HandleRequest, s.coord.HandleResponse, s.onStreamClosed)
	if err := s.drv.Attach(ctx, targetID); err != nil {
		return err
	}
	return s.drv.Enable()
}

func (s *session) Stop() error {
	if s.drv == nil {
		return nil
	}
	err := s.drv.Detach()
	s.drv = nil
	return err
}

func (s *session) onStreamClosed() {
	s.log.Warn().Msg("browser event stream closed, dropping all suspended exchanges")
	s.coord.StopAll(context.Background())
}
