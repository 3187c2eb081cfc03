// Package memstore is an in-memory eventstore.Store used by unit tests
// and by callers that don't need durability across process restarts.
// It implements the exact append algorithm of spec.md §4.1 so the
// invariant/property tests in internal/orchestrator and internal/hooks
// can run without a real database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentcore-dev/core/internal/coreerr"
	"github.com/agentcore-dev/core/internal/eventstore"
	"github.com/agentcore-dev/core/pkg/types"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	events   map[string]types.Event
	children map[string][]string // eventID -> child event ids, insertion order
	maxSeq   map[string]int64    // sessionID -> highest sequence issued

	blobs       map[string][]byte
	blobTypes   map[string]string
	blobByHash  map[string]string // content hash -> blobID, for idempotent StoreBlob

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		sessions:   make(map[string]*types.Session),
		events:     make(map[string]types.Event),
		children:   make(map[string][]string),
		maxSeq:     make(map[string]int64),
		blobs:      make(map[string][]byte),
		blobTypes:  make(map[string]string),
		blobByHash: make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
	}
}

var _ eventstore.Store = (*Store)(nil)

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// Append implements spec.md §4.1's eight-step algorithm. The per-session
// lock (step 1) is the only in-process serialization point; everything
// else is computed under it so readers see the full new event or none.
func (s *Store) Append(ctx context.Context, in eventstore.AppendInput) (types.Event, error) {
	lock := s.sessionLock(in.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[in.SessionID]
	if !ok {
		s.mu.Unlock()
		return types.Event{}, coreerr.SessionNotFound(in.SessionID)
	}

	parentID := in.ParentID
	if parentID == "" {
		parentID = sess.HeadEventID
	} else if parentID != sess.HeadEventID {
		if parentEvt, ok := s.events[parentID]; !ok || parentEvt.SessionID != in.SessionID {
			s.mu.Unlock()
			return types.Event{}, coreerr.ParentMismatch(parentID, in.SessionID)
		}
	}

	nextSeq := s.maxSeq[in.SessionID] + 1
	s.mu.Unlock()

	id := eventstore.NewID()
	now := time.Now().UTC()

	payload, err := eventstore.FilterPayload(in.Payload, func(content string) (string, error) {
		return s.storeBlobLocked([]byte(content), "text/plain")
	})
	if err != nil {
		return types.Event{}, coreerr.Wrap("storage_failure", coreerr.Storage, true, "filtering payload", err)
	}

	evt := types.Event{
		ID:          id,
		ParentID:    parentID,
		SessionID:   in.SessionID,
		WorkspaceID: in.WorkspaceID,
		Sequence:    nextSeq,
		Timestamp:   now,
		Kind:        in.Kind,
		Payload:     payload,
		RunID:       in.RunID,
	}

	s.mu.Lock()
	s.events[id] = evt
	s.maxSeq[in.SessionID] = nextSeq
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], id)
	}
	if sess.RootEventID == "" {
		sess.RootEventID = id
	}
	if parentID == sess.HeadEventID {
		sess.HeadEventID = id
	}
	sess.LastActivityAt = now
	s.mu.Unlock()

	return evt, nil
}

func (s *Store) storeBlobLocked(data []byte, contentType string) (string, error) {
	hash := eventstore.HashContent(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.blobByHash[hash]; ok {
		return id, nil
	}
	id := eventstore.NewID()
	s.blobs[id] = data
	s.blobTypes[id] = contentType
	s.blobByHash[hash] = id
	return id, nil
}

func (s *Store) StoreBlob(ctx context.Context, contentType string, data []byte) (string, error) {
	return s.storeBlobLocked(data, contentType)
}

func (s *Store) GetBlob(ctx context.Context, blobID string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[blobID]
	if !ok {
		return nil, "", nil
	}
	return data, s.blobTypes[blobID], nil
}

func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]types.Event, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, coreerr.SessionNotFound(sessionID)
	}
	if sess.HeadEventID == "" {
		return nil, nil
	}
	return s.GetAncestors(ctx, sess.HeadEventID)
}

func (s *Store) GetChildren(ctx context.Context, eventID string) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[eventID]
	out := make([]types.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id])
	}
	return out, nil
}

func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []types.Event
	cur := eventID
	for cur != "" {
		evt, ok := s.events[cur]
		if !ok {
			return nil, coreerr.EventNotFound(cur)
		}
		chain = append(chain, evt)
		cur = evt.ParentID
	}
	// chain is leaf->root; reverse to root->leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *Store) Search(ctx context.Context, query string, filters types.SearchFilters) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kindOK := func(k types.Kind) bool {
		if len(filters.Kinds) == 0 {
			return true
		}
		for _, fk := range filters.Kinds {
			if fk == k {
				return true
			}
		}
		return false
	}

	var results []types.SearchResult
	for _, evt := range s.events {
		if !types.TextIndexable(evt.Kind) {
			continue
		}
		if filters.SessionID != "" && evt.SessionID != filters.SessionID {
			continue
		}
		if filters.WorkspaceID != "" && evt.WorkspaceID != filters.WorkspaceID {
			continue
		}
		if !kindOK(evt.Kind) {
			continue
		}
		text := textFields(evt.Payload)
		idx := containsFold(text, query)
		if idx < 0 {
			continue
		}
		results = append(results, types.SearchResult{
			Event:     evt,
			Snippet:   snippet(text, idx, len(query)),
			Relevance: 1.0,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Event.Timestamp.After(results[j].Event.Timestamp)
	})

	limit := filters.Limit
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func textFields(p types.Payload) string {
	var out string
	for _, key := range []string{"message", "text", "error_message", "content", "contentPreview"} {
		if v, ok := p[key]; ok {
			if s, ok := v.(string); ok {
				out += s + " "
			}
		}
	}
	return out
}

func (s *Store) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (types.Event, error) {
	return s.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID,
		Kind:      types.KindMessageDel,
		Payload: types.Payload{
			"targetEventId": targetEventID,
			"reason":        reason,
		},
	})
}

func (s *Store) UpdateSessionSpawnInfo(ctx context.Context, sessionID, parentSessionID string, spawnType types.SpawnType, spawnTask string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return coreerr.SessionNotFound(sessionID)
	}
	sess.ParentSessionID = parentSessionID
	sess.SpawnType = spawnType
	sess.SpawnTask = spawnTask
	return nil
}

func (s *Store) UpdateLatestModel(ctx context.Context, sessionID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return coreerr.SessionNotFound(sessionID)
	}
	sess.Model = model
	return nil
}

func (s *Store) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return coreerr.SessionNotFound(sessionID)
	}
	sess.Title = title
	return nil
}

func (s *Store) UpdateSessionStats(ctx context.Context, sessionID string, turnDelta int, tokens types.RawTokenUsage, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return coreerr.SessionNotFound(sessionID)
	}
	sess.TurnCount += turnDelta
	sess.TotalInputTokens += tokens.InputTokens
	sess.TotalOutputTokens += tokens.OutputTokens
	sess.CacheReadTokens += tokens.CacheReadTokens
	sess.CacheCreationTokens += tokens.CacheCreationTokens
	sess.TotalCost += cost
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if _, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: sessionID,
		Kind:      types.KindSessionEnd,
		Payload:   types.Payload{"reason": reason},
	}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	now := time.Now().UTC()
	sess.EndedAt = &now
	return nil
}

func (s *Store) Fork(ctx context.Context, sourceSessionID, sourceEventID, newSessionID, name string) (types.Session, error) {
	s.mu.RLock()
	srcEvt, ok := s.events[sourceEventID]
	s.mu.RUnlock()
	if !ok || srcEvt.SessionID != sourceSessionID {
		return types.Session{}, coreerr.EventNotFound(sourceEventID)
	}

	now := time.Now().UTC()
	newSess := types.Session{
		ID:              newSessionID,
		WorkingDir:      "",
		ParentSessionID: sourceSessionID,
		SpawnType:       types.SpawnFork,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if err := s.CreateSession(ctx, newSess); err != nil {
		return types.Session{}, err
	}

	root, err := s.Append(ctx, eventstore.AppendInput{
		SessionID: newSessionID,
		Kind:      types.KindSessionFork,
		Payload: types.Payload{
			"sourceSessionId": sourceSessionID,
			"sourceEventId":   sourceEventID,
			"name":            name,
		},
	})
	if err != nil {
		return types.Session{}, err
	}

	s.mu.RLock()
	cp := *s.sessions[newSessionID]
	s.mu.RUnlock()
	cp.RootEventID = root.ID
	cp.HeadEventID = root.ID
	return cp, nil
}

func (s *Store) Tree(ctx context.Context, sessionID string) ([]types.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, coreerr.SessionNotFound(sessionID)
	}
	if sess.RootEventID == "" {
		return nil, nil
	}

	depths := map[string]int{}
	var nodes []types.TreeNode
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		evt, ok := s.events[id]
		if !ok {
			return
		}
		depths[id] = depth
		childIDs := s.children[id]
		nodes = append(nodes, types.TreeNode{
			ID:            evt.ID,
			ParentID:      evt.ParentID,
			Kind:          evt.Kind,
			Timestamp:     evt.Timestamp,
			Summary:       eventstore.Summary(evt.Kind, evt.Payload),
			HasChildren:   len(childIDs) > 0,
			ChildCount:    len(childIDs),
			Depth:         depth,
			IsBranchPoint: len(childIDs) > 1,
			IsHead:        evt.ID == sess.HeadEventID,
		})
		for _, cid := range childIDs {
			walk(cid, depth+1)
		}
	}
	walk(sess.RootEventID, 0)
	return nodes, nil
}

func (s *Store) Close() error { return nil }

func containsFold(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	hl := lower(haystack)
	nl := lower(needle)
	for i := 0; i+len(nl) <= len(hl); i++ {
		if hl[i:i+len(nl)] == nl {
			return i
		}
	}
	return -1
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func snippet(text string, idx, n int) string {
	start := idx - 20
	if start < 0 {
		start = 0
	}
	end := idx + n + 20
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
