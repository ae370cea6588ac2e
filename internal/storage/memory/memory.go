// Package memory is an in-process implementation of every store the pipeline
// uses. It backs unit tests and the single-binary demo mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/contract-catalog/internal/errors"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/types"
)

// Store holds the raw log, staging relations, catalogue, runs, marts and locks
type Store struct {
	mu sync.RWMutex

	raw         []models.RawEvent
	blocks      map[string]models.StagingBlock
	txs         map[string]models.StagingTransaction
	ops         map[string]models.StagingAddressOperation
	events      map[string]models.StagingContractEvent
	deadLetters map[string]models.DeadLetter
	watermarks  map[string]time.Time

	contracts map[string]*models.Contract
	tokens    map[string]*models.Token
	runs      map[string]*models.PipelineRun
	marts     map[string][]models.MartTable
	locks     map[string]lock

	now func() time.Time
}

type lock struct {
	token   string
	expires time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		blocks:      map[string]models.StagingBlock{},
		txs:         map[string]models.StagingTransaction{},
		ops:         map[string]models.StagingAddressOperation{},
		events:      map[string]models.StagingContractEvent{},
		deadLetters: map[string]models.DeadLetter{},
		watermarks:  map[string]time.Time{},
		contracts:   map[string]*models.Contract{},
		tokens:      map[string]*models.Token{},
		runs:        map[string]*models.PipelineRun{},
		marts:       map[string][]models.MartTable{},
		locks:       map[string]lock{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Raw log

// AppendRawEvent adds an entry to the raw log, assigning an ID when empty
func (s *Store) AppendRawEvent(e models.RawEvent) models.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.now()
	}
	s.raw = append(s.raw, e)
	return e
}

// ReadRawEvents implements staging.RawEventSource
func (s *Store) ReadRawEvents(ctx context.Context, w models.Window, after *models.Cursor, limit int) ([]models.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RawEvent
	for _, e := range s.raw {
		if w.Contains(e.ReceivedAt) && after.After(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Staging

// WriteStaging implements staging.Store with replace-by-key semantics
func (s *Store) WriteStaging(ctx context.Context, batch *models.StagingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batch.Blocks {
		s.blocks[b.BlockHash] = b
	}
	for _, tx := range batch.Transactions {
		tx.FunctionArgs = append([]string{}, tx.FunctionArgs...)
		s.txs[tx.TxHash] = tx
	}
	for _, op := range batch.Operations {
		s.ops[op.Key()] = op
	}
	for _, ev := range batch.Events {
		s.events[ev.Key()] = ev
	}
	return nil
}

// WriteDeadLetters implements staging.Store
func (s *Store) WriteDeadLetters(ctx context.Context, letters []models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range letters {
		s.deadLetters[l.RawID] = l
	}
	return nil
}

// DeadLetters returns captured payloads ordered by raw ID
func (s *Store) DeadLetters() []models.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeadLetter, 0, len(s.deadLetters))
	for _, l := range s.deadLetters {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawID < out[j].RawID })
	return out
}

// GetWatermark implements staging.WatermarkStore
func (s *Store) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[name], nil
}

// SetWatermark implements staging.WatermarkStore; it never moves backwards
func (s *Store) SetWatermark(ctx context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.watermarks[name]) {
		s.watermarks[name] = t
	}
	return nil
}

// ReadStaging returns staged rows whose timestamp falls in the window,
// in deterministic key order.
func (s *Store) ReadStaging(ctx context.Context, w models.Window) (*models.StagingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &models.StagingBatch{}
	for _, b := range s.blocks {
		if w.Contains(b.Timestamp) {
			out.Blocks = append(out.Blocks, b)
		}
	}
	for _, tx := range s.txs {
		if w.Contains(tx.Timestamp) {
			out.Transactions = append(out.Transactions, tx)
		}
	}
	for _, op := range s.ops {
		if w.Contains(op.Timestamp) {
			out.Operations = append(out.Operations, op)
		}
	}
	for _, ev := range s.events {
		if w.Contains(ev.Timestamp) {
			out.Events = append(out.Events, ev)
		}
	}
	sort.Slice(out.Blocks, func(i, j int) bool { return out.Blocks[i].BlockHash < out.Blocks[j].BlockHash })
	sort.Slice(out.Transactions, func(i, j int) bool { return out.Transactions[i].TxHash < out.Transactions[j].TxHash })
	sort.Slice(out.Operations, func(i, j int) bool { return out.Operations[i].Key() < out.Operations[j].Key() })
	sort.Slice(out.Events, func(i, j int) bool { return out.Events[i].Key() < out.Events[j].Key() })
	return out, nil
}

// ContractActivity returns the staged calls to identifier in the window and
// the events those calls emitted or that moved assets to or from it
func (s *Store) ContractActivity(ctx context.Context, identifier string, w models.Window) (*models.StagingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &models.StagingBatch{}
	calls := map[string]bool{}
	for _, tx := range s.txs {
		if tx.ContractIdentifier == identifier && w.Contains(tx.Timestamp) {
			out.Transactions = append(out.Transactions, tx)
			calls[tx.TxHash] = true
		}
	}
	for _, ev := range s.events {
		if !w.Contains(ev.Timestamp) {
			continue
		}
		if calls[ev.TxHash] || ev.Sender == identifier || ev.Recipient == identifier {
			out.Events = append(out.Events, ev)
		}
	}
	sort.Slice(out.Transactions, func(i, j int) bool { return out.Transactions[i].TxHash < out.Transactions[j].TxHash })
	sort.Slice(out.Events, func(i, j int) bool { return out.Events[i].Key() < out.Events[j].Key() })
	return out, nil
}

// DeploySource returns the source code of the contract's deploy transaction
func (s *Store) DeploySource(ctx context.Context, identifier string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txs {
		if tx.Kind == types.TxContractDeploy && tx.ContractIdentifier == identifier && tx.SourceCode != "" {
			return tx.SourceCode, true, nil
		}
	}
	return "", false, nil
}

// Contracts

// InsertContractIfAbsent inserts a new catalogue row and never touches an existing one
func (s *Store) InsertContractIfAbsent(ctx context.Context, c *models.Contract) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.Identifier]; ok {
		return false, nil
	}
	row := c.Clone()
	row.CreatedAt, row.UpdatedAt = s.now(), s.now()
	s.contracts[c.Identifier] = row
	return true, nil
}

// GetContract returns a copy of the row
func (s *Store) GetContract(ctx context.Context, identifier string) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[identifier]
	if !ok {
		return nil, apperrors.NewNotFoundError("contract", identifier)
	}
	return c.Clone(), nil
}

// ListContracts returns rows ranked by transaction count then recency
func (s *Store) ListContracts(ctx context.Context, f models.ContractFilter) ([]*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Contract
	for _, c := range s.contracts {
		if f.Status != "" && c.AnalysisStatus != f.Status {
			continue
		}
		if f.Classification != "" && (c.Classification == nil || *c.Classification != f.Classification) {
			continue
		}
		out = append(out, c.Clone())
	}
	sortContracts(out)
	return page(out, f.Offset, f.Limit), nil
}

// CountContractsSince counts rows created at or after since
func (s *Store) CountContractsSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.contracts {
		if !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ClaimContracts moves discovered rows not attempted since retryBefore, and
// analyzing rows last touched before staleBefore, into analyzing and returns them.
func (s *Store) ClaimContracts(ctx context.Context, limit int, staleBefore, retryBefore time.Time) ([]*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Contract
	for _, c := range s.contracts {
		switch {
		case c.AnalysisStatus == types.AnalysisDiscovered && (c.AnalyzedAt == nil || c.AnalyzedAt.Before(retryBefore)):
		case c.AnalysisStatus == types.AnalysisAnalyzing && c.UpdatedAt.Before(staleBefore):
		default:
			continue
		}
		candidates = append(candidates, c)
	}
	sortContracts(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*models.Contract, 0, len(candidates))
	for _, c := range candidates {
		c.AnalysisStatus = types.AnalysisAnalyzing
		c.UpdatedAt = s.now()
		out = append(out, c.Clone())
	}
	return out, nil
}

// SaveAnalysis writes the analyzer-owned columns of a claimed row
func (s *Store) SaveAnalysis(ctx context.Context, c *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.contracts[c.Identifier]
	if !ok {
		return apperrors.NewNotFoundError("contract", c.Identifier)
	}
	if !cur.AnalysisStatus.CanTransitionTo(c.AnalysisStatus) {
		return apperrors.NewConflictError(fmt.Sprintf("contract %s cannot move from %s to %s",
			c.Identifier, cur.AnalysisStatus, c.AnalysisStatus))
	}
	next := c.Clone()
	cur.AnalysisStatus = next.AnalysisStatus
	cur.Interface = next.Interface
	cur.Source = next.Source
	cur.Classification = next.Classification
	cur.ClassificationErrors = next.ClassificationErrors
	cur.AnalyzedAt = next.AnalyzedAt
	cur.UpdatedAt = s.now()
	return nil
}

// RequestReanalysis returns an analyzed or errored contract to discovered
func (s *Store) RequestReanalysis(ctx context.Context, identifier string) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.contracts[identifier]
	if !ok {
		return nil, apperrors.NewNotFoundError("contract", identifier)
	}
	if cur.AnalysisStatus != types.AnalysisAnalyzed && cur.AnalysisStatus != types.AnalysisError {
		return nil, apperrors.NewConflictError(fmt.Sprintf("contract %s is %s", identifier, cur.AnalysisStatus))
	}
	cur.AnalysisStatus = types.AnalysisDiscovered
	cur.AnalyzedAt = nil
	cur.UpdatedAt = s.now()
	return cur.Clone(), nil
}

// Tokens

// InsertTokenIfAbsent inserts a new token row and never touches an existing one
func (s *Store) InsertTokenIfAbsent(ctx context.Context, t *models.Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ContractIdentifier]; ok {
		return false, nil
	}
	row := t.Clone()
	row.CreatedAt, row.UpdatedAt = s.now(), s.now()
	s.tokens[t.ContractIdentifier] = row
	return true, nil
}

// GetToken returns a copy of the row
func (s *Store) GetToken(ctx context.Context, identifier string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[identifier]
	if !ok {
		return nil, apperrors.NewNotFoundError("token", identifier)
	}
	return t.Clone(), nil
}

// ListTokens returns rows ranked by transaction count then recency
func (s *Store) ListTokens(ctx context.Context, f models.TokenFilter) ([]*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Token
	for _, t := range s.tokens {
		if f.Status != "" && t.ValidationStatus != f.Status {
			continue
		}
		if f.TokenType != "" && t.TokenType != f.TokenType {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTokens(out)
	return page(out, f.Offset, f.Limit), nil
}

// CountTokensSince counts rows created at or after since
func (s *Store) CountTokensSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, t := range s.tokens {
		if !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListPendingTokens returns pending tokens not attempted since retryBefore
func (s *Store) ListPendingTokens(ctx context.Context, limit int, retryBefore time.Time) ([]*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Token
	for _, t := range s.tokens {
		if t.ValidationStatus != types.ValidationPending {
			continue
		}
		if t.LastEnrichedAt != nil && !t.LastEnrichedAt.Before(retryBefore) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTokens(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveEnrichment writes the enrichment-owned columns of a token
func (s *Store) SaveEnrichment(ctx context.Context, t *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tokens[t.ContractIdentifier]
	if !ok {
		return apperrors.NewNotFoundError("token", t.ContractIdentifier)
	}
	if !cur.ValidationStatus.CanTransitionTo(t.ValidationStatus) {
		return apperrors.NewConflictError(fmt.Sprintf("token %s cannot move from %s to %s",
			t.ContractIdentifier, cur.ValidationStatus, t.ValidationStatus))
	}
	next := t.Clone()
	cur.Name = next.Name
	cur.Symbol = next.Symbol
	cur.Decimals = next.Decimals
	cur.TotalSupply = next.TotalSupply
	cur.TokenURI = next.TokenURI
	cur.ImageURL = next.ImageURL
	cur.Description = next.Description
	cur.ValidationStatus = next.ValidationStatus
	cur.EnrichmentAttempts = next.EnrichmentAttempts
	cur.LastEnrichedAt = next.LastEnrichedAt
	cur.UpdatedAt = s.now()
	return nil
}

// Runs

// SaveRun upserts a pipeline run
func (s *Store) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Steps = append([]models.StepResult(nil), run.Steps...)
	cp.Marts = append([]string(nil), run.Marts...)
	s.runs[run.ID] = &cp
	return nil
}

// GetRun returns a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("pipeline run", id)
	}
	cp := *r
	cp.Steps = append([]models.StepResult(nil), r.Steps...)
	return &cp, nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PipelineRun, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, 0, limit), nil
}

// Marts

// WriteMart replaces or appends a materialized table
func (s *Store) WriteMart(ctx context.Context, table models.MartTable, disposition types.Disposition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if disposition == types.DispositionOverwrite {
		s.marts[table.Name] = []models.MartTable{table}
	} else {
		s.marts[table.Name] = append(s.marts[table.Name], table)
	}
	return int64(len(table.Rows)), nil
}

// Mart returns every row currently in a mart table
func (s *Store) Mart(name string) [][]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows [][]any
	for _, t := range s.marts[name] {
		rows = append(rows, t.Rows...)
	}
	return rows
}

// Locks

// TryLock acquires key for ttl unless another holder's lease is live
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && s.now().Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.locks[key] = lock{token: token, expires: s.now().Add(ttl)}
	return token, true, nil
}

// Unlock releases key when token still owns it
func (s *Store) Unlock(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.token == token {
		delete(s.locks, key)
	}
	return nil
}

func sortContracts(cs []*models.Contract) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].TransactionCount != cs[j].TransactionCount {
			return cs[i].TransactionCount > cs[j].TransactionCount
		}
		if !cs[i].LastSeen.Equal(cs[j].LastSeen) {
			return cs[i].LastSeen.After(cs[j].LastSeen)
		}
		return cs[i].Identifier < cs[j].Identifier
	})
}

func sortTokens(ts []*models.Token) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].TransactionCount != ts[j].TransactionCount {
			return ts[i].TransactionCount > ts[j].TransactionCount
		}
		if !ts[i].LastSeen.Equal(ts[j].LastSeen) {
			return ts[i].LastSeen.After(ts[j].LastSeen)
		}
		return ts[i].ContractIdentifier < ts[j].ContractIdentifier
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
