package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cashsettle/internal/config"
	"cashsettle/internal/infrastructure/cache"
	"cashsettle/internal/model"
	"cashsettle/internal/repository"
)

type closed struct {
	status       string
	errorMessage string
	event        *model.OutboxMessage
}

type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*model.CashSettlement
	history     map[string][]string
	completions map[string]*repository.Completion
	closes      map[string]closed
	interrupted []string
	movements   map[string][]*model.CashMovement
	createErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     map[string]*model.CashSettlement{},
		history:     map[string][]string{},
		completions: map[string]*repository.Completion{},
		closes:      map[string]closed{},
		movements:   map[string][]*model.CashMovement{},
	}
}

func (f *fakeStore) Create(_ context.Context, s *model.CashSettlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *s
	f.records[s.SettlementNo] = &cp
	return nil
}

func (f *fakeStore) GetBySettlementNo(_ context.Context, settlementNo string) (*model.CashSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[settlementNo]
	if !ok {
		return nil, repository.ErrSettlementNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetByRequestID(_ context.Context, requestID string) (*model.CashSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.RequestID == requestID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) update(settlementNo, status, errorMessage string) error {
	r, ok := f.records[settlementNo]
	if !ok {
		return repository.ErrSettlementNotFound
	}
	if model.IsFinalSettlementStatus(r.Status) {
		return repository.ErrSettlementStatusInvalid
	}
	if r.Status != status {
		f.history[settlementNo] = append(f.history[settlementNo], status)
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, settlementNo, status, errorMessage, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.update(settlementNo, status, errorMessage); err != nil {
		return err
	}
	if transactionID != "" {
		f.records[settlementNo].TransactionID = transactionID
	}
	return nil
}

func (f *fakeStore) Complete(_ context.Context, settlementNo string, c *repository.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.update(settlementNo, model.SettlementStatusCompleted, ""); err != nil {
		return err
	}
	f.completions[settlementNo] = c
	f.movements[settlementNo] = c.Movements
	return nil
}

func (f *fakeStore) Close(_ context.Context, settlementNo, status, errorMessage string, event *model.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.update(settlementNo, status, errorMessage); err != nil {
		return err
	}
	f.closes[settlementNo] = closed{status: status, errorMessage: errorMessage, event: event}
	return nil
}

func (f *fakeStore) MarkInterrupted(_ context.Context, settlementNo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.update(settlementNo, model.SettlementStatusInterrupted, ""); err != nil {
		return err
	}
	f.interrupted = append(f.interrupted, settlementNo)
	return nil
}

func (f *fakeStore) ListMovements(_ context.Context, settlementNo string) ([]*model.CashMovement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.movements[settlementNo], nil
}

func (f *fakeStore) ListByTerminal(_ context.Context, terminalID string, page, pageSize int) ([]*model.CashSettlement, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*model.CashSettlement
	for _, r := range f.records {
		if r.TerminalID == terminalID {
			cp := *r
			list = append(list, &cp)
		}
	}
	return list, int64(len(list)), nil
}

func (f *fakeStore) record(settlementNo string) model.CashSettlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[settlementNo]
}

func (f *fakeStore) statusHistory(settlementNo string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history[settlementNo]...)
}

func (f *fakeStore) completion(settlementNo string) *repository.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions[settlementNo]
}

func (f *fakeStore) closedAs(settlementNo string) (closed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.closes[settlementNo]
	return c, ok
}

// lockState 模拟 Redis 里的一把终端锁
type lockState struct {
	mu        sync.Mutex
	holder    string
	tokens    int
	unlocks   int
	refreshes int
}

func (s *lockState) held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder != ""
}

type fakeLock struct {
	state *lockState
	token string
}

func (s *lockState) newLock() TerminalLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens++
	return &fakeLock{state: s, token: fmt.Sprintf("token-%d", s.tokens)}
}

func (l *fakeLock) TryLock(context.Context) (bool, error) {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if l.state.holder != "" {
		return false, nil
	}
	l.state.holder = l.token
	return true, nil
}

func (l *fakeLock) Refresh(context.Context) error {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	l.state.refreshes++
	return nil
}

func (l *fakeLock) Unlock(context.Context) error {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if l.state.holder == l.token {
		l.state.holder = ""
		l.state.unlocks++
	}
	return nil
}

type fakeCache struct {
	mu    sync.Mutex
	saves int
	last  *cache.CachedSnapshot
}

func (c *fakeCache) Save(_ context.Context, _ string, snap *cache.CachedSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.last = snap
	return nil
}

func (c *fakeCache) Get(_ context.Context, _ string) (*cache.CachedSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil, cache.ErrSnapshotNotFound
	}
	return c.last, nil
}

func (c *fakeCache) latest() (*cache.CachedSnapshot, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.saves
}

func testConfig() *config.Config {
	return &config.Config{
		Terminal: config.TerminalConfig{ID: "T001", WorkerID: 1},
		Device: config.DeviceConfig{
			ErrorPollInterval: 5 * time.Millisecond,
		},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				SettlementResult: "cash_settlement_result",
				SettlementStatus: "cash_settlement_status",
			},
		},
		Business: config.BusinessConfig{
			TerminalLockTTL: 30 * time.Millisecond,
		},
	}
}
