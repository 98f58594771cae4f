package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cashsettle/internal/model"

	"github.com/stretchr/testify/assert"
)

type fakeOutbox struct {
	mu      sync.Mutex
	pending []*model.OutboxMessage
	sent    []int64
	retries map[int64]int
	failed  []int64
}

func (f *fakeOutbox) GetPendingMessages(_ context.Context, limit int) ([]*model.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) MarkAsSent(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) IncrementRetryCount(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retries == nil {
		f.retries = map[int64]int{}
	}
	f.retries[id]++
	return nil
}

func (f *fakeOutbox) MarkAsFailed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

type fakePublisher struct {
	failTopics map[string]bool
	published  []string
}

func (p *fakePublisher) SendMessage(topic, key, value string) error {
	if p.failTopics[topic] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, topic+"/"+key)
	return nil
}

func TestOutboxSender_ProcessPendingMessages(t *testing.T) {
	outbox := &fakeOutbox{pending: []*model.OutboxMessage{
		{ID: 1, Topic: "cash_settlement_result", MessageKey: "CSH1", Payload: "{}"},
		{ID: 2, Topic: "cash_settlement_status", MessageKey: "CSH2", Payload: "{}", RetryCount: 0},
		{ID: 3, Topic: "cash_settlement_status", MessageKey: "CSH3", Payload: "{}", RetryCount: 4},
	}}
	pub := &fakePublisher{failTopics: map[string]bool{"cash_settlement_status": true}}

	s := NewOutboxSender(outbox, pub, 5)
	s.processPendingMessages(context.Background())

	assert.Equal(t, []string{"cash_settlement_result/CSH1"}, pub.published)
	assert.Equal(t, []int64{1}, outbox.sent)
	assert.Equal(t, map[int64]int{2: 1, 3: 1}, outbox.retries)
	assert.Equal(t, []int64{3}, outbox.failed)
}

func TestOutboxSender_StopsOnStop(t *testing.T) {
	s := NewOutboxSender(&fakeOutbox{}, &fakePublisher{}, 5)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	s.Stop()
	<-done
}
