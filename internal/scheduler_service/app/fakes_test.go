package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/stretchr/testify/mock"
)

// --- In-memory repository ---

// memoryRepository is a ScheduledSubmissionRepository with one mutex per record.
type memoryRepository struct {
	mu      sync.Mutex
	records map[string]*domain.ScheduledSubmission
	locks   map[string]*sync.Mutex

	outstandingCalls atomic.Int32
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		records: make(map[string]*domain.ScheduledSubmission),
		locks:   make(map[string]*sync.Mutex),
	}
}

func cloneSubmission(s *domain.ScheduledSubmission) *domain.ScheduledSubmission {
	c := *s
	c.Recipients = append([]string(nil), s.Recipients...)
	return &c
}

func (r *memoryRepository) put(sub *domain.ScheduledSubmission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sub.LocalID] = cloneSubmission(sub)
}

func (r *memoryRepository) get(localID string) *domain.ScheduledSubmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.records[localID]
	if !ok {
		return nil
	}
	return cloneSubmission(sub)
}

func (r *memoryRepository) Create(_ context.Context, sub *domain.ScheduledSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[sub.LocalID]; ok {
		return domain.ErrAlreadyExists
	}
	r.records[sub.LocalID] = cloneSubmission(sub)
	return nil
}

func (r *memoryRepository) GetByID(_ context.Context, localID string) (*domain.ScheduledSubmission, error) {
	if sub := r.get(localID); sub != nil {
		return sub, nil
	}
	return nil, domain.ErrNotFound
}

func (r *memoryRepository) WithLock(ctx context.Context, localID string, fn domain.LockedUpdateFunc) error {
	r.mu.Lock()
	lock, ok := r.locks[localID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[localID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	sub := r.get(localID)
	if sub == nil {
		return domain.ErrNotFound
	}
	err := fn(ctx, sub)
	if errors.Is(err, domain.ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	r.put(sub)
	return nil
}

func (r *memoryRepository) all() []*domain.ScheduledSubmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ScheduledSubmission, 0, len(r.records))
	for _, sub := range r.records {
		out = append(out, cloneSubmission(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func (r *memoryRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.ScheduledSubmission, int, error) {
	var matched []*domain.ScheduledSubmission
	for _, sub := range r.all() {
		if f.UserID != "" && sub.UserID != f.UserID {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		matched = append(matched, sub)
	}
	total := len(matched)
	if f.Offset >= total {
		return []*domain.ScheduledSubmission{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (r *memoryRepository) CountByStatus(_ context.Context, userID string) (domain.StatusCounts, error) {
	counts := domain.StatusCounts{}
	for _, sub := range r.all() {
		if sub.UserID == userID {
			counts[sub.Status]++
		}
	}
	return counts, nil
}

func (r *memoryRepository) ListOutstanding(_ context.Context, after domain.OutstandingCursor, limit int) ([]*domain.ScheduledSubmission, error) {
	r.outstandingCalls.Add(1)
	subs := r.all()
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].UserID != subs[j].UserID {
			return subs[i].UserID < subs[j].UserID
		}
		return subs[i].LocalID < subs[j].LocalID
	})
	var out []*domain.ScheduledSubmission
	for _, sub := range subs {
		if sub.UserID < after.UserID || (sub.UserID == after.UserID && sub.LocalID <= after.LocalID) {
			continue
		}
		if sub.RemoteSubmissionID == "" {
			continue
		}
		if sub.Status == domain.StatusScheduled || (sub.Status == domain.StatusCancelled && sub.CancelUnconfirmed) {
			out = append(out, sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) FailStalePending(_ context.Context, olderThan time.Time, reason string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, sub := range r.records {
		if sub.Status == domain.StatusPendingSubmission && sub.UpdatedAt.Before(olderThan) {
			sub.Status = domain.StatusFailed
			sub.LastError = reason
			sub.HoldUntil.Valid = false
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Mocks ---

type MockAccountClient struct {
	mock.Mock
}

func (m *MockAccountClient) CreateAndSubmit(ctx context.Context, req domain.SubmissionRequest) (domain.CreateResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.CreateResult), args.Error(1)
}

func (m *MockAccountClient) Cancel(ctx context.Context, submissionID string) (domain.CancelResult, error) {
	args := m.Called(ctx, submissionID)
	return args.Get(0).(domain.CancelResult), args.Error(1)
}

func (m *MockAccountClient) GetStatus(ctx context.Context, submissionIDs []string) (map[string]domain.RemoteSubmission, error) {
	args := m.Called(ctx, submissionIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.RemoteSubmission), args.Error(1)
}

func (m *MockAccountClient) UpdateHold(ctx context.Context, submissionID string, holdUntil time.Time) (domain.UpdateResult, error) {
	args := m.Called(ctx, submissionID, holdUntil)
	return args.Get(0).(domain.UpdateResult), args.Error(1)
}

func (m *MockAccountClient) SubmissionCapabilities(ctx context.Context) (domain.Capabilities, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Capabilities), args.Error(1)
}

type MockClientProvider struct {
	mock.Mock
}

func (m *MockClientProvider) ClientFor(ctx context.Context, userID string) (domain.AccountClient, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.AccountClient), args.Error(1)
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func testMessage() domain.Message {
	return domain.Message{
		From:     "alice@example.com",
		To:       []string{"bob@example.com"},
		Subject:  "Quarterly report",
		TextBody: "See attached.",
	}
}

// seedScheduled stores a Scheduled record held until hold.
func seedScheduled(repo *memoryRepository, localID, userID string, hold time.Time, submissionID string) *domain.ScheduledSubmission {
	sub := domain.NewScheduledSubmission(localID, userID, testMessage(), []string{"bob@example.com"}, hold, testNow.Add(-time.Hour))
	sub.Status = domain.StatusScheduled
	sub.RemoteMessageID = "M-" + submissionID
	sub.RemoteSubmissionID = submissionID
	sub.Attempt = 1
	sub.SetHoldUntil(hold)
	repo.put(sub)
	return sub
}
