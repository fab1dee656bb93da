package app

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type managerTestComponents struct {
	manager   *Manager
	repo      *memoryRepository
	client    *MockAccountClient
	provider  *MockClientProvider
	publisher *MockEventPublisher
}

func setupManagerTest(t *testing.T) managerTestComponents {
	t.Helper()
	logger := discardLogger()
	repo := newMemoryRepository()
	client := new(MockAccountClient)
	provider := new(MockClientProvider)
	publisher := new(MockEventPublisher)

	provider.On("ClientFor", mock.Anything, mock.Anything).Return(client, nil).Maybe()
	client.On("SubmissionCapabilities", mock.Anything).
		Return(domain.Capabilities{FutureReleaseSupported: true, MaxDelayedSend: 30 * 24 * time.Hour}, nil).Maybe()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	manager := NewManager(
		repo,
		provider,
		NewSchedulePolicy(PolicyConfig{}, logger),
		NewEnvelopeBuilder(DefaultEnvelopeOptions()),
		publisher,
		logger,
		ManagerConfig{Clock: fixedClock},
	)
	return managerTestComponents{manager: manager, repo: repo, client: client, provider: provider, publisher: publisher}
}

func holdParamIs(want time.Time) interface{} {
	return mock.MatchedBy(func(req domain.SubmissionRequest) bool {
		v, ok := req.Envelope.Param(domain.ParamHoldUntil)
		return ok && v == strconv.FormatInt(want.Unix(), 10)
	})
}

func sameInstant(want time.Time) interface{} {
	return mock.MatchedBy(func(got time.Time) bool { return got.Equal(want) })
}

var owner = domain.Actor{UserID: "user-1"}

func TestManager_CreateThenRescheduleInPlace(t *testing.T) {
	comps := setupManagerTest(t)
	ctx := context.Background()
	requested := testNow.Add(48 * time.Hour)

	comps.client.On("CreateAndSubmit", mock.Anything, holdParamIs(requested)).
		Return(domain.CreateResult{RemoteMessageID: "M1", RemoteSubmissionID: "S1"}, nil).Once()

	sub, err := comps.manager.CreateScheduled(ctx, CreateRequest{
		LocalID:     "local-1",
		UserID:      "user-1",
		Message:     testMessage(),
		RequestedAt: requested.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sub.Status)
	assert.Equal(t, requested.Unix(), sub.HoldUntil.Int64)
	assert.Equal(t, "S1", sub.RemoteSubmissionID)
	assert.Equal(t, "M1", sub.RemoteMessageID)
	assert.NotEmpty(t, sub.EnvelopeID)
	assert.Equal(t, []string{"bob@example.com"}, sub.Recipients)

	newHold := testNow.Add(72 * time.Hour)
	comps.client.On("UpdateHold", mock.Anything, "S1", sameInstant(newHold)).
		Return(domain.UpdateResult{Updated: true}, nil).Once()

	out, err := comps.manager.RescheduleScheduled(ctx, owner, "local-1", newHold.Format(time.RFC3339), RescheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, RescheduleUpdateHold, out.Method)

	stored := comps.repo.get("local-1")
	assert.Equal(t, domain.StatusScheduled, stored.Status)
	assert.Equal(t, newHold.Unix(), stored.HoldUntil.Int64)
	assert.Equal(t, "S1", stored.RemoteSubmissionID)
	comps.client.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	comps.client.AssertExpectations(t)
}

func TestManager_CreateRejectsPolicyViolationsWithoutRemoteCalls(t *testing.T) {
	cases := []struct {
		name      string
		requested string
		wantErr   error
	}{
		{"TooFar", testNow.Add(31 * 24 * time.Hour).Format(time.RFC3339), domain.ErrTooFar},
		{"TooSoon", testNow.Add(30 * time.Second).Format(time.RFC3339), domain.ErrTooSoon},
		{"InvalidFormat", "next tuesday", domain.ErrInvalidFormat},
		{"NoOffset", "2026-03-05T10:00:00", domain.ErrInvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comps := setupManagerTest(t)
			sub, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
				UserID:      "user-1",
				Message:     testMessage(),
				RequestedAt: tc.requested,
			})
			assert.Nil(t, sub)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			assert.Equal(t, domain.KindPolicyViolation, domain.Classify(err))
			comps.client.AssertNotCalled(t, "CreateAndSubmit", mock.Anything, mock.Anything)
			assert.Empty(t, comps.repo.all())
		})
	}
}

func TestManager_CreateRejectsInvalidRecipients(t *testing.T) {
	comps := setupManagerTest(t)
	msg := testMessage()
	msg.To = []string{"not-an-address"}

	_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
		UserID:      "user-1",
		Message:     msg,
		RequestedAt: testNow.Add(time.Hour).Format(time.RFC3339),
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidMessage))
	comps.provider.AssertNotCalled(t, "ClientFor", mock.Anything, mock.Anything)
}

func TestManager_CreateUsesAdvertisedHorizon(t *testing.T) {
	comps := setupManagerTest(t)
	client := new(MockAccountClient)
	client.On("SubmissionCapabilities", mock.Anything).
		Return(domain.Capabilities{FutureReleaseSupported: true, MaxDelayedSend: 24 * time.Hour}, nil)
	provider := new(MockClientProvider)
	provider.On("ClientFor", mock.Anything, "user-1").Return(client, nil)
	comps.manager.clients = provider

	_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
		UserID:      "user-1",
		Message:     testMessage(),
		RequestedAt: testNow.Add(48 * time.Hour).Format(time.RFC3339),
	})
	assert.True(t, errors.Is(err, domain.ErrTooFar))
	client.AssertNotCalled(t, "CreateAndSubmit", mock.Anything, mock.Anything)
}

func TestManager_SessionFailureStillReportsPolicyViolations(t *testing.T) {
	newComps := func(t *testing.T) managerTestComponents {
		comps := setupManagerTest(t)
		provider := new(MockClientProvider)
		provider.On("ClientFor", mock.Anything, "user-1").Return(nil, errors.New("session endpoint down"))
		comps.manager.clients = provider
		return comps
	}

	t.Run("CreateTooFar", func(t *testing.T) {
		comps := newComps(t)
		_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
			UserID:      "user-1",
			Message:     testMessage(),
			RequestedAt: testNow.Add(31 * 24 * time.Hour).Format(time.RFC3339),
		})
		assert.True(t, errors.Is(err, domain.ErrTooFar), "got %v", err)
		assert.Equal(t, domain.KindPolicyViolation, domain.Classify(err))
		assert.Empty(t, comps.repo.all())
	})

	t.Run("CreateTooSoon", func(t *testing.T) {
		comps := newComps(t)
		_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
			UserID:      "user-1",
			Message:     testMessage(),
			RequestedAt: testNow.Add(10 * time.Second).Format(time.RFC3339),
		})
		assert.True(t, errors.Is(err, domain.ErrTooSoon), "got %v", err)
	})

	t.Run("CreateValidInstantReportsRemoteError", func(t *testing.T) {
		comps := newComps(t)
		_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
			UserID:      "user-1",
			Message:     testMessage(),
			RequestedAt: testNow.Add(2 * time.Hour).Format(time.RFC3339),
		})
		var remoteErr *domain.RemoteError
		require.True(t, errors.As(err, &remoteErr), "got %v", err)
		assert.Equal(t, "connect", remoteErr.Op)
		assert.Empty(t, comps.repo.all())
	})

	t.Run("RescheduleTooFar", func(t *testing.T) {
		comps := newComps(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		out, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
			testNow.Add(40*24*time.Hour).Format(time.RFC3339), RescheduleOptions{})
		assert.True(t, errors.Is(err, domain.ErrTooFar), "got %v", err)
		require.NotNil(t, out)
		assert.Equal(t, domain.StatusScheduled, out.Submission.Status)
	})
}

func TestManager_CreateFailsWhenHoldUnsupported(t *testing.T) {
	comps := setupManagerTest(t)
	client := new(MockAccountClient)
	client.On("SubmissionCapabilities", mock.Anything).Return(domain.Capabilities{}, nil)
	provider := new(MockClientProvider)
	provider.On("ClientFor", mock.Anything, "user-1").Return(client, nil)
	comps.manager.clients = provider

	_, err := comps.manager.CreateScheduled(context.Background(), CreateRequest{
		UserID:      "user-1",
		Message:     testMessage(),
		RequestedAt: testNow.Add(2 * time.Hour).Format(time.RFC3339),
	})
	assert.True(t, errors.Is(err, domain.ErrHoldUnsupported))
}

func TestManager_CreateRemoteFailureLeavesFailedRecord(t *testing.T) {
	comps := setupManagerTest(t)
	ctx := context.Background()
	requested := testNow.Add(2 * time.Hour)
	remoteErr := &domain.RemoteError{Op: "createAndSubmit", Retryable: true, StatusCode: 503, Err: errors.New("service unavailable")}

	comps.client.On("CreateAndSubmit", mock.Anything, mock.Anything).Return(domain.CreateResult{}, remoteErr).Once()

	sub, err := comps.manager.CreateScheduled(ctx, CreateRequest{
		LocalID:     "local-f",
		UserID:      "user-1",
		Message:     testMessage(),
		RequestedAt: requested.Format(time.RFC3339),
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	require.NotNil(t, sub)
	assert.Equal(t, domain.StatusFailed, sub.Status)

	stored := comps.repo.get("local-f")
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "service unavailable")
	assert.False(t, stored.HoldUntil.Valid)

	t.Run("ResubmitFromFailed", func(t *testing.T) {
		comps.client.On("CreateAndSubmit", mock.Anything, mock.Anything).
			Return(domain.CreateResult{RemoteMessageID: "M2", RemoteSubmissionID: "S2"}, nil).Once()

		sub, err := comps.manager.CreateScheduled(ctx, CreateRequest{
			LocalID:     "local-f",
			UserID:      "user-1",
			Message:     testMessage(),
			RequestedAt: requested.Format(time.RFC3339),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusScheduled, sub.Status)
		assert.Equal(t, 2, sub.Attempt)
		assert.Empty(t, sub.LastError)
	})

	t.Run("RefusesSecondSubmissionWhileScheduled", func(t *testing.T) {
		_, err := comps.manager.CreateScheduled(ctx, CreateRequest{
			LocalID:     "local-f",
			UserID:      "user-1",
			Message:     testMessage(),
			RequestedAt: requested.Format(time.RFC3339),
		})
		assert.True(t, errors.Is(err, domain.ErrSubmissionExists))
		comps.client.AssertNumberOfCalls(t, "CreateAndSubmit", 2)
	})

	t.Run("RefusesOtherOwner", func(t *testing.T) {
		_, err := comps.manager.CreateScheduled(ctx, CreateRequest{
			LocalID:     "local-f",
			UserID:      "user-2",
			Message:     testMessage(),
			RequestedAt: requested.Format(time.RFC3339),
		})
		assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	})
}

func TestManager_CreateSurvivesCallerCancellation(t *testing.T) {
	comps := setupManagerTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	comps.client.On("CreateAndSubmit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(domain.CreateResult{RemoteMessageID: "M1", RemoteSubmissionID: "S1"}, nil).Once()

	sub, err := comps.manager.CreateScheduled(ctx, CreateRequest{
		LocalID:     "local-c",
		UserID:      "user-1",
		Message:     testMessage(),
		RequestedAt: testNow.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sub.Status)
	assert.Equal(t, domain.StatusScheduled, comps.repo.get("local-c").Status)
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	comps := setupManagerTest(t)
	ctx := context.Background()
	seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

	comps.client.On("Cancel", mock.Anything, "S1").Return(domain.CancelResult{Cancelled: true}, nil).Once()

	first, err := comps.manager.CancelScheduled(ctx, owner, "local-1")
	require.NoError(t, err)
	assert.True(t, first.RemoteConfirmed)
	assert.False(t, first.AlreadyCancelled)
	assert.Equal(t, domain.StatusCancelled, first.Submission.Status)

	second, err := comps.manager.CancelScheduled(ctx, owner, "local-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCancelled)
	assert.Equal(t, domain.StatusCancelled, second.Submission.Status)

	stored := comps.repo.get("local-1")
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, "S1", stored.RemoteSubmissionID)
	assert.True(t, stored.CancelledAt.Valid)
	comps.client.AssertNumberOfCalls(t, "Cancel", 1)
}

func TestManager_CancelUnconfirmedStillCancelsLocally(t *testing.T) {
	comps := setupManagerTest(t)
	seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

	comps.client.On("Cancel", mock.Anything, "S1").
		Return(domain.CancelResult{}, context.DeadlineExceeded).Once()

	out, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
	require.NoError(t, err)
	assert.False(t, out.RemoteConfirmed)
	assert.NotEmpty(t, out.RemoteDetail)

	stored := comps.repo.get("local-1")
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.True(t, stored.CancelUnconfirmed)
	assert.Contains(t, stored.LastError, "unconfirmed")
}

func TestManager_CancelRejections(t *testing.T) {
	t.Run("AlreadySent", func(t *testing.T) {
		comps := setupManagerTest(t)
		sub := seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(-time.Hour), "S1")
		sub.Status = domain.StatusSent
		comps.repo.put(sub)

		_, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
		assert.True(t, errors.Is(err, domain.ErrAlreadySent))
		assert.Equal(t, domain.StatusSent, comps.repo.get("local-1").Status)
		comps.client.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})

	t.Run("PastDue", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(-5*time.Minute), "S1")

		_, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
		assert.True(t, errors.Is(err, domain.ErrPastDue))
		assert.Equal(t, domain.StatusScheduled, comps.repo.get("local-1").Status)
	})

	t.Run("WithinGraceWindow", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(-10*time.Second), "S1")
		comps.client.On("Cancel", mock.Anything, "S1").Return(domain.CancelResult{Cancelled: true}, nil).Once()

		out, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, out.Submission.Status)
	})

	t.Run("NotScheduled", func(t *testing.T) {
		comps := setupManagerTest(t)
		sub := seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")
		sub.Status = domain.StatusFailed
		sub.HoldUntil.Valid = false
		comps.repo.put(sub)

		_, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
		assert.True(t, errors.Is(err, domain.ErrNotScheduled))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		_, err := comps.manager.CancelScheduled(context.Background(), domain.Actor{UserID: "user-2"}, "local-1")
		assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
		assert.Equal(t, domain.StatusScheduled, comps.repo.get("local-1").Status)
	})

	t.Run("AdminMayCancel", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")
		comps.client.On("Cancel", mock.Anything, "S1").Return(domain.CancelResult{Cancelled: true}, nil).Once()

		_, err := comps.manager.CancelScheduled(context.Background(), domain.Actor{UserID: "ops", IsAdmin: true}, "local-1")
		require.NoError(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		comps := setupManagerTest(t)
		_, err := comps.manager.CancelScheduled(context.Background(), owner, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestManager_RescheduleFallbackRefusedLeavesRecordUntouched(t *testing.T) {
	comps := setupManagerTest(t)
	hold := testNow.Add(time.Hour)
	seedScheduled(comps.repo, "local-1", "user-1", hold, "S1")
	newHold := testNow.Add(5 * time.Hour)

	comps.client.On("UpdateHold", mock.Anything, "S1", mock.Anything).
		Return(domain.UpdateResult{Refusal: &domain.SetRefusal{Type: "forbidden"}}, nil).Once()
	comps.client.On("Cancel", mock.Anything, "S1").
		Return(domain.CancelResult{Refusal: &domain.SetRefusal{Type: "cannotUnsend", Description: "already sent"}}, nil).Once()

	_, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1", newHold.Format(time.RFC3339), RescheduleOptions{})
	assert.True(t, errors.Is(err, domain.ErrAlreadyFinalized))
	assert.Equal(t, domain.KindRemoteRefusal, domain.Classify(err))

	stored := comps.repo.get("local-1")
	assert.Equal(t, domain.StatusScheduled, stored.Status)
	assert.Equal(t, hold.Unix(), stored.HoldUntil.Int64)
	assert.Equal(t, "S1", stored.RemoteSubmissionID)
	comps.client.AssertNotCalled(t, "CreateAndSubmit", mock.Anything, mock.Anything)
}

func TestManager_RescheduleRecreate(t *testing.T) {
	newHold := testNow.Add(6 * time.Hour)

	t.Run("Success", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		comps.client.On("Cancel", mock.Anything, "S1").Return(domain.CancelResult{Cancelled: true}, nil).Once()
		comps.client.On("CreateAndSubmit", mock.Anything, mock.MatchedBy(func(req domain.SubmissionRequest) bool {
			v, _ := req.Envelope.Param(domain.ParamHoldUntil)
			return req.ReplacesMessageID == "M-S1" && v == strconv.FormatInt(newHold.Unix(), 10)
		})).Return(domain.CreateResult{RemoteMessageID: "M2", RemoteSubmissionID: "S2"}, nil).Once()

		out, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
			strconv.FormatInt(newHold.Unix(), 10), RescheduleOptions{ForceRecreate: true})
		require.NoError(t, err)
		assert.Equal(t, RescheduleRecreate, out.Method)

		stored := comps.repo.get("local-1")
		assert.Equal(t, domain.StatusScheduled, stored.Status)
		assert.Equal(t, "S2", stored.RemoteSubmissionID)
		assert.Equal(t, "M2", stored.RemoteMessageID)
		assert.Equal(t, newHold.Unix(), stored.HoldUntil.Int64)
		assert.Equal(t, 2, stored.Attempt)
		comps.client.AssertNotCalled(t, "UpdateHold", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("RecreateFails", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		comps.client.On("Cancel", mock.Anything, "S1").Return(domain.CancelResult{Cancelled: true}, nil).Once()
		comps.client.On("CreateAndSubmit", mock.Anything, mock.Anything).
			Return(domain.CreateResult{}, errors.New("connection reset")).Once()

		_, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
			newHold.Format(time.RFC3339), RescheduleOptions{ForceRecreate: true})
		require.Error(t, err)

		stored := comps.repo.get("local-1")
		assert.Equal(t, domain.StatusFailed, stored.Status)
		assert.Contains(t, stored.LastError, "original submission S1 was cancelled")
		assert.Empty(t, stored.RemoteSubmissionID)
	})

	t.Run("UpdateHoldTransportErrorLeavesRecord", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		comps.client.On("UpdateHold", mock.Anything, "S1", mock.Anything).
			Return(domain.UpdateResult{}, context.DeadlineExceeded).Once()

		_, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
			newHold.Format(time.RFC3339), RescheduleOptions{})
		assert.True(t, domain.IsRetryable(err))
		assert.Equal(t, testNow.Add(time.Hour).Unix(), comps.repo.get("local-1").HoldUntil.Int64)
		comps.client.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})

	t.Run("PolicyViolation", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		_, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
			testNow.Add(40*24*time.Hour).Format(time.RFC3339), RescheduleOptions{})
		assert.True(t, errors.Is(err, domain.ErrTooFar))
		comps.client.AssertNotCalled(t, "UpdateHold", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestManager_ListScheduled(t *testing.T) {
	comps := setupManagerTest(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedScheduled(comps.repo, "u1-"+strconv.Itoa(i), "user-1", testNow.Add(time.Hour), "S"+strconv.Itoa(i))
	}
	seedScheduled(comps.repo, "u2-0", "user-2", testNow.Add(time.Hour), "SX")

	t.Run("OwnRecordsOnly", func(t *testing.T) {
		res, err := comps.manager.ListScheduled(ctx, owner, domain.ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Total)
		assert.Len(t, res.Items, 2)
		assert.True(t, res.HasMore)
		for _, item := range res.Items {
			assert.Equal(t, "user-1", item.UserID)
		}
	})

	t.Run("OtherUserDenied", func(t *testing.T) {
		_, err := comps.manager.ListScheduled(ctx, owner, domain.ListFilter{UserID: "user-2"})
		assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	})

	t.Run("AdminSeesAll", func(t *testing.T) {
		res, err := comps.manager.ListScheduled(ctx, domain.Actor{UserID: "ops", IsAdmin: true}, domain.ListFilter{Limit: 500})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Total)
		assert.Equal(t, maxListLimit, res.Limit)
		assert.False(t, res.HasMore)
	})

	t.Run("Counts", func(t *testing.T) {
		counts, err := comps.manager.CountScheduled(ctx, owner, "")
		require.NoError(t, err)
		assert.Equal(t, 3, counts[domain.StatusScheduled])
		assert.Equal(t, 0, counts[domain.StatusSent])
		assert.Equal(t, 3, counts.Total())
	})
}

func TestManager_Settings(t *testing.T) {
	comps := setupManagerTest(t)
	s := comps.manager.Settings()
	assert.True(t, s.Enabled)
	assert.Equal(t, 30, s.MaxScheduleDays)
	assert.Equal(t, 1, s.MinScheduleMinutes)
	assert.Equal(t, DefaultMaxRecipients, s.MaxRecipients)
	assert.Equal(t, 30, s.CancelGraceSeconds)
}

func TestManager_MutationsOnOneRecordAreSerialized(t *testing.T) {
	t.Run("RescheduleWaitsForCancel", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		entered := make(chan struct{})
		release := make(chan struct{})
		comps.client.On("Cancel", mock.Anything, "S1").
			Run(func(args mock.Arguments) {
				close(entered)
				<-release
			}).
			Return(domain.CancelResult{Cancelled: true}, nil).Once()

		cancelDone := make(chan error, 1)
		go func() {
			_, err := comps.manager.CancelScheduled(context.Background(), owner, "local-1")
			cancelDone <- err
		}()
		<-entered

		rescheduleDone := make(chan error, 1)
		go func() {
			_, err := comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
				testNow.Add(3*time.Hour).Format(time.RFC3339), RescheduleOptions{})
			rescheduleDone <- err
		}()

		close(release)
		require.NoError(t, <-cancelDone)
		err := <-rescheduleDone
		assert.True(t, errors.Is(err, domain.ErrNotScheduled), "got %v", err)

		assert.Equal(t, domain.StatusCancelled, comps.repo.get("local-1").Status)
		comps.client.AssertNumberOfCalls(t, "Cancel", 1)
		comps.client.AssertNotCalled(t, "UpdateHold", mock.Anything, mock.Anything, mock.Anything)
		comps.client.AssertNotCalled(t, "CreateAndSubmit", mock.Anything, mock.Anything)
	})

	t.Run("NoOverlappingRemoteMutations", func(t *testing.T) {
		comps := setupManagerTest(t)
		seedScheduled(comps.repo, "local-1", "user-1", testNow.Add(time.Hour), "S1")

		var inFlight, maxInFlight atomic.Int32
		track := func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				seen := maxInFlight.Load()
				if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}
		comps.client.On("UpdateHold", mock.Anything, "S1", mock.Anything).
			Run(track).Return(domain.UpdateResult{Updated: true}, nil)
		comps.client.On("Cancel", mock.Anything, "S1").
			Run(track).Return(domain.CancelResult{Cancelled: true}, nil)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%4 == 3 {
					_, _ = comps.manager.CancelScheduled(context.Background(), owner, "local-1")
					return
				}
				hold := testNow.Add(time.Duration(2+i) * time.Hour)
				_, _ = comps.manager.RescheduleScheduled(context.Background(), owner, "local-1",
					hold.Format(time.RFC3339), RescheduleOptions{})
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, maxInFlight.Load())
		assert.Equal(t, domain.StatusCancelled, comps.repo.get("local-1").Status)
		comps.client.AssertNumberOfCalls(t, "Cancel", 1)
	})
}
