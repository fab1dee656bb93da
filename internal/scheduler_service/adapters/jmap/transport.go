package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aradsms/mailscheduler/internal/platform/telemetry"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jmapRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailscheduler",
			Subsystem: "jmap",
			Name:      "requests_total",
			Help:      "JMAP HTTP round trips by first method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	jmapRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailscheduler",
			Subsystem: "jmap",
			Name:      "request_duration_seconds",
			Help:      "Duration of JMAP HTTP round trips.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

const maxErrorBodyLog = 200

// transport performs authenticated HTTP exchanges with one JMAP server.
type transport struct {
	httpClient *http.Client
	authorize  func(*http.Request)
	logger     *slog.Logger
}

func (t *transport) fetchSession(ctx context.Context, sessionURL string) (*Session, error) {
	ctx, end := telemetry.StartRemoteSpan(ctx, "session")
	var err error
	defer func() { end(err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	t.authorize(httpReq)

	body, err := t.do(httpReq, "session")
	if err != nil {
		return nil, err
	}
	var s Session
	if err = json.Unmarshal(body, &s); err != nil {
		err = &domain.RemoteError{Op: "session", Err: fmt.Errorf("decode session: %w", err)}
		return nil, err
	}
	if s.APIURL == "" || s.AccountID() == "" {
		err = &domain.RemoteError{Op: "session", Err: errors.New("session has no apiUrl or primary account")}
		return nil, err
	}
	return &s, nil
}

// call POSTs req to apiURL and decodes the response envelope.
func (t *transport) call(ctx context.Context, apiURL string, req Request) (*Response, error) {
	op := "jmap"
	if len(req.MethodCalls) > 0 {
		op = req.MethodCalls[0].Name
	}
	ctx, end := telemetry.StartRemoteSpan(ctx, op)
	var err error
	defer func() { end(err) }()

	timer := prometheus.NewTimer(jmapRequestDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal jmap request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create jmap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	t.authorize(httpReq)

	t.logger.DebugContext(ctx, "Sending JMAP request", "method", op, "calls", len(req.MethodCalls))

	body, err := t.do(httpReq, op)
	if err != nil {
		jmapRequestsCounter.WithLabelValues(op, outcomeLabel(err)).Inc()
		return nil, err
	}
	var resp Response
	if err = json.Unmarshal(body, &resp); err != nil {
		jmapRequestsCounter.WithLabelValues(op, "decode_error").Inc()
		err = &domain.RemoteError{Op: op, Err: fmt.Errorf("decode jmap response: %w", err)}
		return nil, err
	}
	jmapRequestsCounter.WithLabelValues(op, "ok").Inc()
	return &resp, nil
}

// do executes httpReq and maps transport and HTTP failures to RemoteError.
func (t *transport) do(httpReq *http.Request, op string) ([]byte, error) {
	ctx := httpReq.Context()
	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.WarnContext(ctx, "JMAP request failed", "method", op, "error", err)
		return nil, &domain.RemoteError{Op: op, Retryable: true, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Retryable: true, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return body, nil
	}

	detail := http.StatusText(httpResp.StatusCode)
	var problem struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &problem) == nil && (problem.Type != "" || problem.Detail != "") {
		detail = problem.Type + " " + problem.Detail
	} else if len(body) > 0 && len(body) < maxErrorBodyLog {
		detail = string(body)
	}
	remoteErr := &domain.RemoteError{
		Op:         op,
		Retryable:  retryableStatus(httpResp.StatusCode),
		StatusCode: httpResp.StatusCode,
		Err:        errors.New(detail),
	}
	t.logger.WarnContext(ctx, "JMAP server returned an error status", "method", op,
		"status_code", httpResp.StatusCode, "retryable", remoteErr.Retryable, "detail", detail)
	return nil, remoteErr
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return false
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// methodFailure converts a method-level error into a RemoteError.
func methodFailure(op string, err error) error {
	var me *MethodError
	if errors.As(err, &me) {
		return &domain.RemoteError{Op: op, Retryable: me.Retryable(), Err: me}
	}
	return &domain.RemoteError{Op: op, Err: err}
}

func outcomeLabel(err error) string {
	var re *domain.RemoteError
	if errors.As(err, &re) && re.StatusCode != 0 {
		return strconv.Itoa(re.StatusCode)
	}
	return "transport_error"
}

func parseUTCDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
