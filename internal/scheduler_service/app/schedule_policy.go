package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

const (
	DefaultMinLeadTime = time.Minute
	DefaultMaxHorizon  = 30 * 24 * time.Hour
)

// PolicyConfig holds the scheduling window.
type PolicyConfig struct {
	MinLeadTime time.Duration `mapstructure:"SCHEDULE_MIN_LEAD_TIME"`
	MaxHorizon  time.Duration `mapstructure:"SCHEDULE_MAX_HORIZON"`
}

// SchedulePolicy decides whether a requested send instant is permissible.
type SchedulePolicy struct {
	cfg    PolicyConfig
	logger *slog.Logger
}

func NewSchedulePolicy(cfg PolicyConfig, logger *slog.Logger) *SchedulePolicy {
	if cfg.MinLeadTime <= 0 {
		cfg.MinLeadTime = DefaultMinLeadTime
	}
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = DefaultMaxHorizon
	}
	return &SchedulePolicy{cfg: cfg, logger: logger}
}

// MinLeadTime is the smallest allowed distance between now and the send instant.
func (p *SchedulePolicy) MinLeadTime() time.Duration { return p.cfg.MinLeadTime }

// DefaultHorizon is the configured horizon used when the server does not advertise one.
func (p *SchedulePolicy) DefaultHorizon() time.Duration { return p.cfg.MaxHorizon }

// ParseInstant parses an RFC 3339 timestamp (offset required) or a decimal
// count of Unix seconds.
func ParseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", domain.ErrInvalidFormat)
	}
	if isDigits(raw) {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", domain.ErrInvalidFormat, raw)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", domain.ErrInvalidFormat, raw)
	}
	return t.UTC(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate parses requestedAt and checks it against the window
// [now+MinLeadTime, now+maxHorizon]. It has no side effects.
func (p *SchedulePolicy) Validate(requestedAt string, now time.Time, maxHorizon time.Duration) (time.Time, error) {
	t, err := ParseInstant(requestedAt)
	if err != nil {
		return time.Time{}, err
	}
	if err := p.ValidateInstant(t, now, maxHorizon); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ValidateInstant applies the lead-time and horizon rules to an already parsed instant.
func (p *SchedulePolicy) ValidateInstant(t, now time.Time, maxHorizon time.Duration) error {
	if maxHorizon <= 0 {
		maxHorizon = p.cfg.MaxHorizon
	}
	if earliest := now.Add(p.cfg.MinLeadTime); t.Before(earliest) {
		return fmt.Errorf("%w: must be at least %s from now (earliest %s)",
			domain.ErrTooSoon, p.cfg.MinLeadTime, earliest.UTC().Format(time.RFC3339))
	}
	if latest := now.Add(maxHorizon); t.After(latest) {
		return fmt.Errorf("%w: cannot be more than %s ahead (latest %s)",
			domain.ErrTooFar, formatHorizon(maxHorizon), latest.UTC().Format(time.RFC3339))
	}
	return nil
}

// EffectiveHorizon returns the server-advertised maximum hold duration, or
// the configured default when the probe fails or advertises nothing. It only
// errors when the server positively reports that delayed submission is
// unsupported.
func (p *SchedulePolicy) EffectiveHorizon(ctx context.Context, probe domain.CapabilityProbe) (time.Duration, error) {
	if probe == nil {
		return p.cfg.MaxHorizon, nil
	}
	caps, err := probe.SubmissionCapabilities(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "Capability probe failed, using configured schedule horizon",
			"error", err, "default_horizon", p.cfg.MaxHorizon.String())
		return p.cfg.MaxHorizon, nil
	}
	if !caps.FutureReleaseSupported {
		return 0, domain.ErrHoldUnsupported
	}
	if caps.MaxDelayedSend <= 0 {
		return p.cfg.MaxHorizon, nil
	}
	return caps.MaxDelayedSend, nil
}

func formatHorizon(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
	return d.String()
}
