package jmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

// Authentication modes.
const (
	AuthBearer = "bearer"
	AuthMaster = "master"
)

const defaultSessionTTL = 15 * time.Minute

// Config describes how to reach and authenticate against the JMAP server.
type Config struct {
	SessionURL     string        `mapstructure:"JMAP_SESSION_URL"`
	AuthMode       string        `mapstructure:"JMAP_AUTH_MODE"`
	BearerToken    string        `mapstructure:"JMAP_BEARER_TOKEN"`
	MasterUser     string        `mapstructure:"JMAP_MASTER_USER"`
	MasterPassword string        `mapstructure:"JMAP_MASTER_PASSWORD"`
	SessionTTL     time.Duration `mapstructure:"JMAP_SESSION_TTL"`
}

type cachedClient struct {
	client  *Client
	expires time.Time
}

// Provider hands out per-user clients, discovering and caching each user's session.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]cachedClient
}

var _ domain.ClientProvider = (*Provider)(nil)

// NewProvider validates cfg. httpClient may be nil.
func NewProvider(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Provider, error) {
	if cfg.SessionURL == "" {
		return nil, errors.New("jmap session url is required")
	}
	switch cfg.AuthMode {
	case AuthBearer:
		if cfg.BearerToken == "" {
			return nil, errors.New("jmap bearer auth requires a token")
		}
	case AuthMaster:
		if cfg.MasterUser == "" || cfg.MasterPassword == "" {
			return nil, errors.New("jmap master auth requires a master user and password")
		}
	default:
		return nil, fmt.Errorf("unknown jmap auth mode %q", cfg.AuthMode)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "jmap"),
		now:        time.Now,
		clients:    make(map[string]cachedClient),
	}, nil
}

// ClientFor returns a client for userID's account, reusing a cached session until its TTL expires.
func (p *Provider) ClientFor(ctx context.Context, userID string) (domain.AccountClient, error) {
	if userID == "" {
		return nil, errors.New("jmap client requested without a user")
	}
	p.mu.Lock()
	cached, ok := p.clients[userID]
	p.mu.Unlock()
	if ok && p.now().Before(cached.expires) {
		return cached.client, nil
	}

	t := &transport{httpClient: p.httpClient, authorize: p.authorizer(userID), logger: p.logger}
	session, err := t.fetchSession(ctx, p.cfg.SessionURL)
	if err != nil {
		return nil, err
	}
	client := newClient(t, session, p.logger)

	p.mu.Lock()
	p.clients[userID] = cachedClient{client: client, expires: p.now().Add(p.cfg.SessionTTL)}
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "JMAP session discovered", "user_id", userID, "account_id", session.AccountID())
	return client, nil
}

func (p *Provider) authorizer(userID string) func(*http.Request) {
	if p.cfg.AuthMode == AuthMaster {
		user := userID + "%" + p.cfg.MasterUser
		return func(r *http.Request) { r.SetBasicAuth(user, p.cfg.MasterPassword) }
	}
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+p.cfg.BearerToken) }
}
