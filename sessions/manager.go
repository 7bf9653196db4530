// Package sessions keeps login sessions for the services a server hosts.
// Lookups honour the controller's busy lock. Account changes arrive over
// pubsub.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	pctx "github.com/gaohao-creator/turbocore/context"
	"github.com/gaohao-creator/turbocore/errors"
	"github.com/gaohao-creator/turbocore/jobs"
	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/storage"
	"github.com/gaohao-creator/turbocore/task"
)

const (
	// TopicUpdateAccounts carries a service key whose accounts changed.
	TopicUpdateAccounts = "update_session_accounts"

	DefaultLifetime    = 30 * 24 * time.Hour
	DefaultPurgePeriod = 5 * time.Minute

	accessPrefix  = "access:"
	sessionPrefix = "session:"
)

// Controller is what the manager needs from the application controller.
type Controller interface {
	Process() *pctx.Process
	Clock() clock.Clock
	Sub(ref pubsub.Ref, method string, topic string) error
	Read(ctx context.Context, action string, args ...any) (any, error)
	Write(ctx context.Context, action string, args ...any) error
	WriteSynchronous(ctx context.Context, action string, args ...any) (any, error)
	CallRepeating(name string, initialDelay, period time.Duration, f task.Func) *jobs.Job
}

type Session struct {
	Key        string    `json:"-"`
	ServiceKey string    `json:"service_key"`
	AccessKey  string    `json:"access_key"`
	AccountKey string    `json:"account_key"`
	Expires    time.Time `json:"expires"`
}

type Options struct {
	Lifetime    time.Duration
	PurgePeriod time.Duration
	Logger      *zap.Logger
}

type Option func(opts *Options)

func WithLifetime(d time.Duration) Option {
	return func(opts *Options) {
		opts.Lifetime = d
	}
}

func WithPurgePeriod(d time.Duration) Option {
	return func(opts *Options) {
		opts.PurgePeriod = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

type Manager struct {
	controller Controller
	options    *Options
	logger     *zap.Logger

	lock     sync.Mutex
	sessions map[string]*Session

	purgeJob *jobs.Job
}

func NewManager(c Controller, options ...Option) *Manager {
	opts := &Options{
		Lifetime:    DefaultLifetime,
		PurgePeriod: DefaultPurgePeriod,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		controller: c,
		options:    opts,
		logger:     opts.Logger.Named("sessions"),
		sessions:   make(map[string]*Session),
	}
}

// Start loads persisted sessions, subscribes to account updates and starts
// the purge job.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	if err := m.controller.Sub(pubsub.Weak(m), "RefreshAccounts", TopicUpdateAccounts); err != nil {
		return err
	}
	m.purgeJob = m.controller.CallRepeating("session_purge", m.options.PurgePeriod, m.options.PurgePeriod, m.Purge)
	return nil
}

// Stop cancels the purge job. Sessions stay in storage.
func (m *Manager) Stop() {
	if m.purgeJob != nil {
		m.purgeJob.Cancel()
	}
}

func (m *Manager) load(ctx context.Context) error {
	v, err := m.controller.Read(ctx, storage.ActionKeys, sessionPrefix)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	now := m.controller.Clock().Now()
	loaded := 0
	for _, key := range v.([]string) {
		raw, err := m.controller.Read(ctx, storage.ActionGet, key)
		if err != nil {
			return fmt.Errorf("load session %s: %w", key, err)
		}
		s := &Session{}
		if err := json.Unmarshal([]byte(raw.(string)), s); err != nil {
			m.logger.Warn("dropping unreadable session", zap.String("key", key), zap.Error(err))
			_ = m.controller.Write(ctx, storage.ActionDelete, key)
			continue
		}
		s.Key = strings.TrimPrefix(key, sessionPrefix)
		if !now.Before(s.Expires) {
			_ = m.controller.Write(ctx, storage.ActionDelete, key)
			continue
		}
		m.lock.Lock()
		m.sessions[s.Key] = s
		m.lock.Unlock()
		loaded++
	}
	m.logger.Debug("sessions loaded", zap.Int("count", loaded))
	return nil
}

func accessKey(serviceKey, access string) string {
	return accessPrefix + serviceKey + ":" + access
}

// RegisterAccess records that access grants accountKey on serviceKey.
func (m *Manager) RegisterAccess(ctx context.Context, serviceKey, access, accountKey string) error {
	if err := m.controller.Process().CheckBusy(); err != nil {
		return err
	}
	_, err := m.controller.WriteSynchronous(ctx, storage.ActionSet, accessKey(serviceKey, access), accountKey)
	return err
}

// RevokeAccess forgets access on serviceKey. Sessions made with it die on the
// next account refresh for the service.
func (m *Manager) RevokeAccess(ctx context.Context, serviceKey, access string) error {
	if err := m.controller.Process().CheckBusy(); err != nil {
		return err
	}
	_, err := m.controller.WriteSynchronous(ctx, storage.ActionDelete, accessKey(serviceKey, access))
	return err
}

func (m *Manager) lookupAccount(ctx context.Context, serviceKey, access string) (string, error) {
	v, err := m.controller.Read(ctx, storage.ActionGet, accessKey(serviceKey, access))
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AddSession logs access in to serviceKey and returns the new session.
func (m *Manager) AddSession(ctx context.Context, serviceKey, access string) (*Session, error) {
	if err := m.controller.Process().CheckBusy(); err != nil {
		return nil, err
	}
	account, err := m.lookupAccount(ctx, serviceKey, access)
	if err != nil {
		return nil, fmt.Errorf("add session: %w", err)
	}
	s := &Session{
		Key:        uuid.NewString(),
		ServiceKey: serviceKey,
		AccessKey:  access,
		AccountKey: account,
		Expires:    m.controller.Clock().Now().Add(m.options.Lifetime),
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.lock.Lock()
	m.sessions[s.Key] = s
	m.lock.Unlock()
	out := *s
	return &out, nil
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.controller.Write(ctx, storage.ActionSet, sessionPrefix+s.Key, string(raw))
}

// GetAccountKey returns the account behind a live session.
func (m *Manager) GetAccountKey(serviceKey, sessionKey string) (string, error) {
	if err := m.controller.Process().CheckBusy(); err != nil {
		return "", err
	}
	m.lock.Lock()
	s, ok := m.sessions[sessionKey]
	if ok && s.ServiceKey != serviceKey {
		ok = false
	}
	if !ok {
		m.lock.Unlock()
		return "", errors.ErrorSessionNotFound
	}
	if !m.controller.Clock().Now().Before(s.Expires) {
		delete(m.sessions, sessionKey)
		m.lock.Unlock()
		m.forget(sessionKey)
		return "", errors.ErrorSessionExpired
	}
	account := s.AccountKey
	m.lock.Unlock()
	return account, nil
}

// RefreshAccounts re-reads the account of every session on serviceKey.
// Sessions whose access was revoked are dropped. It is the subscriber for
// TopicUpdateAccounts.
func (m *Manager) RefreshAccounts(serviceKey string) error {
	ctx := m.controller.Process().ModelCtx()
	m.lock.Lock()
	var targets []*Session
	for _, s := range m.sessions {
		if s.ServiceKey == serviceKey {
			targets = append(targets, s)
		}
	}
	m.lock.Unlock()

	var firstErr error
	for _, s := range targets {
		if err := m.controller.Process().CheckShutdown(ctx); err != nil {
			return err
		}
		account, err := m.lookupAccount(ctx, serviceKey, s.AccessKey)
		switch {
		case errors.Is(err, errors.ErrorKeyNotFound):
			m.lock.Lock()
			delete(m.sessions, s.Key)
			m.lock.Unlock()
			m.forget(s.Key)
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		default:
			m.lock.Lock()
			changed := s.AccountKey != account
			s.AccountKey = account
			snapshot := *s
			m.lock.Unlock()
			if changed {
				if err := m.persist(ctx, &snapshot); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// DeleteSessions drops every session on serviceKey.
func (m *Manager) DeleteSessions(serviceKey string) int {
	m.lock.Lock()
	var keys []string
	for k, s := range m.sessions {
		if s.ServiceKey == serviceKey {
			keys = append(keys, k)
			delete(m.sessions, k)
		}
	}
	m.lock.Unlock()
	for _, k := range keys {
		m.forget(k)
	}
	return len(keys)
}

// Purge drops expired sessions. It runs as the session_purge job.
func (m *Manager) Purge(ctx context.Context) error {
	now := m.controller.Clock().Now()
	m.lock.Lock()
	var keys []string
	for k, s := range m.sessions {
		if !now.Before(s.Expires) {
			keys = append(keys, k)
			delete(m.sessions, k)
		}
	}
	m.lock.Unlock()
	for _, k := range keys {
		if err := m.controller.Process().CheckShutdown(ctx); err != nil {
			return err
		}
		m.forget(k)
	}
	if len(keys) > 0 {
		m.logger.Info("purged expired sessions", zap.Int("count", len(keys)))
	}
	return nil
}

func (m *Manager) forget(key string) {
	ctx := m.controller.Process().ModelCtx()
	if err := m.controller.Write(ctx, storage.ActionDelete, sessionPrefix+key); err != nil {
		m.logger.Warn("forget session", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}
