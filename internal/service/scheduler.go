package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/syx0310/claude-relay-service/internal/config"
	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
)

// ErrNoAvailableAccounts is returned when every configured account is
// rate-limited or unauthorized.
var ErrNoAvailableAccounts = errors.New("no available upstream accounts")

const (
	defaultRateLimitTTL = time.Minute
	stickySessionTTL    = time.Hour
)

// Account is one upstream credential the scheduler can hand out.
type Account struct {
	ID      string
	Name    string
	Type    string // domain.AccountTypeOAuth | domain.AccountTypeAPIKey
	Token   string
	BaseURL string
	Proxy   string
	Headers map[string]string
}

// AccountSelection is the scheduler's answer for one request.
type AccountSelection struct {
	AccountID   string
	AccountType string
	Account     *Account
	Token       string
	Proxy       string
}

// RateLimitSnapshot mirrors the upstream usage headers forwarded to the
// account service after a successful request.
type RateLimitSnapshot struct {
	PrimaryUsedPercent               float64 `json:"primary_used_percent,omitempty"`
	PrimaryResetAfterSeconds         float64 `json:"primary_reset_after_seconds,omitempty"`
	PrimaryWindowMinutes             float64 `json:"primary_window_minutes,omitempty"`
	SecondaryUsedPercent             float64 `json:"secondary_used_percent,omitempty"`
	SecondaryResetAfterSeconds       float64 `json:"secondary_reset_after_seconds,omitempty"`
	SecondaryWindowMinutes           float64 `json:"secondary_window_minutes,omitempty"`
	PrimaryOverSecondaryLimitPercent float64 `json:"primary_over_secondary_limit_percent,omitempty"`
}

// Empty reports whether no header contributed a value.
func (s RateLimitSnapshot) Empty() bool {
	return s == RateLimitSnapshot{}
}

// Scheduler owns account state: selection, rate-limit and auth
// bookkeeping. The gateway treats it as a remote capability; failures
// surface as 5xx-class errors.
type Scheduler interface {
	SelectAccount(ctx context.Context, apiKeyID, sessionHash, requestedModel string) (*AccountSelection, error)
	MarkRateLimited(accountID, accountType, sessionHash string, resetsAfter time.Duration)
	MarkUnauthorized(accountID, accountType, sessionHash, reason string)
	IsRateLimited(accountID string) bool
	ClearRateLimit(accountID, accountType string)
	UpdateRateLimitSnapshot(accountID string, snapshot RateLimitSnapshot)
}

// SessionHash derives a sticky-session key from the api key and the head
// of the conversation, so multi-turn conversations keep landing on the
// same upstream account.
func SessionHash(apiKeyID string, body []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(apiKeyID)
	if head := gjson.GetBytes(body, "messages.0.content"); head.Exists() {
		_, _ = h.WriteString(head.Raw)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// AccountScheduler is the in-process Scheduler backed by configured
// accounts. Rate-limit and unauthorized marks live in TTL caches; sticky
// sessions pin a session hash to the account that served it last.
type AccountScheduler struct {
	accounts     []Account
	rateLimits   *gocache.Cache
	unauthorized *gocache.Cache
	sticky       *gocache.Cache
	snapshots    *gocache.Cache
	cron         *cron.Cron
}

// NewAccountScheduler builds a scheduler from configuration and starts a
// periodic job that logs account health.
func NewAccountScheduler(accounts []config.AccountConfig) *AccountScheduler {
	s := &AccountScheduler{
		accounts:     make([]Account, 0, len(accounts)),
		rateLimits:   gocache.New(defaultRateLimitTTL, 5*time.Minute),
		unauthorized: gocache.New(gocache.NoExpiration, 0),
		sticky:       gocache.New(stickySessionTTL, 10*time.Minute),
		snapshots:    gocache.New(gocache.NoExpiration, 0),
		cron:         cron.New(),
	}
	for _, a := range accounts {
		s.accounts = append(s.accounts, Account{
			ID:      a.ID,
			Name:    a.Name,
			Type:    a.Type,
			Token:   a.Token,
			BaseURL: a.BaseURL,
			Proxy:   a.Proxy,
			Headers: a.Headers,
		})
	}
	_, _ = s.cron.AddFunc("@every 1m", s.logHealth)
	s.cron.Start()
	return s
}

// Stop halts the background health job.
func (s *AccountScheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SelectAccount returns a healthy account, preferring the one the session
// hash last used.
func (s *AccountScheduler) SelectAccount(ctx context.Context, apiKeyID, sessionHash, requestedModel string) (*AccountSelection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if sessionHash != "" {
		if id, ok := s.sticky.Get(sessionHash); ok {
			if acc := s.findAccount(id.(string)); acc != nil && s.healthy(acc.ID) {
				return s.selection(acc), nil
			}
		}
	}

	for i := range s.accounts {
		acc := &s.accounts[i]
		if !s.healthy(acc.ID) {
			continue
		}
		if sessionHash != "" {
			s.sticky.SetDefault(sessionHash, acc.ID)
		}
		return s.selection(acc), nil
	}
	return nil, ErrNoAvailableAccounts
}

func (s *AccountScheduler) selection(acc *Account) *AccountSelection {
	return &AccountSelection{
		AccountID:   acc.ID,
		AccountType: acc.Type,
		Account:     acc,
		Token:       acc.Token,
		Proxy:       acc.Proxy,
	}
}

func (s *AccountScheduler) findAccount(id string) *Account {
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			return &s.accounts[i]
		}
	}
	return nil
}

func (s *AccountScheduler) healthy(accountID string) bool {
	if _, limited := s.rateLimits.Get(accountID); limited {
		return false
	}
	_, unauthorized := s.unauthorized.Get(accountID)
	return !unauthorized
}

// MarkRateLimited records a 429 for the account. resetsAfter of zero falls
// back to a short default so the account is retried soon.
func (s *AccountScheduler) MarkRateLimited(accountID, accountType, sessionHash string, resetsAfter time.Duration) {
	ttl := resetsAfter
	if ttl <= 0 {
		ttl = defaultRateLimitTTL
	}
	s.rateLimits.Set(accountID, time.Now().Add(ttl), ttl)
	if sessionHash != "" {
		s.sticky.Delete(sessionHash)
	}
	logger.L().Warn("scheduler.account_rate_limited",
		zap.String("account_id", accountID),
		zap.String("account_type", accountType),
		zap.Duration("resets_after", ttl),
	)
}

// MarkUnauthorized takes the account out of rotation until an operator
// intervenes.
func (s *AccountScheduler) MarkUnauthorized(accountID, accountType, sessionHash, reason string) {
	s.unauthorized.Set(accountID, reason, gocache.NoExpiration)
	if sessionHash != "" {
		s.sticky.Delete(sessionHash)
	}
	logger.L().Error("scheduler.account_unauthorized",
		zap.String("account_id", accountID),
		zap.String("account_type", accountType),
		zap.String("reason", reason),
	)
}

// IsRateLimited reports whether the account currently has a rate-limit mark.
func (s *AccountScheduler) IsRateLimited(accountID string) bool {
	_, limited := s.rateLimits.Get(accountID)
	return limited
}

// ClearRateLimit removes the rate-limit mark after a successful request.
func (s *AccountScheduler) ClearRateLimit(accountID, accountType string) {
	s.rateLimits.Delete(accountID)
	logger.L().Info("scheduler.rate_limit_cleared",
		zap.String("account_id", accountID),
		zap.String("account_type", accountType),
	)
}

// UpdateRateLimitSnapshot stores the latest upstream usage-window snapshot
// for the account.
func (s *AccountScheduler) UpdateRateLimitSnapshot(accountID string, snapshot RateLimitSnapshot) {
	if snapshot.Empty() {
		return
	}
	s.snapshots.Set(accountID, snapshot, gocache.NoExpiration)
}

// Snapshot returns the last stored usage snapshot for an account.
func (s *AccountScheduler) Snapshot(accountID string) (RateLimitSnapshot, bool) {
	v, ok := s.snapshots.Get(accountID)
	if !ok {
		return RateLimitSnapshot{}, false
	}
	return v.(RateLimitSnapshot), true
}

func (s *AccountScheduler) logHealth() {
	limited := s.rateLimits.ItemCount()
	unauthorized := s.unauthorized.ItemCount()
	if limited == 0 && unauthorized == 0 {
		return
	}
	logger.L().Info("scheduler.health",
		zap.Int("accounts", len(s.accounts)),
		zap.Int("rate_limited", limited),
		zap.Int("unauthorized", unauthorized),
	)
}
