// Package redis provides a Redis implementation of the ledger.Storage interface.
// Each mutation is a single Lua script, which Redis executes atomically, so
// concurrent grants and deducts on one account serialize on the server.
// Keys are not hash-tagged; run it against a single primary.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Storage implements ledger.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "photocredit:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "photocredit:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "photocredit:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// Every script replies with a status string followed by the account hash
// as field/value pairs.
const replyAccount = `
	local function reply(status, key)
		local fields = redis.call('HGETALL', key)
		table.insert(fields, 1, status)
		return fields
	end
`

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	s.scripts["create"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local shortCodeKey = KEYS[2]
		if redis.call('EXISTS', accountKey) == 1 or redis.call('EXISTS', shortCodeKey) == 1 then
			return 'exists'
		end
		redis.call('HSET', accountKey,
			'id', ARGV[1], 'short_code', ARGV[2], 'balance', ARGV[3], 'expiry_ms', ARGV[4],
			'role', ARGV[5], 'created_ms', ARGV[6], 'updated_ms', ARGV[7])
		redis.call('SET', shortCodeKey, ARGV[1])
		return 'ok'
	`)

	// Idempotency check, account lookup and mutation in one script.
	s.scripts["grant"] = redis.NewScript(replyAccount + `
		local accountKey = KEYS[1]
		local entryKey = KEYS[2]
		local indexKey = KEYS[3]
		local kind = ARGV[1]
		local quantity = tonumber(ARGV[2])
		local now = tonumber(ARGV[3])

		if redis.call('EXISTS', entryKey) == 1 then
			return {'duplicate'}
		end
		if redis.call('EXISTS', accountKey) == 0 then
			return {'not_found'}
		end

		if kind == 'credit' then
			redis.call('HINCRBY', accountKey, 'balance', quantity)
		else
			local expiry = tonumber(redis.call('HGET', accountKey, 'expiry_ms') or '0')
			local base = now
			if expiry > now then
				base = expiry
			end
			redis.call('HSET', accountKey, 'expiry_ms', string.format('%d', base + quantity * 86400000))
		end
		redis.call('HSET', accountKey, 'updated_ms', ARGV[3])
		redis.call('SET', entryKey, ARGV[4])
		redis.call('ZADD', indexKey, now, ARGV[5])
		return reply('ok', accountKey)
	`)

	s.scripts["deduct"] = redis.NewScript(replyAccount + `
		local accountKey = KEYS[1]
		local cost = tonumber(ARGV[1])
		local now = tonumber(ARGV[2])

		if redis.call('EXISTS', accountKey) == 0 then
			return {'not_found'}
		end
		local role = redis.call('HGET', accountKey, 'role')
		local expiry = tonumber(redis.call('HGET', accountKey, 'expiry_ms') or '0')
		if role == 'entitled' or expiry > now then
			return reply('bypass', accountKey)
		end
		local balance = tonumber(redis.call('HGET', accountKey, 'balance'))
		if balance < cost then
			return reply('insufficient', accountKey)
		end
		redis.call('HINCRBY', accountKey, 'balance', -cost)
		redis.call('HSET', accountKey, 'updated_ms', ARGV[2])
		return reply('ok', accountKey)
	`)

	s.scripts["refund"] = redis.NewScript(replyAccount + `
		local accountKey = KEYS[1]
		local amount = tonumber(ARGV[1])

		if redis.call('EXISTS', accountKey) == 0 then
			return {'not_found'}
		end
		if redis.call('HGET', accountKey, 'role') == 'entitled' then
			return reply('bypass', accountKey)
		end
		redis.call('HINCRBY', accountKey, 'balance', amount)
		redis.call('HSET', accountKey, 'updated_ms', ARGV[2])
		return reply('ok', accountKey)
	`)
}

func (s *Storage) accountKey(accountID string) string {
	return s.config.KeyPrefix + "account:" + accountID
}

func (s *Storage) shortCodeKey(shortCode string) string {
	return s.config.KeyPrefix + "shortcode:" + shortCode
}

func (s *Storage) entryKey(externalReference string) string {
	return s.config.KeyPrefix + "entry:" + externalReference
}

func (s *Storage) entryIndexKey(accountID string) string {
	return s.config.KeyPrefix + "entries:" + accountID
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func accountFromHash(h map[string]string) (*ledger.Account, error) {
	balance, err := strconv.ParseInt(h["balance"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", h["balance"], err)
	}
	expiry, _ := strconv.ParseInt(h["expiry_ms"], 10, 64)
	created, _ := strconv.ParseInt(h["created_ms"], 10, 64)
	updated, _ := strconv.ParseInt(h["updated_ms"], 10, 64)
	return &ledger.Account{
		ID:                h["id"],
		ShortCode:         h["short_code"],
		Balance:           balance,
		EntitlementExpiry: fromMillis(expiry),
		Role:              ledger.Role(h["role"]),
		CreatedAt:         fromMillis(created),
		UpdatedAt:         fromMillis(updated),
	}, nil
}

// parseScriptResult splits a script reply into its status and account.
func parseScriptResult(result interface{}) (string, *ledger.Account, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return "", nil, fmt.Errorf("unexpected script result type %T", result)
	}
	status, ok := values[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected script status type %T", values[0])
	}
	if len(values) == 1 {
		return status, nil, nil
	}

	h := make(map[string]string, (len(values)-1)/2)
	for i := 1; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		h[k] = v
	}
	acct, err := accountFromHash(h)
	if err != nil {
		return "", nil, err
	}
	return status, acct, nil
}

// GetAccount implements ledger.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	h, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(h) == 0 {
		return nil, ledger.ErrAccountNotFound
	}
	return accountFromHash(h)
}

// GetAccountByShortCode implements ledger.Storage
func (s *Storage) GetAccountByShortCode(ctx context.Context, shortCode string) (*ledger.Account, error) {
	id, err := s.client.Get(ctx, s.shortCodeKey(shortCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return s.GetAccount(ctx, id)
}

// CreateAccount implements ledger.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	res, err := s.scripts["create"].Run(ctx, s.client,
		[]string{s.accountKey(acct.ID), s.shortCodeKey(acct.ShortCode)},
		acct.ID, acct.ShortCode, acct.Balance, toMillis(acct.EntitlementExpiry),
		string(acct.Role), toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt),
	).Text()
	if err != nil {
		return classify(err)
	}
	if res == "exists" {
		return ledger.ErrAccountExists
	}
	return nil
}

// HasBeenProcessed implements ledger.Storage
func (s *Storage) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	n, err := s.client.Exists(ctx, s.entryKey(externalReference)).Result()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

// entryRecord is the JSON document stored per ledger entry.
type entryRecord struct {
	ID                string `json:"id"`
	AccountID         string `json:"accountId"`
	PackageCode       string `json:"packageCode"`
	Quantity          int64  `json:"quantity"`
	PriceCharged      int64  `json:"priceCharged"`
	Currency          string `json:"currency"`
	Kind              string `json:"kind"`
	Gateway           string `json:"gateway"`
	ExternalReference string `json:"externalReference"`
	Status            string `json:"status"`
	CreatedAt         int64  `json:"createdAt"`
	RawPayload        []byte `json:"rawPayload,omitempty"`
}

func toRecord(e *ledger.LedgerEntry) entryRecord {
	return entryRecord{
		ID:                e.ID,
		AccountID:         e.AccountID,
		PackageCode:       e.PackageCode,
		Quantity:          e.Quantity,
		PriceCharged:      e.PriceCharged,
		Currency:          e.Currency,
		Kind:              string(e.Kind),
		Gateway:           string(e.Gateway),
		ExternalReference: e.ExternalReference,
		Status:            string(e.Status),
		CreatedAt:         toMillis(e.CreatedAt),
		RawPayload:        e.RawPayload,
	}
}

func (r entryRecord) entry() *ledger.LedgerEntry {
	return &ledger.LedgerEntry{
		ID:                r.ID,
		AccountID:         r.AccountID,
		PackageCode:       r.PackageCode,
		Quantity:          r.Quantity,
		PriceCharged:      r.PriceCharged,
		Currency:          r.Currency,
		Kind:              ledger.Kind(r.Kind),
		Gateway:           ledger.Gateway(r.Gateway),
		ExternalReference: r.ExternalReference,
		Status:            ledger.EntryStatus(r.Status),
		CreatedAt:         fromMillis(r.CreatedAt),
		RawPayload:        r.RawPayload,
	}
}

func decodeEntry(data string) (*ledger.LedgerEntry, error) {
	var rec entryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
	}
	return rec.entry(), nil
}

// GetLedgerEntry implements ledger.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, externalReference string) (*ledger.LedgerEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(externalReference)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return decodeEntry(data)
}

// ListLedgerEntries implements ledger.Storage
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*ledger.LedgerEntry, error) {
	refs, err := s.client.ZRevRange(ctx, s.entryIndexKey(accountID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(refs) == 0 {
		return []*ledger.LedgerEntry{}, nil
	}

	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = s.entryKey(ref)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}

	entries := make([]*ledger.LedgerEntry, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Grant implements ledger.Storage
func (s *Storage) Grant(ctx context.Context, req *ledger.GrantRequest) (*ledger.Account, *ledger.LedgerEntry, error) {
	entry := ledger.NewEntry(req)
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	result, err := s.scripts["grant"].Run(ctx, s.client,
		[]string{s.accountKey(req.AccountID), s.entryKey(req.ExternalReference), s.entryIndexKey(req.AccountID)},
		string(req.Package.Kind), req.Package.Quantity, toMillis(req.Now), string(data), req.ExternalReference,
	).Result()
	if err != nil {
		return nil, nil, classify(err)
	}

	status, acct, err := parseScriptResult(result)
	if err != nil {
		return nil, nil, err
	}
	switch status {
	case "duplicate":
		return nil, nil, ledger.ErrAlreadyProcessed
	case "not_found":
		return nil, nil, ledger.ErrAccountNotFound
	case "ok":
		return acct, entry, nil
	default:
		return nil, nil, fmt.Errorf("unexpected grant status %q", status)
	}
}

// Deduct implements ledger.Storage
func (s *Storage) Deduct(ctx context.Context, req *ledger.DeductRequest) (*ledger.DeductResult, error) {
	result, err := s.scripts["deduct"].Run(ctx, s.client,
		[]string{s.accountKey(req.AccountID)}, req.Cost, toMillis(req.Now),
	).Result()
	if err != nil {
		return nil, classify(err)
	}

	status, acct, err := parseScriptResult(result)
	if err != nil {
		return nil, err
	}
	switch status {
	case "not_found":
		return nil, ledger.ErrAccountNotFound
	case "insufficient":
		return nil, &ledger.InsufficientBalanceError{AccountID: req.AccountID, Balance: acct.Balance, Cost: req.Cost}
	case "bypass":
		return &ledger.DeductResult{Account: acct, Bypassed: true}, nil
	case "ok":
		return &ledger.DeductResult{Account: acct}, nil
	default:
		return nil, fmt.Errorf("unexpected deduct status %q", status)
	}
}

// Refund implements ledger.Storage
func (s *Storage) Refund(ctx context.Context, req *ledger.RefundRequest) (*ledger.Account, error) {
	result, err := s.scripts["refund"].Run(ctx, s.client,
		[]string{s.accountKey(req.AccountID)}, req.Amount, toMillis(req.Now),
	).Result()
	if err != nil {
		return nil, classify(err)
	}

	status, acct, err := parseScriptResult(result)
	if err != nil {
		return nil, err
	}
	if status == "not_found" {
		return nil, ledger.ErrAccountNotFound
	}
	return acct, nil
}

// Now implements ledger.TimeSource using the Redis TIME command.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, classify(err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// classify maps client errors onto the ledger error taxonomy. Server
// replies pass through; transport failures become ErrStorageUnavailable.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redis: %w", err)
	}
	return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
}
