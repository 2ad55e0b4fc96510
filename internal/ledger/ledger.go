// Package ledger implements the append-only credit ledger. An owner's
// balance is the sum of all entries; the check-balance-then-debit step of
// a reservation runs as a single Redis Lua script so concurrent calls for
// the same owner can never double-spend.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reklamai/api/internal/model"
)

var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrAlreadyReserved     = errors.New("reservation already exists for generation")
	ErrReservationMissing  = errors.New("no reservation for generation")
	ErrFinalizeConflict    = errors.New("reservation finalized with a different amount")
)

const (
	balanceKeyPrefix     = "credits:balance:"
	entriesKeyPrefix     = "credits:entries:"
	reservationKeyPrefix = "credits:reservation:"
)

// reserveScript: KEYS[1]=balance, KEYS[2]=entries, KEYS[3]=reservation.
// ARGV[1]=amount, ARGV[2]=entry JSON, ARGV[3]=ownerID.
// Rejects without any change when the balance is short or the generation
// already holds a reservation.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 'dup'
end
local amount = tonumber(ARGV[1])
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
if bal < amount then
  return 'insufficient'
end
redis.call('INCRBYFLOAT', KEYS[1], -amount)
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], 'owner', ARGV[3], 'amount', ARGV[1], 'state', 'open')
return 'ok'
`)

// finalizeScript: KEYS[1]=reservation.
// ARGV[1]=finalAmount, ARGV[2]=balance key prefix, ARGV[3]=entries key
// prefix, ARGV[4]=entry JSON template (amount filled in here).
// Net charge becomes finalAmount: the delta against the reservation is
// refunded (or debited, for an overage). Repeating the call with the
// same amount is a no-op.
var finalizeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'missing'
end
if state == 'released' then
  return 'noop'
end
local final = tonumber(ARGV[1])
if state == 'finalized' then
  local prev = tonumber(redis.call('HGET', KEYS[1], 'final') or '-1')
  if prev == final then
    return 'noop'
  end
  return 'conflict'
end
local owner = redis.call('HGET', KEYS[1], 'owner')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'amount'))
local delta = reserved - final
if delta ~= 0 then
  redis.call('INCRBYFLOAT', ARGV[2] .. owner, delta)
end
local entry = cjson.decode(ARGV[4])
entry['amount'] = delta
entry['ownerId'] = owner
redis.call('LPUSH', ARGV[3] .. owner, cjson.encode(entry))
redis.call('HSET', KEYS[1], 'state', 'finalized', 'final', ARGV[1])
return 'ok'
`)

// releaseScript: KEYS[1]=reservation.
// ARGV[1]=balance key prefix, ARGV[2]=entries key prefix, ARGV[3]=entry
// JSON template. Fully refunds an open reservation; idempotent.
var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'missing'
end
if state ~= 'open' then
  return 'noop'
end
local owner = redis.call('HGET', KEYS[1], 'owner')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'amount'))
redis.call('INCRBYFLOAT', ARGV[1] .. owner, reserved)
local entry = cjson.decode(ARGV[3])
entry['amount'] = reserved
entry['ownerId'] = owner
redis.call('LPUSH', ARGV[2] .. owner, cjson.encode(entry))
redis.call('HSET', KEYS[1], 'state', 'released')
return 'ok'
`)

// Ledger mutates credit balances exclusively through Reserve, Finalize,
// Release and Grant. No direct balance writes exist elsewhere.
type Ledger struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Ledger {
	return &Ledger{redis: redisClient}
}

// Reserve atomically places a hold of amount credits against a
// generation. Returns ErrInsufficientCredits without any side effect
// when the owner's balance is short.
func (l *Ledger) Reserve(ctx context.Context, ownerID, generationID string, amount float64, meta map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %v", amount)
	}

	entry := model.LedgerEntry{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		GenerationID: generationID,
		Kind:         model.EntryReserve,
		Amount:       -amount,
		Meta:         meta,
		CreatedAt:    time.Now().UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	keys := []string{
		balanceKeyPrefix + ownerID,
		entriesKeyPrefix + ownerID,
		reservationKeyPrefix + generationID,
	}
	res, err := reserveScript.Run(ctx, l.redis, keys,
		formatAmount(amount), string(entryJSON), ownerID).Text()
	if err != nil {
		return fmt.Errorf("reserve script failed: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "insufficient":
		return ErrInsufficientCredits
	case "dup":
		return ErrAlreadyReserved
	default:
		return fmt.Errorf("unexpected reserve result %q", res)
	}
}

// Finalize adjusts the ledger so the net charge for the generation equals
// finalAmount. Idempotent for repeated calls with the same amount.
func (l *Ledger) Finalize(ctx context.Context, generationID string, finalAmount float64) error {
	entry := model.LedgerEntry{
		ID:           uuid.New().String(),
		GenerationID: generationID,
		Kind:         model.EntryFinalize,
		CreatedAt:    time.Now().UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	res, err := finalizeScript.Run(ctx, l.redis,
		[]string{reservationKeyPrefix + generationID},
		formatAmount(finalAmount), balanceKeyPrefix, entriesKeyPrefix, string(entryJSON)).Text()
	if err != nil {
		return fmt.Errorf("finalize script failed: %w", err)
	}

	switch res {
	case "ok", "noop":
		return nil
	case "missing":
		return ErrReservationMissing
	case "conflict":
		return ErrFinalizeConflict
	default:
		return fmt.Errorf("unexpected finalize result %q", res)
	}
}

// Release fully refunds the reservation tied to a generation. Idempotent;
// releasing a finalized or already-released reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, generationID string) error {
	entry := model.LedgerEntry{
		ID:           uuid.New().String(),
		GenerationID: generationID,
		Kind:         model.EntryRelease,
		CreatedAt:    time.Now().UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	res, err := releaseScript.Run(ctx, l.redis,
		[]string{reservationKeyPrefix + generationID},
		balanceKeyPrefix, entriesKeyPrefix, string(entryJSON)).Text()
	if err != nil {
		return fmt.Errorf("release script failed: %w", err)
	}

	switch res {
	case "ok", "noop":
		return nil
	case "missing":
		return ErrReservationMissing
	default:
		return fmt.Errorf("unexpected release result %q", res)
	}
}

// Grant credits an owner's balance (seeding, promotions). Purchase flows
// live outside this service; this is the only way balance increases
// without a prior reservation.
func (l *Ledger) Grant(ctx context.Context, ownerID string, amount float64, meta map[string]string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %v", amount)
	}

	entry := model.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      model.EntryGrant,
		Amount:    amount,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	pipe := l.redis.TxPipeline()
	pipe.IncrByFloat(ctx, balanceKeyPrefix+ownerID, amount)
	pipe.LPush(ctx, entriesKeyPrefix+ownerID, string(entryJSON))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}
	return nil
}

// Balance returns the owner's current spendable balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (float64, error) {
	val, err := l.redis.Get(ctx, balanceKeyPrefix+ownerID).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

// Entries returns the newest-first ledger entries for an owner.
func (l *Ledger) Entries(ctx context.Context, ownerID string, limit int64) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := l.redis.LRange(ctx, entriesKeyPrefix+ownerID, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]model.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var entry model.LedgerEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
