// Package store persists generation records in Redis. Rows are JSON
// under generation:{id}; per-owner and active-set indexes are sorted
// sets scored by creation time. Status transitions run through a Lua
// script so the queued → processing → terminal progression can never
// run backwards, even under concurrent pollers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reklamai/api/internal/model"
)

var ErrNotFound = errors.New("generation not found")

const (
	genKeyPrefix     = "generation:"
	ownerIndexPrefix = "generations:owner:"
	activeIndexKey   = "generations:active"
	retention        = 30 * 24 * time.Hour
)

// updateStatusScript applies one status transition atomically.
// KEYS[1]=generation row, KEYS[2]=global active index (the per-owner
// index holds all generations, terminal included, so it is not touched).
// ARGV: [1]=new status, [2]=progress (-1 keeps current), [3]=error message
// ('' = none), [4]=outputs JSON array ('' = none), [5]=credits final
// ('' = none), [6]=now RFC3339.
//
// Returns 'applied' when the status field changed, 'progress' when only
// progress moved within the same status, 'noop' when the transition is
// not permitted (terminal row, or a regression).
var updateStatusScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'missing'
end
local row = cjson.decode(raw)
local ranks = {queued=0, processing=1, succeeded=2, failed=2, cancelled=2}
local cur = row['status']
local new = ARGV[1]
if ranks[cur] == 2 then
  return 'noop'
end
if ranks[new] == nil or ranks[new] < ranks[cur] then
  return 'noop'
end

local result = 'progress'
if new ~= cur then
  row['status'] = new
  result = 'applied'
end
if ARGV[2] ~= '-1' then
  row['progress'] = tonumber(ARGV[2])
end
if ARGV[3] ~= '' then
  row['error'] = ARGV[3]
end
if ARGV[4] ~= '' and new == 'succeeded' then
  row['outputs'] = cjson.decode(ARGV[4])
end
if ARGV[5] ~= '' then
  row['creditsFinal'] = tonumber(ARGV[5])
end
row['updatedAt'] = ARGV[6]
if ranks[new] == 2 then
  row['completedAt'] = ARGV[6]
  if new == 'succeeded' then
    row['progress'] = 100
  end
  redis.call('ZREM', KEYS[2], row['id'])
end
redis.call('SET', KEYS[1], cjson.encode(row), 'KEEPTTL')
return result
`)

// patchSubmitScript updates the submit bookkeeping fields without ever
// touching a terminal row. A plain read-modify-write here could write a
// stale live status back over a concurrent cancel, resurrecting the row.
// ARGV: [1]=provider task ID ('' = keep), [2]=submit state ('' = keep),
// [3]=now RFC3339.
var patchSubmitScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'missing'
end
local row = cjson.decode(raw)
local terminal = {succeeded=true, failed=true, cancelled=true}
if terminal[row['status']] then
  return 'stale'
end
if ARGV[1] ~= '' then
  row['providerTaskId'] = ARGV[1]
end
if ARGV[2] ~= '' then
  row['submitState'] = ARGV[2]
end
row['updatedAt'] = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(row), 'KEEPTTL')
return 'ok'
`)

// StatusUpdate describes one requested transition. Zero-value optional
// fields are left untouched on the row.
type StatusUpdate struct {
	Status       model.GenerationStatus
	Progress     int // -1 keeps the current value
	Error        string
	Outputs      []model.Asset
	CreditsFinal *float64
}

// GenerationStore is the only writer of generation rows.
type GenerationStore struct {
	redis *redis.Client
}

func NewGenerationStore(redisClient *redis.Client) *GenerationStore {
	return &GenerationStore{redis: redisClient}
}

// Create persists a new row and indexes it for the owner and the
// reconciliation scan.
func (s *GenerationStore) Create(ctx context.Context, gen *model.Generation) error {
	data, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("failed to marshal generation: %w", err)
	}

	score := float64(gen.CreatedAt.UnixMilli())
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, genKeyPrefix+gen.ID, data, retention)
	pipe.ZAdd(ctx, ownerIndexPrefix+gen.OwnerID, redis.Z{Score: score, Member: gen.ID})
	pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score, Member: gen.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save generation: %w", err)
	}
	return nil
}

func (s *GenerationStore) Get(ctx context.Context, id string) (*model.Generation, error) {
	data, err := s.redis.Get(ctx, genKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var gen model.Generation
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation: %w", err)
	}
	return &gen, nil
}

// UpdateStatus applies the transition atomically and reports whether the
// status field actually changed. A false return with a nil error means
// the update was ignored (row already terminal, or a regression) or only
// progress moved; callers settle credits only on a true return.
func (s *GenerationStore) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error) {
	outputsJSON := ""
	if len(upd.Outputs) > 0 {
		b, err := json.Marshal(upd.Outputs)
		if err != nil {
			return false, fmt.Errorf("failed to marshal outputs: %w", err)
		}
		outputsJSON = string(b)
	}
	creditsFinal := ""
	if upd.CreditsFinal != nil {
		creditsFinal = fmt.Sprintf("%v", *upd.CreditsFinal)
	}

	res, err := updateStatusScript.Run(ctx, s.redis,
		[]string{genKeyPrefix + id, activeIndexKey},
		string(upd.Status),
		fmt.Sprintf("%d", upd.Progress),
		upd.Error,
		outputsJSON,
		creditsFinal,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return false, fmt.Errorf("status update script failed: %w", err)
	}

	switch res {
	case "applied":
		return true, nil
	case "progress", "noop":
		return false, nil
	case "missing":
		return false, ErrNotFound
	default:
		return false, fmt.Errorf("unexpected status update result %q", res)
	}
}

// AttachProviderTask records the provider task ID after an acknowledged
// submit.
func (s *GenerationStore) AttachProviderTask(ctx context.Context, id, taskID string) error {
	return s.patchSubmit(ctx, id, taskID, model.SubmitAccepted)
}

// MarkSubmitUnknown flags a generation whose submit call timed out before
// the provider answered. The row stays queued with its credits held until
// the reconciliation worker resolves it.
func (s *GenerationStore) MarkSubmitUnknown(ctx context.Context, id string) error {
	return s.patchSubmit(ctx, id, "", model.SubmitUnknown)
}

// patchSubmit runs the guarded Lua update. A row that went terminal in
// the meantime is left untouched; the submit bookkeeping is irrelevant
// once the generation is settled.
func (s *GenerationStore) patchSubmit(ctx context.Context, id, taskID string, state model.SubmitState) error {
	res, err := patchSubmitScript.Run(ctx, s.redis,
		[]string{genKeyPrefix + id},
		taskID,
		string(state),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return fmt.Errorf("submit patch script failed: %w", err)
	}
	if res == "missing" {
		return ErrNotFound
	}
	return nil
}

// List returns the owner's generations newest first.
func (s *GenerationStore) List(ctx context.Context, ownerID string, status model.GenerationStatus, limit, offset int) ([]model.Generation, int64, error) {
	if limit <= 0 {
		limit = 20
	}

	key := ownerIndexPrefix + ownerID

	// A status filter has to walk the whole index; unfiltered pages come
	// straight from the zset.
	if status == "" {
		total, err := s.redis.ZCard(ctx, key).Result()
		if err != nil {
			return nil, 0, err
		}

		ids, err := s.redis.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, 0, err
		}

		items, err := s.loadAll(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		return items, total, nil
	}

	ids, err := s.redis.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}

	all, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]model.Generation, 0, len(all))
	for _, gen := range all {
		if gen.Status == status {
			matched = append(matched, gen)
		}
	}
	total := int64(len(matched))

	if offset >= len(matched) {
		return []model.Generation{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// ListActive returns the owner's live (queued or processing) generations,
// newest first.
func (s *GenerationStore) ListActive(ctx context.Context, ownerID string) ([]model.Generation, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerIndexPrefix+ownerID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	all, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	active := make([]model.Generation, 0, len(all))
	for _, gen := range all {
		if !gen.Status.Terminal() {
			active = append(active, gen)
		}
	}
	return active, nil
}

func (s *GenerationStore) loadAll(ctx context.Context, ids []string) ([]model.Generation, error) {
	items := make([]model.Generation, 0, len(ids))
	for _, id := range ids {
		gen, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // row expired out from under the index
			}
			return nil, err
		}
		items = append(items, *gen)
	}
	return items, nil
}

// ActiveOlderThan returns IDs of non-terminal generations created before
// the cutoff. The reconciliation worker uses this to find stuck rows.
func (s *GenerationStore) ActiveOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.redis.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.UnixMilli()),
		Count: limit,
	}).Result()
}
