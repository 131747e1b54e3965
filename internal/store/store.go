// Package store is the shared KV/stream layer on Redis. It is the only
// durable cross-worker state: latest order-book snapshots, coalescing
// notification markers, the aggregated tick stream, per-order status FIFOs,
// position/threshold/margin hashes, and the signal processing lock set.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

const (
	processingSetKey = "order:signal:processing"
	positionHashKey  = "order:position_status"
	thresholdKeyPref = "order:thresholds:"
	marginKeyPref    = "margin:"
	latestKeyPref    = "latest:"
	notifyKeyPref    = "notify:"
	orderStatusPref  = "order_status:"
	fundingRatePref  = "funding_rate:"
)

// lockBothScript atomically adds both venue members for a symbol to the
// processing set, or neither. Returns 1 on success, 0 if either is held.
var lockBothScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 0 end
if redis.call('SISMEMBER', KEYS[1], ARGV[2]) == 1 then return 0 end
redis.call('SADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Store wraps a Redis client with the engine's key scheme.
type Store struct {
	rdb *redis.Client
}

// Open connects to Redis at the given URL (redis://host:port/db).
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used by tests with redismock.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func latestKey(venue, symbol string) string  { return latestKeyPref + venue + ":" + symbol }
func notifyKey(venue, symbol string) string  { return notifyKeyPref + venue + ":" + symbol }
func orderStatusKey(venue, id string) string { return orderStatusPref + venue + ":" + id }
func thresholdKey(venue string) string       { return thresholdKeyPref + venue }
func marginKey(venue string) string          { return marginKeyPref + venue }
func fundingKey(venue, symbol string) string { return fundingRatePref + venue + ":" + symbol }
func lockMember(venue, symbol string) string { return venue + ":" + symbol }

// ————————————————————————————————————————————————————————————————————————
// Order book fanout
// ————————————————————————————————————————————————————————————————————————

// SetLatestOrderbook overwrites the latest snapshot slot for (venue, symbol).
func (s *Store) SetLatestOrderbook(ctx context.Context, ob types.OrderBookSnapshot) error {
	b, err := json.Marshal(ob)
	if err != nil {
		return fmt.Errorf("marshal orderbook: %w", err)
	}
	return s.rdb.Set(ctx, latestKey(ob.Venue, ob.Symbol), b, 0).Err()
}

// NotifyOrderbook pushes one coalescing token onto the notify marker list if
// it is empty. Updates arriving before the consumer wakes collapse into one
// token; a rare extra token between the length check and the push only causes
// one spurious aggregator wake.
func (s *Store) NotifyOrderbook(ctx context.Context, venue, symbol string) error {
	key := notifyKey(venue, symbol)
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("llen %s: %w", key, err)
	}
	if n > 0 {
		return nil
	}
	return s.rdb.LPush(ctx, key, "1").Err()
}

// WaitOrderbookNotify blocks up to timeout for a notify token. Returns false
// on timeout.
func (s *Store) WaitOrderbookNotify(ctx context.Context, venue, symbol string, timeout time.Duration) (bool, error) {
	_, err := s.rdb.BRPop(ctx, timeout, notifyKey(venue, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("brpop notify: %w", err)
	}
	return true, nil
}

// LatestOrderbooks reads the latest snapshots for one symbol on the given
// venues in one round trip. A venue with no snapshot yet yields nil.
func (s *Store) LatestOrderbooks(ctx context.Context, symbol string, venues []string) (map[string]*types.OrderBookSnapshot, error) {
	keys := make([]string, len(venues))
	for i, v := range venues {
		keys[i] = latestKey(v, symbol)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget latest: %w", err)
	}
	out := make(map[string]*types.OrderBookSnapshot, len(venues))
	for i, v := range venues {
		out[v] = nil
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		var ob types.OrderBookSnapshot
		if err := json.Unmarshal([]byte(str), &ob); err != nil {
			return nil, fmt.Errorf("unmarshal latest %s: %w", keys[i], err)
		}
		out[v] = &ob
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Aggregated tick stream
// ————————————————————————————————————————————————————————————————————————

// TickEntry is one stream entry with its Redis-assigned id.
type TickEntry struct {
	ID   string
	Tick types.AggregatedTick
}

// AppendTick appends an AggregatedTick to the stream with approximate maxlen
// trimming.
func (s *Store) AppendTick(ctx context.Context, stream string, maxLen int64, tick types.AggregatedTick) error {
	b, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{tick.Symbol: string(b)},
	}).Err()
}

// ReadTicks reads up to count entries after lastID, blocking up to block.
// Returns an empty slice on timeout.
func (s *Store) ReadTicks(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]TickEntry, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}

	var out []TickEntry
	for _, str := range res {
		for _, msg := range str.Messages {
			for _, v := range msg.Values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var tick types.AggregatedTick
				if err := json.Unmarshal([]byte(raw), &tick); err != nil {
					return nil, fmt.Errorf("unmarshal tick %s: %w", msg.ID, err)
				}
				out = append(out, TickEntry{ID: msg.ID, Tick: tick})
			}
		}
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order status FIFOs
// ————————————————————————————————————————————————————————————————————————

// PushOrderStatus appends a normalized order event to the per-order FIFO.
func (s *Store) PushOrderStatus(ctx context.Context, order types.Order) error {
	b, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return s.rdb.RPush(ctx, orderStatusKey(order.Venue, order.ID), b).Err()
}

// PopOrderStatus blocks up to timeout for the next order event. Returns nil
// on timeout.
func (s *Store) PopOrderStatus(ctx context.Context, venue, id string, timeout time.Duration) (*types.Order, error) {
	res, err := s.rdb.BLPop(ctx, timeout, orderStatusKey(venue, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop order status: %w", err)
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop order status: unexpected reply %v", res)
	}
	var order types.Order
	if err := json.Unmarshal([]byte(res[1]), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order status: %w", err)
	}
	return &order, nil
}

// PopOrderStatusNoWait pops the next order event without blocking. Returns
// nil when the FIFO is empty.
func (s *Store) PopOrderStatusNoWait(ctx context.Context, venue, id string) (*types.Order, error) {
	raw, err := s.rdb.LPop(ctx, orderStatusKey(venue, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lpop order status: %w", err)
	}
	var order types.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order status: %w", err)
	}
	return &order, nil
}

// DeleteOrderStatus drops a finished order's FIFO.
func (s *Store) DeleteOrderStatus(ctx context.Context, venue, id string) error {
	return s.rdb.Del(ctx, orderStatusKey(venue, id)).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Signal processing locks
// ————————————————————————————————————————————————————————————————————————

// TryLockSignal atomically adds (venue, symbol) to the processing set.
// Returns true if the lock was acquired.
func (s *Store) TryLockSignal(ctx context.Context, venue, symbol string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, processingSetKey, lockMember(venue, symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("sadd processing: %w", err)
	}
	return n == 1, nil
}

// UnlockSignal removes (venue, symbol) from the processing set.
func (s *Store) UnlockSignal(ctx context.Context, venue, symbol string) error {
	return s.rdb.SRem(ctx, processingSetKey, lockMember(venue, symbol)).Err()
}

// TryLockBoth acquires the locks for a symbol on both venues, or neither.
func (s *Store) TryLockBoth(ctx context.Context, venueA, venueB, symbol string) (bool, error) {
	n, err := lockBothScript.Run(ctx, s.rdb, []string{processingSetKey},
		lockMember(venueA, symbol), lockMember(venueB, symbol)).Int()
	if err != nil {
		return false, fmt.Errorf("lock both: %w", err)
	}
	return n == 1, nil
}

// UnlockBoth releases both venue locks for a symbol.
func (s *Store) UnlockBoth(ctx context.Context, venueA, venueB, symbol string) error {
	return s.rdb.SRem(ctx, processingSetKey, lockMember(venueA, symbol), lockMember(venueB, symbol)).Err()
}

// IsSignalLocked reports whether (venue, symbol) is currently held.
func (s *Store) IsSignalLocked(ctx context.Context, venue, symbol string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, processingSetKey, lockMember(venue, symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("sismember processing: %w", err)
	}
	return ok, nil
}

// ClearSignalLocks drops the whole processing set. Locks never survive a
// process restart.
func (s *Store) ClearSignalLocks(ctx context.Context) error {
	return s.rdb.Del(ctx, processingSetKey).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Positions, thresholds, margin, funding
// ————————————————————————————————————————————————————————————————————————

// SetPosition writes one venue's position for a symbol.
func (s *Store) SetPosition(ctx context.Context, venue, symbol string, ps types.PositionStatus) error {
	b, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return s.rdb.HSet(ctx, positionHashKey, lockMember(venue, symbol), b).Err()
}

// GetPosition reads one venue's position for a symbol; nil when absent.
func (s *Store) GetPosition(ctx context.Context, venue, symbol string) (*types.PositionStatus, error) {
	raw, err := s.rdb.HGet(ctx, positionHashKey, lockMember(venue, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget position: %w", err)
	}
	var ps types.PositionStatus
	if err := json.Unmarshal([]byte(raw), &ps); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &ps, nil
}

// DeletePosition removes a closed position's hash field.
func (s *Store) DeletePosition(ctx context.Context, venue, symbol string) error {
	return s.rdb.HDel(ctx, positionHashKey, lockMember(venue, symbol)).Err()
}

// SetThresholds publishes the per-symbol threshold blob for a maker venue.
// The blob is written whole, so readers never observe a partial update.
func (s *Store) SetThresholds(ctx context.Context, makerVenue string, th types.SymbolThresholds) error {
	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	return s.rdb.HSet(ctx, thresholdKey(makerVenue), th.Symbol, b).Err()
}

// GetThresholds reads the published thresholds for (maker venue, symbol);
// nil when not yet published.
func (s *Store) GetThresholds(ctx context.Context, makerVenue, symbol string) (*types.SymbolThresholds, error) {
	raw, err := s.rdb.HGet(ctx, thresholdKey(makerVenue), symbol).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget thresholds: %w", err)
	}
	var th types.SymbolThresholds
	if err := json.Unmarshal([]byte(raw), &th); err != nil {
		return nil, fmt.Errorf("unmarshal thresholds: %w", err)
	}
	return &th, nil
}

// ClearThresholds drops a maker venue's threshold hash.
func (s *Store) ClearThresholds(ctx context.Context, makerVenue string) error {
	return s.rdb.Del(ctx, thresholdKey(makerVenue)).Err()
}

// SetMargin writes a venue's margin summary.
func (s *Store) SetMargin(ctx context.Context, venue string, m types.Margin) error {
	return s.rdb.HSet(ctx, marginKey(venue),
		"used", m.Used.String(),
		"free", m.Free.String(),
		"total", m.Total.String(),
	).Err()
}

// GetMargin reads a venue's margin summary; nil when absent.
func (s *Store) GetMargin(ctx context.Context, venue string) (*types.Margin, error) {
	vals, err := s.rdb.HGetAll(ctx, marginKey(venue)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall margin: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	var m types.Margin
	if m.Used, err = decimal.NewFromString(vals["used"]); err != nil {
		return nil, fmt.Errorf("margin used: %w", err)
	}
	if m.Free, err = decimal.NewFromString(vals["free"]); err != nil {
		return nil, fmt.Errorf("margin free: %w", err)
	}
	if m.Total, err = decimal.NewFromString(vals["total"]); err != nil {
		return nil, fmt.Errorf("margin total: %w", err)
	}
	return &m, nil
}

// SetFunding writes a venue's funding snapshot for a symbol.
func (s *Store) SetFunding(ctx context.Context, fs types.FundingSnapshot) error {
	b, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal funding: %w", err)
	}
	return s.rdb.Set(ctx, fundingKey(fs.Venue, fs.Symbol), b, 0).Err()
}

// GetFunding reads a venue's funding snapshot for a symbol; nil when absent.
func (s *Store) GetFunding(ctx context.Context, venue, symbol string) (*types.FundingSnapshot, error) {
	raw, err := s.rdb.Get(ctx, fundingKey(venue, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get funding: %w", err)
	}
	var fs types.FundingSnapshot
	if err := json.Unmarshal([]byte(raw), &fs); err != nil {
		return nil, fmt.Errorf("unmarshal funding: %w", err)
	}
	return &fs, nil
}
