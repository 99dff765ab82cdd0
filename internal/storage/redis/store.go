// Package redis stores session records in Redis hashes and claims each
// session's order with SETNX.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/retry"
)

const activityKey = "sessions:activity"

var _ storage.Store = (*Store)(nil)

type Store struct {
	client  *redis.Client
	now     func() time.Time
	txRetry retry.Config
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &Store{
		client: client,
		now:    time.Now,
		txRetry: retry.Config{
			MaxAttempts:     10,
			InitialDelay:    2 * time.Millisecond,
			MaxDelay:        50 * time.Millisecond,
			Multiplier:      2.0,
			JitterFraction:  0.5,
			RetryableErrors: []error{redis.TxFailedErr},
			Logger:          logger.GetLogger(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("Redis record store initialized", zap.String("addr", addr))

	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func recordsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:records", sessionID)
}

func orderKey(sessionID string) string {
	return fmt.Sprintf("order:%s", sessionID)
}

func changesKey(sessionID string) string {
	return fmt.Sprintf("order:%s:changes", sessionID)
}

func changeIDsKey(sessionID string) string {
	return fmt.Sprintf("order:%s:change_ids", sessionID)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreFailure, op, err)
}

// PutRecord merges under WATCH on the session hash; a concurrent writer to the
// same session aborts the transaction and the merge is retried.
func (s *Store) PutRecord(ctx context.Context, record models.Record) (models.Record, error) {
	if err := record.Validate(); err != nil {
		return models.Record{}, err
	}

	key := recordsKey(record.SessionID)

	stored, err := retry.DoWithResult(ctx, s.txRetry, func() (models.Record, error) {
		var result models.Record

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := s.now()

			data, err := tx.HGet(ctx, key, record.RecordID).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				result = record
				result.CreatedAt = now
				result.UpdatedAt = now
			case err != nil:
				return err
			default:
				var existing models.Record
				if err := json.Unmarshal(data, &existing); err != nil {
					return retry.Permanent(fmt.Errorf("decode stored record: %w", err))
				}
				result, err = existing.Merge(record, now)
				if err != nil {
					return retry.Permanent(err)
				}
			}

			payload, err := json.Marshal(result)
			if err != nil {
				return retry.Permanent(err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, record.RecordID, payload)
				pipe.ZAdd(ctx, activityKey, redis.Z{
					Score:  float64(now.UnixMilli()),
					Member: record.SessionID,
				})
				return nil
			})
			return err
		}, key)

		return result, err
	})
	if err != nil {
		if errors.Is(err, models.ErrKindMismatch) {
			return models.Record{}, err
		}
		return models.Record{}, storeErr("put record", err)
	}

	return stored, nil
}

func (s *Store) GetRecord(ctx context.Context, sessionID, recordID string) (*models.Record, error) {
	data, err := s.client.HGet(ctx, recordsKey(sessionID), recordID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("record %s/%s: %w", sessionID, recordID, models.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}

	var r models.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

func (s *Store) QueryRecords(ctx context.Context, sessionID string) ([]models.Record, error) {
	values, err := s.client.HGetAll(ctx, recordsKey(sessionID)).Result()
	if err != nil {
		return nil, storeErr("query records", err)
	}

	records := make([]models.Record, 0, len(values))
	for recordID, data := range values {
		var r models.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, storeErr("decode record "+recordID, err)
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordID < records[j].RecordID })

	return records, nil
}

func (s *Store) GetOrder(ctx context.Context, sessionID string) (*models.Order, error) {
	data, err := s.client.Get(ctx, orderKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("order %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get order", err)
	}

	var o models.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (bool, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return false, fmt.Errorf("failed to marshal order: %w", err)
	}

	created, err := s.client.SetNX(ctx, orderKey(order.SessionID), data, 0).Result()
	if err != nil {
		return false, storeErr("create order", err)
	}

	if created {
		if err := s.client.ZRem(ctx, activityKey, order.SessionID).Err(); err != nil {
			logger.Warn("Failed to clear session activity", zap.String("session_id", order.SessionID), zap.Error(err))
		}
	}

	return created, nil
}

func (s *Store) ListStaleSessions(ctx context.Context, before time.Time, after string, limit int) ([]string, error) {
	candidates, err := s.client.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storeErr("list stale sessions", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(candidates))
	for i, sessionID := range candidates {
		exists[i] = pipe.Exists(ctx, orderKey(sessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("list stale sessions", err)
	}

	var sessions []string
	for i, sessionID := range candidates {
		if exists[i].Val() == 0 && sessionID > after {
			sessions = append(sessions, sessionID)
		}
	}
	sort.Strings(sessions)

	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// appendReportScript pushes a report only the first time its id is seen.
var appendReportScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

func (s *Store) AppendChangeReport(ctx context.Context, report models.ChangeReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal change report: %w", err)
	}

	keys := []string{changeIDsKey(report.SessionID), changesKey(report.SessionID)}
	if err := appendReportScript.Run(ctx, s.client, keys, report.ID, data).Err(); err != nil {
		return storeErr("append change report", err)
	}
	return nil
}

func (s *Store) ListChangeReports(ctx context.Context, sessionID string) ([]models.ChangeReport, error) {
	values, err := s.client.LRange(ctx, changesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list change reports", err)
	}

	reports := make([]models.ChangeReport, 0, len(values))
	for _, data := range values {
		var r models.ChangeReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
