package configversion

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// maxLoadAttempts Load 在版本變動時的重試上限
const maxLoadAttempts = 5

// errVersionMoved Load 期間版本被其他寫入者推進
var errVersionMoved = errors.New("config version moved during load")

// deleteScript HDEL 成功才 INCR，文件不存在時回傳 -1
var deleteScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
	return -1
end
return redis.call('INCR', KEYS[2])
`)

// RedisStore 以 Redis 實作的設定儲存，多個 coordinator 共用同一個版本計數器
//
// 資料佈局:
//
//	<prefix>config:version          INCR 計數器
//	<prefix>config:<kind>           hash，id → JSON 文件
//
// 寫入使用 MULTI/EXEC 將 HSET 與 INCR 放在同一交易；
// 刪除使用 Lua script，只有真的刪掉文件才推進版本。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 建立 Redis 設定儲存
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) versionKey() string     { return s.prefix + "config:version" }
func (s *RedisStore) kindKey(k Kind) string { return s.prefix + "config:" + string(k) }

// Current 實作 Store
func (s *RedisStore) Current(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, s.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read config version: %w", err)
	}
	return v, nil
}

// Bump 實作 Store
func (s *RedisStore) Bump(ctx context.Context) (int64, error) {
	v, err := s.client.Incr(ctx, s.versionKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump config version: %w", err)
	}
	return v, nil
}

// Apply 實作 Store
func (s *RedisStore) Apply(ctx context.Context, m Mutation) (int64, error) {
	if !validKind(m.Kind) {
		return 0, ErrInvalidDocument
	}
	key := s.kindKey(m.Kind)

	if m.Delete {
		v, err := deleteScript.Run(ctx, s.client, []string{key, s.versionKey()}, m.ID).Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to delete %s/%s: %w", m.Kind, m.ID, err)
		}
		if v < 0 {
			return 0, ErrDocumentNotFound
		}
		return v, nil
	}

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, m.ID, string(m.Doc))
		incr = pipe.Incr(ctx, s.versionKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply %s/%s: %w", m.Kind, m.ID, err)
	}
	return incr.Val(), nil
}

// Get 實作 Store
func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if !validKind(kind) {
		return nil, ErrInvalidDocument
	}
	raw, err := s.client.HGet(ctx, s.kindKey(kind), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
	}
	return raw, nil
}

// Load 實作 Store
//
// 讀取前後比對版本號，版本變動時重試，確保文件與版本一致。
func (s *RedisStore) Load(ctx context.Context) (RawSnapshot, error) {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		before, err := s.Current(ctx)
		if err != nil {
			return RawSnapshot{}, err
		}

		docs := emptyDocs()
		cmds := make(map[Kind]*redis.MapStringStringCmd, len(Kinds))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range Kinds {
				cmds[k] = pipe.HGetAll(ctx, s.kindKey(k))
			}
			return nil
		})
		if err != nil {
			return RawSnapshot{}, fmt.Errorf("failed to load config documents: %w", err)
		}
		for k, cmd := range cmds {
			for id, doc := range cmd.Val() {
				docs[k][id] = []byte(doc)
			}
		}

		after, err := s.Current(ctx)
		if err != nil {
			return RawSnapshot{}, err
		}
		if before == after {
			return RawSnapshot{Version: after, Docs: docs}, nil
		}
	}
	return RawSnapshot{}, errVersionMoved
}

// Close 實作 Store（client 由呼叫端管理）
func (s *RedisStore) Close() error { return nil }

func validKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
