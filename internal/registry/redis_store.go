package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// RedisStore 以 Redis hash 實作的節點儲存，多個 coordinator 實例可共用
//
// 資料佈局:
//
//	<prefix>node:<id>  hash  meta, info, created, updated, hb, tasks, cfgv
//	<prefix>nodes      set   所有 node_id
//
// 時間以 Unix 微秒儲存，Lua 的 double 可以精確比較。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type nodeMeta struct {
	Capabilities       []string `json:"capabilities"`
	Version            string   `json:"version,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// touchScript 節點存在才更新心跳；時間戳只前進不後退
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'hb') or '0')
local at = tonumber(ARGV[1])
if at >= cur then
  redis.call('HSET', KEYS[1], 'hb', ARGV[1], 'tasks', ARGV[2], 'updated', ARGV[1])
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'cfgv', ARGV[3])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'info', ARGV[4])
end
return 1
`)

// NewRedisStore 建立 Redis 節點儲存
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) nodeKey(id string) string { return s.prefix + "node:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + "nodes" }

// Upsert 實作 Store
func (s *RedisStore) Upsert(ctx context.Context, req RegisterRequest, at time.Time) (types.Node, error) {
	meta, err := json.Marshal(nodeMeta{
		Capabilities:       req.Capabilities,
		Version:            req.Version,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Tags:               req.Tags,
	})
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to encode node meta: %w", err)
	}
	info, err := json.Marshal(req.Info)
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to encode node info: %w", err)
	}

	key := s.nodeKey(req.NodeID)
	micros := strconv.FormatInt(at.UnixMicro(), 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created", micros)
		pipe.HSet(ctx, key, "meta", string(meta), "info", string(info), "updated", micros)
		pipe.SAdd(ctx, s.indexKey(), req.NodeID)
		return nil
	})
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to upsert node %s: %w", req.NodeID, err)
	}
	return s.Get(ctx, req.NodeID)
}

// Touch 實作 Store
func (s *RedisStore) Touch(ctx context.Context, req HeartbeatRequest, at time.Time) (types.Node, error) {
	cfgv := ""
	if req.ConfigVersion != nil {
		cfgv = strconv.FormatInt(*req.ConfigVersion, 10)
	}
	info := ""
	if req.Info != nil {
		b, err := json.Marshal(req.Info)
		if err != nil {
			return types.Node{}, fmt.Errorf("failed to encode node info: %w", err)
		}
		info = string(b)
	}

	found, err := touchScript.Run(ctx, s.client, []string{s.nodeKey(req.NodeID)},
		at.UnixMicro(), req.CurrentTaskCount, cfgv, info).Int()
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to record heartbeat for %s: %w", req.NodeID, err)
	}
	if found == 0 {
		return types.Node{}, ErrUnknownNode
	}
	return s.Get(ctx, req.NodeID)
}

// Get 實作 Store
func (s *RedisStore) Get(ctx context.Context, nodeID string) (types.Node, error) {
	fields, err := s.client.HGetAll(ctx, s.nodeKey(nodeID)).Result()
	if err != nil {
		return types.Node{}, fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}
	if len(fields) == 0 {
		return types.Node{}, ErrNodeNotFound
	}
	return decodeNode(nodeID, fields)
}

// List 實作 Store
func (s *RedisStore) List(ctx context.Context) ([]types.Node, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node ids: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.nodeKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	nodes := make([]types.Node, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			// 已刪除但索引尚未清理
			continue
		}
		n, err := decodeNode(id, fields)
		if err != nil {
			log.WithError(err).WithField("node_id", id).Warn("Skipping undecodable node")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Delete 實作 Store
func (s *RedisStore) Delete(ctx context.Context, nodeID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.nodeKey(nodeID))
		pipe.SRem(ctx, s.indexKey(), nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete node %s: %w", nodeID, err)
	}
	return nil
}

func decodeNode(id string, f map[string]string) (types.Node, error) {
	n := types.Node{NodeID: id}

	if raw := f["meta"]; raw != "" {
		var meta nodeMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return n, fmt.Errorf("corrupt meta: %w", err)
		}
		n.Capabilities = meta.Capabilities
		n.Version = meta.Version
		n.MaxConcurrentTasks = meta.MaxConcurrentTasks
		n.Tags = meta.Tags
	}
	if raw := f["info"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &n.Info); err != nil {
			return n, fmt.Errorf("corrupt info: %w", err)
		}
	}

	n.CreatedAt = microsToTime(f["created"])
	n.UpdatedAt = microsToTime(f["updated"])
	n.LastHeartbeatAt = microsToTime(f["hb"])
	n.CurrentTaskCount, _ = strconv.Atoi(f["tasks"])
	n.ConfigVersion, _ = strconv.ParseInt(f["cfgv"], 10, 64)
	return n, nil
}

func microsToTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
