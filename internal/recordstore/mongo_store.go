// ============================================================================
// MongoDB 記錄庫
// ============================================================================
//
// 文件格式（欄位名稱可設定，預設值如下）:
//
//	{
//	  "AnalyzeUUID": "…",                 // record_reference
//	  "info_features": {…},               // 路由條件使用的屬性
//	  "dispatch": {                       // rule_id → 派發連結
//	    "<rule_id>": {rule_id, task_ids, token, state, claimed_at, …}
//	  },
//	  "dispatch_routed_at": ISODate,      // 存在即代表已完成路由
//	  "dispatch_routed_version": 12,
//	  "updated_at": ISODate
//	}
//
// 佔用是單一的條件式 UpdateOne（dispatch.<rule_id> 不存在時才 $set），
// 多個 coordinator 同時監看同一個 collection 也只有一個會成功。
//
// ============================================================================

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("recordstore")

// Fields 記錄文件的欄位名稱
type Fields struct {
	Reference  string
	Attributes string
	Dispatch   string
	Routed     string
	Updated    string
}

// DefaultFields 預設欄位名稱
func DefaultFields() Fields {
	return Fields{
		Reference:  "AnalyzeUUID",
		Attributes: "info_features",
		Dispatch:   "dispatch",
		Routed:     "dispatch_routed_at",
		Updated:    "updated_at",
	}
}

func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.Reference == "" {
		f.Reference = d.Reference
	}
	if f.Attributes == "" {
		f.Attributes = d.Attributes
	}
	if f.Dispatch == "" {
		f.Dispatch = d.Dispatch
	}
	if f.Routed == "" {
		f.Routed = d.Routed
	}
	if f.Updated == "" {
		f.Updated = d.Updated
	}
	return f
}

func (f Fields) routedVersion() string { return f.Routed + "_version" }

func (f Fields) linkage(ruleID string) string { return f.Dispatch + "." + ruleID }

// MongoStore 以一個 collection 為單位的記錄庫
type MongoStore struct {
	instance string
	client   *mongo.Client
	coll     *mongo.Collection
	fields   Fields
	owned    bool // client 由此 store 建立，Close 時斷線
}

// OpenMongoStore 連線並建立記錄庫
func OpenMongoStore(ctx context.Context, inst types.StoreInstance, fields Fields) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(inst.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to record store %s: %w", inst.InstanceID, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping record store %s: %w", inst.InstanceID, err)
	}
	s := NewMongoStore(client, inst, fields)
	s.owned = true
	return s, nil
}

// NewMongoStore 使用既有 client 建立記錄庫
func NewMongoStore(client *mongo.Client, inst types.StoreInstance, fields Fields) *MongoStore {
	return &MongoStore{
		instance: inst.InstanceID,
		client:   client,
		coll:     client.Database(inst.Database).Collection(inst.Collection),
		fields:   fields.withDefaults(),
	}
}

// Instance 實作 Store
func (s *MongoStore) Instance() string { return s.instance }

// Get 實作 Store
func (s *MongoStore) Get(ctx context.Context, ref string) (types.Record, error) {
	raw, err := s.coll.FindOne(ctx, bson.D{{Key: s.fields.Reference, Value: ref}}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Record{}, ErrRecordNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to read record %s: %w", ref, err)
	}
	return s.decode(raw)
}

// Insert 實作 Store（以 record_reference upsert，保留派發連結、清除 routed 標記）
func (s *MongoStore) Insert(ctx context.Context, rec types.Record) error {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: s.fields.Reference, Value: rec.Reference}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: s.fields.Attributes, Value: attrs},
				{Key: s.fields.Updated, Value: at},
			}},
			{Key: "$unset", Value: bson.D{
				{Key: s.fields.Routed, Value: ""},
				{Key: s.fields.routedVersion(), Value: ""},
			}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.Reference, err)
	}
	return nil
}

// ClaimDispatch 實作 Store
func (s *MongoStore) ClaimDispatch(ctx context.Context, ref string, l types.DispatchLinkage) error {
	field := s.fields.linkage(l.RuleID)
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: s.fields.Reference, Value: ref},
			{Key: field, Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: l}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to claim %s for %s: %w", l.RuleID, ref, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	// 沒有匹配：區分「記錄不存在」與「已被佔用」
	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: s.fields.Reference, Value: ref}}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", ref, err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return ErrClaimConflict
}

// ConfirmDispatch 實作 Store
func (s *MongoStore) ConfirmDispatch(ctx context.Context, ref, ruleID, token string, at, expiresAt time.Time) error {
	field := s.fields.linkage(ruleID)
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: s.fields.Reference, Value: ref},
			{Key: field + ".token", Value: token},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: field + ".state", Value: types.LinkagePublished},
			{Key: field + ".published_at", Value: at},
			{Key: field + ".expires_at", Value: expiresAt},
		}}},
	)
	if err != nil {
		return fmt.Errorf("failed to confirm %s for %s: %w", ruleID, ref, err)
	}
	if res.MatchedCount == 0 {
		return ErrClaimNotHeld
	}
	return nil
}

// ReleaseDispatch 實作 Store
func (s *MongoStore) ReleaseDispatch(ctx context.Context, ref, ruleID, token string) error {
	field := s.fields.linkage(ruleID)
	res, err := s.coll.UpdateOne(ctx,
		bson.D{
			{Key: s.fields.Reference, Value: ref},
			{Key: field + ".token", Value: token},
		},
		bson.D{{Key: "$unset", Value: bson.D{{Key: field, Value: ""}}}},
	)
	if err != nil {
		return fmt.Errorf("failed to release %s for %s: %w", ruleID, ref, err)
	}
	if res.MatchedCount == 0 {
		return ErrClaimNotHeld
	}
	return nil
}

// MarkRouted 實作 Store
func (s *MongoStore) MarkRouted(ctx context.Context, ref string, at time.Time, version int64) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: s.fields.Reference, Value: ref}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: s.fields.Routed, Value: at},
			{Key: s.fields.routedVersion(), Value: version},
		}}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s routed: %w", ref, err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// FindUnrouted 實作 Store
func (s *MongoStore) FindUnrouted(ctx context.Context, q Query) ([]types.Record, error) {
	filter := bson.D{
		{Key: s.fields.Reference, Value: bson.D{{Key: "$exists", Value: true}}},
		{Key: s.fields.Routed, Value: bson.D{{Key: "$exists", Value: false}}},
	}
	if len(q.Exclude) > 0 {
		filter[0] = bson.E{Key: s.fields.Reference, Value: bson.D{
			{Key: "$exists", Value: true},
			{Key: "$nin", Value: q.Exclude},
		}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query unrouted records: %w", err)
	}
	defer cur.Close(ctx)

	out := []types.Record{}
	for cur.Next(ctx) {
		rec, err := s.decode(cur.Current)
		if err != nil {
			log.WithError(err).Warn("Skipping undecodable record")
			continue
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return out, fmt.Errorf("failed to iterate unrouted records: %w", err)
	}
	return out, nil
}

// changeEvent change stream 事件中用到的欄位
type changeEvent struct {
	OperationType     string   `bson:"operationType"`
	FullDocument      bson.Raw `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields bson.Raw `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

// Watch 實作 Store，使用 change stream（需要 replica set）
//
// 處理 insert/replace，以及 update 中符合下列任一條件者:
//   - 文件尚未路由，且不是只動到派發相關欄位
//   - 修改了屬性欄位；已路由的文件會先清除 routed 標記再交給 handle
func (s *MongoStore) Watch(ctx context.Context, ready func(), handle Handler) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := s.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.WithoutCancel(ctx))

	log.WithField("instance", s.instance).Info("Change stream opened")
	if ready != nil {
		ready()
	}

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			log.WithError(err).Warn("Skipping undecodable change event")
			continue
		}
		if len(ev.FullDocument) == 0 {
			continue
		}
		rec, err := s.decode(ev.FullDocument)
		if err != nil {
			log.WithError(err).Warn("Skipping undecodable record")
			continue
		}
		if !s.needsRouting(ev, rec) {
			continue
		}
		if !rec.RoutedAt.IsZero() {
			if err := s.clearRouted(ctx, rec.Reference); err != nil {
				log.WithError(err).WithField("record_reference", rec.Reference).Warn("Failed to reset routed marker")
				continue
			}
			rec.RoutedAt = time.Time{}
			rec.RoutedVersion = 0
		}
		handle(ctx, rec)
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("change stream failed: %w", err)
	}
	return nil
}

// needsRouting 判斷變更事件是否需要交給路由
func (s *MongoStore) needsRouting(ev changeEvent, rec types.Record) bool {
	if ev.OperationType != "update" {
		return true
	}
	keys := changedKeys(ev.UpdateDescription.UpdatedFields, ev.UpdateDescription.RemovedFields)
	if s.touches(keys, s.fields.Attributes) {
		return true
	}
	return rec.RoutedAt.IsZero() && !s.linkageOnly(keys)
}

// clearRouted 移除 routed 標記；這個 update 只動到派發相關欄位，不會再觸發 Watch
func (s *MongoStore) clearRouted(ctx context.Context, ref string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: s.fields.Reference, Value: ref}},
		bson.D{{Key: "$unset", Value: bson.D{
			{Key: s.fields.Routed, Value: ""},
			{Key: s.fields.routedVersion(), Value: ""},
		}}},
	)
	return err
}

// Close 實作 Store
func (s *MongoStore) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// changedKeys update 事件中被修改或移除的欄位
func changedKeys(updated bson.Raw, removed []string) []string {
	keys := slices.Clone(removed)
	if len(updated) > 0 {
		elems, err := updated.Elements()
		if err != nil {
			return nil
		}
		for _, e := range elems {
			keys = append(keys, e.Key())
		}
	}
	return keys
}

// touches 是否有欄位等於 field 或位於其下
func (s *MongoStore) touches(keys []string, field string) bool {
	for _, k := range keys {
		if k == field || strings.HasPrefix(k, field+".") {
			return true
		}
	}
	return false
}

// linkageOnly 檢查 update 是否只動到派發相關欄位
func (s *MongoStore) linkageOnly(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !s.touches([]string{k}, s.fields.Dispatch) &&
			k != s.fields.Routed && k != s.fields.routedVersion() {
			return false
		}
	}
	return true
}

func (s *MongoStore) decode(raw bson.Raw) (types.Record, error) {
	rec := types.Record{Instance: s.instance, Attributes: map[string]any{}}

	refVal, err := raw.LookupErr(s.fields.Reference)
	if err != nil {
		return rec, fmt.Errorf("record has no %s field", s.fields.Reference)
	}
	ref, ok := refVal.StringValueOK()
	if !ok {
		return rec, fmt.Errorf("record %s field must be a string, got %s", s.fields.Reference, refVal.Type)
	}
	rec.Reference = ref

	if v, err := raw.LookupErr(s.fields.Attributes); err == nil {
		var attrs map[string]any
		if err := v.Unmarshal(&attrs); err != nil {
			log.WithError(err).WithField("record_reference", rec.Reference).Debug("Attributes are not a document")
		} else {
			rec.Attributes = attrs
		}
	}
	if v, err := raw.LookupErr(s.fields.Dispatch); err == nil {
		if err := v.Unmarshal(&rec.Dispatch); err != nil {
			log.WithError(err).WithField("record_reference", rec.Reference).Warn("Malformed dispatch linkage")
		}
	}
	if v, err := raw.LookupErr(s.fields.Routed); err == nil {
		if t, ok := v.TimeOK(); ok {
			rec.RoutedAt = t.UTC()
		}
	}
	if v, err := raw.LookupErr(s.fields.routedVersion()); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			rec.RoutedVersion = n
		}
	}
	if v, err := raw.LookupErr(s.fields.Updated); err == nil {
		if t, ok := v.TimeOK(); ok {
			rec.UpdatedAt = t.UTC()
		}
	}

	return rec, nil
}
