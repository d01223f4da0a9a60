package configversion

import (
	"context"
	"errors"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDocumentNotFound 文件不存在
	ErrDocumentNotFound = errors.New("config document not found")
	// ErrInvalidDocument 文件內容不合法
	ErrInvalidDocument = errors.New("invalid config document")
)

// Kind 設定文件種類
type Kind string

const (
	KindRule     Kind = "rules"
	KindConfig   Kind = "configs"
	KindInstance Kind = "instances"
)

// Kinds 所有文件種類
var Kinds = []Kind{KindRule, KindConfig, KindInstance}

// Mutation 一次文件變更；Delete 為 true 時忽略 Doc
type Mutation struct {
	Kind   Kind
	ID     string
	Doc    []byte
	Delete bool
}

// RawSnapshot 版本一致的原始文件集合
type RawSnapshot struct {
	Version int64
	Docs    map[Kind]map[string][]byte
}

// Store 設定文件與版本計數器的儲存
//
// 約束：
//   - Bump 是原子的遞增並回傳，並行呼叫不會遺失更新，也不會回傳相同值
//   - Apply 將文件寫入與版本遞增放在同一個交易中，讀者不會看到
//     沒有版本遞增的文件變更
//   - Load 回傳的文件與版本彼此一致
type Store interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
	Apply(ctx context.Context, m Mutation) (int64, error)
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Load(ctx context.Context) (RawSnapshot, error)
	Close() error
}

func emptyDocs() map[Kind]map[string][]byte {
	docs := make(map[Kind]map[string][]byte, len(Kinds))
	for _, k := range Kinds {
		docs[k] = make(map[string][]byte)
	}
	return docs
}
