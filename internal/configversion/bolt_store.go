package configversion

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket = []byte("meta")
	versionKey = []byte("version")
)

// BoltStore 以 bbolt 實作的設定儲存
//
// 文件與版本號位於同一個資料庫檔，Apply 在單一寫入交易中完成
// 文件寫入與版本遞增；bbolt 同時只允許一個寫入交易，因此遞增不會遺失。
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore 開啟或建立 bbolt 設定資料庫
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config db dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open config db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		for _, k := range Kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create config buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func readVersion(tx *bolt.Tx) int64 {
	raw := tx.Bucket(metaBucket).Get(versionKey)
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func bumpVersion(tx *bolt.Tx) (int64, error) {
	next := readVersion(tx) + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := tx.Bucket(metaBucket).Put(versionKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// Current 實作 Store
func (s *BoltStore) Current(_ context.Context) (int64, error) {
	var v int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v = readVersion(tx)
		return nil
	})
	return v, err
}

// Bump 實作 Store
func (s *BoltStore) Bump(_ context.Context) (int64, error) {
	var v int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		v, err = bumpVersion(tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bump config version: %w", err)
	}
	return v, nil
}

// Apply 實作 Store
func (s *BoltStore) Apply(_ context.Context, m Mutation) (int64, error) {
	var v int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(m.Kind))
		if b == nil {
			return ErrInvalidDocument
		}
		if m.Delete {
			if b.Get([]byte(m.ID)) == nil {
				return ErrDocumentNotFound
			}
			if err := b.Delete([]byte(m.ID)); err != nil {
				return err
			}
		} else if err := b.Put([]byte(m.ID), m.Doc); err != nil {
			return err
		}
		var err error
		v, err = bumpVersion(tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Get 實作 Store
func (s *BoltStore) Get(_ context.Context, kind Kind, id string) ([]byte, error) {
	var doc []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return ErrInvalidDocument
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrDocumentNotFound
		}
		// bbolt 的值只在交易內有效
		doc = slices.Clone(raw)
		return nil
	})
	return doc, err
}

// Load 實作 Store，單一讀取交易保證文件與版本一致
func (s *BoltStore) Load(_ context.Context) (RawSnapshot, error) {
	snap := RawSnapshot{Docs: emptyDocs()}
	err := s.db.View(func(tx *bolt.Tx) error {
		snap.Version = readVersion(tx)
		for _, k := range Kinds {
			err := tx.Bucket([]byte(k)).ForEach(func(key, val []byte) error {
				snap.Docs[k][string(key)] = slices.Clone(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RawSnapshot{}, fmt.Errorf("failed to load config documents: %w", err)
	}
	return snap, nil
}

// Close 實作 Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
