// Package store 执行环境状态的检查点存储（Badger）。
// 每个组件以 StateKey 为键保存一份 JSON 快照，Save 在一个事务内写入全部组件。
package store

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/nestfolio/nestfolio/internal/chain"
	"github.com/nestfolio/nestfolio/internal/metrics"
	"github.com/nestfolio/nestfolio/pkg/logger"
)

const (
	statePrefix = "state/"
	heightKey   = "meta/height"
	savedAtKey  = "meta/saved_at"
)

// ErrNoCheckpoint 存储中还没有任何检查点
var ErrNoCheckpoint = errors.New("store: no checkpoint")

// Store Badger 检查点存储。
// 加密由 Badger 选项提供（value log + key registry），不在本包内实现。
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空时不加密
	ReadOnly      bool
	InMemory      bool // 测试用，忽略 Path
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("store: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密负载需要 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open badger")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save 把 parts 的状态写入一个新的检查点，返回检查点高度
func (s *Store) Save(parts ...chain.Persistent) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not opened")
	}
	var height uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := readHeight(txn)
		if err != nil && !errors.Is(err, ErrNoCheckpoint) {
			return err
		}
		height = prev + 1
		for _, p := range parts {
			data, err := p.MarshalState()
			if err != nil {
				return errors.Wrapf(err, "store: marshal %s", p.StateKey())
			}
			if err := txn.Set([]byte(statePrefix+p.StateKey()), data); err != nil {
				return errors.Wrapf(err, "store: set %s", p.StateKey())
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], height)
		if err := txn.Set([]byte(heightKey), buf[:]); err != nil {
			return err
		}
		return txn.Set([]byte(savedAtKey), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return 0, err
	}
	metrics.CheckpointSaves.Add(1)
	logger.WithField("component", "store").Debugf("checkpoint saved: height=%d parts=%d", height, len(parts))
	return height, nil
}

// Load 从最新检查点恢复 parts。存储为空时返回 ErrNoCheckpoint；
// 检查点中缺少某个组件时该组件保持原状。
func (s *Store) Load(parts ...chain.Persistent) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not opened")
	}
	var height uint64
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := readHeight(txn)
		if err != nil {
			return err
		}
		height = h
		for _, p := range parts {
			item, err := txn.Get([]byte(statePrefix + p.StateKey()))
			if errors.Is(err, badger.ErrKeyNotFound) {
				logger.WithField("component", "store").Warnf("checkpoint %d has no %s state", h, p.StateKey())
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "store: get %s", p.StateKey())
			}
			if err := item.Value(p.UnmarshalState); err != nil {
				return errors.Wrapf(err, "store: restore %s", p.StateKey())
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.CheckpointLoads.Add(1)
	return height, nil
}

// Height 最新检查点高度与保存时间
func (s *Store) Height() (uint64, time.Time, error) {
	if s == nil || s.db == nil {
		return 0, time.Time{}, errors.New("store: not opened")
	}
	var (
		height  uint64
		savedAt time.Time
	)
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := readHeight(txn)
		if err != nil {
			return err
		}
		height = h
		item, err := txn.Get([]byte(savedAtKey))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			savedAt, _ = time.Parse(time.RFC3339Nano, string(val))
			return nil
		})
	})
	return height, savedAt, err
}

func readHeight(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(heightKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: read height")
	}
	var height uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return errors.Errorf("store: corrupt height (%d bytes)", len(val))
		}
		height = binary.BigEndian.Uint64(val)
		return nil
	})
	return height, err
}

// ParseKey 解析 32 字节加密密钥（hex 或 base64）；输入为空返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
