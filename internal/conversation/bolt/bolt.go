// Package bolt stores conversation messages in a BoltDB file, one nested
// bucket per conversation key.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"ragchat/internal/conversation"
	"ragchat/internal/domain"
)

var _ conversation.Storage = (*Storage)(nil)

var rootBucket = []byte("conversations")

// Storage is a conversation log in a single Bolt file. Entries are keyed by
// the bucket sequence in big-endian order, so cursor order is append order.
type Storage struct {
	db *bolt.DB
}

type record struct {
	ID      string `json:"id"`
	TurnID  string `json:"turn_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// NewStorage opens (creating if needed) the Bolt file at path.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: bolt path is required", domain.ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(rootBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) Append(ctx context.Context, key string, m domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(record{ID: m.ID, TurnID: m.TurnID, Role: string(m.Role), Content: m.Content, TS: m.Timestamp.UnixNano()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, e := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(key))
		if e != nil {
			return e
		}
		seq, e := b.NextSequence()
		if e != nil {
			return e
		}
		return b.Put(binary.BigEndian.AppendUint64(nil, seq), enc)
	})
}

func (s *Storage) List(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			m, e := decode(v)
			if e != nil {
				return e
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Storage) DeleteTurn(ctx context.Context, key, turnID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if e := json.Unmarshal(v, &rec); e != nil {
				return e
			}
			if rec.TurnID == turnID {
				doomed = append(doomed, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if e := b.Delete(k); e != nil {
				return e
			}
		}
		return nil
	})
}

func (s *Storage) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root.Bucket([]byte(key)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(key))
	})
}

func (s *Storage) Orphans(ctx context.Context) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Turn
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			var msgs []domain.Message
			e := root.Bucket(k).ForEach(func(_, raw []byte) error {
				m, e := decode(raw)
				if e != nil {
					return e
				}
				msgs = append(msgs, m)
				return nil
			})
			if e != nil {
				return e
			}
			out = append(out, conversation.OrphansOf(string(k), msgs)...)
			return nil
		})
	})
	return out, err
}

func decode(v []byte) (domain.Message, error) {
	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return domain.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	role, err := domain.ParseRole(rec.Role)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        rec.ID,
		TurnID:    rec.TurnID,
		Role:      role,
		Content:   rec.Content,
		Timestamp: time.Unix(0, rec.TS).UTC(),
	}, nil
}
