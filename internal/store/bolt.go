package store

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"collabcanvas/internal/canvas"
	"collabcanvas/internal/protocol"
)

var (
	bucketSnapshots  = []byte("snapshots")
	bucketOperations = []byte("operations")
)

type boltSnapshot struct {
	Doc       *canvas.Document `msgpack:"doc"`
	ServerSeq uint64           `msgpack:"server_seq"`
}

// Bolt is the embedded single-node store, for deployments without postgres.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketOperations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (b *Bolt) Load(ctx context.Context, canvasID string) (*canvas.Document, uint64, error) {
	var snap boltSnapshot
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSnapshots).Get([]byte(canvasID)); raw != nil {
			found = true
			return msgpack.Unmarshal(raw, &snap)
		}
		// No snapshot yet; an op log alone still means the canvas exists.
		if tx.Bucket(bucketOperations).Bucket([]byte(canvasID)) != nil {
			found = true
			snap.Doc = canvas.NewDocument()
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, ErrNotFound
	}
	if snap.Doc == nil {
		snap.Doc = canvas.NewDocument()
	}
	return snap.Doc, snap.ServerSeq, nil
}

func (b *Bolt) AppendOperation(ctx context.Context, op protocol.Operation) error {
	raw, err := msgpack.Marshal(op)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(op.CanvasID))
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(op.ServerSeq), raw)
	})
}

func (b *Bolt) LoadSince(ctx context.Context, canvasID string, since uint64) ([]protocol.Operation, error) {
	var out []protocol.Operation
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketOperations).Bucket([]byte(canvasID))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
			var op protocol.Operation
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return err
			}
			out = append(out, op)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) SaveSnapshot(ctx context.Context, canvasID string, doc *canvas.Document, serverSeq uint64) error {
	raw, err := msgpack.Marshal(boltSnapshot{Doc: doc, ServerSeq: serverSeq})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(canvasID), raw)
	})
}
