package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/raymondfx/reference-wallet/state"
)

var paymentsBucket = []byte("payments")

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	// Bolt is a Store backed by a bolt database file, records are CBOR
	// encoded.
	Bolt struct {
		db      *bolt.DB
		encoder EncodeFn
		decoder DecodeFn
	}
)

var _ Store = (*Bolt)(nil)

// NewBolt opens or creates the database file.
func NewBolt(dbFile string) (*Bolt, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening payment store: %w", err)
	}
	s := &Bolt{
		db:      db,
		encoder: cbor.Marshal,
		decoder: cbor.Unmarshal,
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(paymentsBucket)
		return err
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("creating payments bucket: %w", err), db.Close())
	}
	return s, nil
}

func (s *Bolt) Path() string {
	return s.db.Path()
}

func (s *Bolt) Get(referenceID string) (state.Record, error) {
	var rec state.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(paymentsBucket).Get([]byte(referenceID))
		if data == nil {
			return ErrNotFound
		}
		return s.decoder(data, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return state.Record{}, err
		}
		return state.Record{}, fmt.Errorf("reading payment %s: %w", referenceID, err)
	}
	return rec, nil
}

func (s *Bolt) Put(rec state.Record) error {
	if rec.Payment.ReferenceID == "" {
		return errors.New("record without reference id")
	}
	b, err := s.encoder(rec)
	if err != nil {
		return fmt.Errorf("encoding payment %s: %w", rec.Payment.ReferenceID, err)
	}
	if err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(paymentsBucket).Put([]byte(rec.Payment.ReferenceID), b)
	}); err != nil {
		return fmt.Errorf("writing payment %s: %w", rec.Payment.ReferenceID, err)
	}
	return nil
}

func (s *Bolt) ReferenceIDs() ([]string, error) {
	var refs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(paymentsBucket).ForEach(func(k, _ []byte) error {
			refs = append(refs, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return refs, nil
}

func (s *Bolt) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
