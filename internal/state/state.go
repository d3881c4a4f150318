// Package state persists the last accepted manifest of each package so a
// client can start offline.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var packagesBucket = []byte("packages")

// ErrNotFound is returned when no record exists for a package.
var ErrNotFound = errors.New("state: package not found")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("state: CBOR decoder initialization failed: " + err.Error())
	}
}

// Record is the persisted state of one package.
type Record struct {
	Package string `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint"`

	// Manifest is the manifest payload as received, possibly compressed.
	Manifest []byte `cbor:"3,keyasint"`

	// UpdatedAt is the Unix time of the last write.
	UpdatedAt int64 `cbor:"4,keyasint"`
}

// DB is a bbolt-backed record store. It is safe for concurrent use.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(packagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put stores rec, replacing any earlier record for the same package.
// UpdatedAt is set to the current time when zero.
func (d *DB) Put(rec Record) error {
	if rec.Package == "" {
		return errors.New("state: empty package name")
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}
	encoded, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(packagesBucket).Put([]byte(rec.Package), encoded)
	})
}

// Get returns the record for pkg, or ErrNotFound.
func (d *DB) Get(pkg string) (Record, error) {
	var rec Record
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(packagesBucket).Get([]byte(pkg))
		if data == nil {
			return ErrNotFound
		}
		return decMode.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the record for pkg. Deleting a missing record is not an error.
func (d *DB) Delete(pkg string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(packagesBucket).Delete([]byte(pkg))
	})
}

// Packages returns the names of all stored packages in key order.
func (d *DB) Packages() ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(packagesBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
