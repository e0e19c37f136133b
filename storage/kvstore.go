package storage

import (
	"bytes"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// KVStore layers RLP encoding and hashed keys on top of a raw Database. It
// provides the typed key-value surface consumed by the ledger and engine
// packages.
type KVStore struct {
	db Database
}

// NewKVStore wraps the provided database.
func NewKVStore(db Database) *KVStore {
	return &KVStore{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 so arbitrary-length logical keys map to
// fixed-width storage keys.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("kv: store not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the
// key existed.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("kv: store not initialised")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.db.Get(kvKey(key))
	if err != nil {
		if err == ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep index
// lists deterministic.
func (s *KVStore) KVAppend(key []byte, value []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("kv: store not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	var list [][]byte
	data, err := s.db.Get(hashed)
	if err != nil && err != ErrKeyNotFound {
		return err
	}
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return s.db.Put(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice so callers never
// observe nil.
func (s *KVStore) KVGetList(key []byte, out interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("kv: store not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.db.Get(kvKey(key))
	if err != nil && err != ErrKeyNotFound {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
