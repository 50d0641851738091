package host

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftescrow/storage"
)

var callSeqKey = ethcrypto.Keccak256([]byte("host/call-seq"))

// nextSequence bumps the persisted call counter in db and returns the new
// value. Run inside the call overlay so aborted calls leave it untouched.
func nextSequence(db storage.Database) (uint64, error) {
	var seq uint64
	raw, err := db.Get(callSeqKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, err
	case len(raw) != 8:
		return 0, fmt.Errorf("host: corrupt call sequence")
	default:
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := db.Put(callSeqKey, buf[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

// Sequence reports the number of committed calls.
func (r *Runtime) Sequence() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := r.db.Get(callSeqKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("host: corrupt call sequence")
	}
	return binary.BigEndian.Uint64(raw), nil
}
