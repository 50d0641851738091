package nft

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"nftescrow/storage"
)

// Directory resolves asset contract ids to implementations. Native contracts
// are rebound to whichever store the caller supplies; remote contracts are
// shared.
type Directory struct {
	mu     sync.RWMutex
	native map[string]struct{}
	remote map[string]Contract
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		native: make(map[string]struct{}),
		remote: make(map[string]Contract),
	}
}

// AddNative registers an in-process contract under id.
func (d *Directory) AddNative(id string) error {
	id = strings.TrimSpace(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkFree(id); err != nil {
		return err
	}
	d.native[id] = struct{}{}
	return nil
}

// AddRemote registers a contract served elsewhere.
func (d *Directory) AddRemote(id string, contract Contract) error {
	id = strings.TrimSpace(id)
	if contract == nil {
		return fmt.Errorf("nft: nil contract for %s", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkFree(id); err != nil {
		return err
	}
	d.remote[id] = contract
	return nil
}

func (d *Directory) checkFree(id string) error {
	if id == "" {
		return fmt.Errorf("nft: contract id required")
	}
	if _, ok := d.native[id]; ok {
		return fmt.Errorf("nft: contract %s already registered", id)
	}
	if _, ok := d.remote[id]; ok {
		return fmt.Errorf("nft: contract %s already registered", id)
	}
	return nil
}

// Has reports whether id is registered.
func (d *Directory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, native := d.native[id]
	_, remote := d.remote[id]
	return native || remote
}

// IDs lists every registered contract in sorted order.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.native)+len(d.remote))
	for id := range d.native {
		ids = append(ids, id)
	}
	for id := range d.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NativeIDs lists the in-process contracts in sorted order.
func (d *Directory) NativeIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.native))
	for id := range d.native {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Native returns the in-process contract id bound to db.
func (d *Directory) Native(db storage.Database, id string) (*Native, bool) {
	d.mu.RLock()
	_, ok := d.native[id]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return NewNative(id, db), true
}

// Contract resolves id, binding native contracts to db.
func (d *Directory) Contract(db storage.Database, id string) (Contract, bool) {
	if native, ok := d.Native(db, id); ok {
		return native, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	remote, ok := d.remote[id]
	return remote, ok
}

// Custody adapts the directory to the escrow engine's asset interface for
// one store handle.
func (d *Directory) Custody(db storage.Database) *Custody {
	return &Custody{dir: d, db: db}
}

// Custody moves assets on behalf of the escrow engine.
type Custody struct {
	dir *Directory
	db  storage.Database
}

func (c *Custody) HasContract(contract string) bool { return c.dir.Has(contract) }

func (c *Custody) TransferAsset(ctx context.Context, contract, assetID, from, to string) error {
	target, ok := c.dir.Contract(c.db, contract)
	if !ok {
		return fmt.Errorf("nft: unknown contract %s", contract)
	}
	return target.Transfer(ctx, assetID, from, to)
}
