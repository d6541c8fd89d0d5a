package lmp

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bot6/internalblue/fw"
	"github.com/bot6/internalblue/mem"
)

// addressCacheSize bounds the peer-address LRU; a session never has more
// than fw.ConnectionArraySize simultaneous connections, so this never
// evicts a live entry.
const addressCacheSize = fw.ConnectionArraySize

// addressCache memoizes connection-number -> peer-address lookups so a
// capture batch with many entries for the same connection issues one
// read_mem instead of one per entry (SPEC_FULL.md §4.8). Backed by
// github.com/hashicorp/golang-lru, the same library yerden-go-snf-style
// caching in the pack would reach for.
type addressCache struct {
	cache *lru.Cache
}

func newAddressCache() *addressCache {
	c, err := lru.New(addressCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// addressCacheSize never is.
		panic(err)
	}
	return &addressCache{cache: c}
}

// resolve returns the peer address for connNum, reading the connection
// struct on a cache miss (spec.md §3/§4.5: peer address at struct offset
// 0x28, stored wire order, reversed to canonical display order).
func (a *addressCache) resolve(c mem.Commander, connNum uint8, timeout time.Duration) ([fw.PeerAddrLen]byte, error) {
	if connNum == 0 || int(connNum) > fw.ConnectionArraySize {
		return [fw.PeerAddrLen]byte{}, fmt.Errorf("lmp: connection number %d out of range", connNum)
	}
	if v, ok := a.cache.Get(connNum); ok {
		return v.([fw.PeerAddrLen]byte), nil
	}

	structAddr := fw.ConnectionArrayAddress + uint32(connNum-1)*fw.ConnectionStructLength
	data, _, err := mem.ReadMem(c, structAddr+fw.ConnOffsetPeerAddr, fw.PeerAddrLen, timeout, nil)
	if err != nil {
		return [fw.PeerAddrLen]byte{}, fmt.Errorf("lmp: resolve peer address for connection %d: %w", connNum, err)
	}
	var addr [fw.PeerAddrLen]byte
	for i, b := range data {
		addr[fw.PeerAddrLen-1-i] = b
	}
	a.cache.Add(connNum, addr)
	return addr, nil
}

// purge discards every cached entry. Called at the start of every Start
// (spec.md §4.8): stale peer addresses from a previous monitor run must
// never leak into a new one.
func (a *addressCache) purge() {
	a.cache.Purge()
}
