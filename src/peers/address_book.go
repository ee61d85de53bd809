package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/mosaicnetworks/btcnode/src/wire"
)

// Address is a candidate remote node.
type Address struct {
	NetAddr     string           `json:"addr"`
	Services    wire.ServiceFlag `json:"services"`
	LastSuccess time.Time        `json:"last_success"`

	attempts    int
	nextAttempt time.Time
	seq         int
}

// AddressBook holds the candidate addresses of the Manager together with
// their dial backoff.
type AddressBook struct {
	sync.RWMutex
	byAddr     map[string]*Address
	seq        int
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewAddressBook creates an empty book. A failed address is retried after
// backoff, doubled on each consecutive failure up to maxBackoff.
func NewAddressBook(backoff, maxBackoff time.Duration) *AddressBook {
	return &AddressBook{
		byAddr:     make(map[string]*Address),
		backoff:    backoff,
		maxBackoff: maxBackoff,
	}
}

// Add inserts addresses that are not known yet and returns how many were
// new.
func (b *AddressBook) Add(addrs ...*Address) int {
	b.Lock()
	defer b.Unlock()

	added := 0
	for _, a := range addrs {
		if a == nil || a.NetAddr == "" {
			continue
		}
		if cur, ok := b.byAddr[a.NetAddr]; ok {
			if a.LastSuccess.After(cur.LastSuccess) {
				cur.LastSuccess = a.LastSuccess
			}
			cur.Services |= a.Services
			continue
		}
		b.seq++
		cp := &Address{
			NetAddr:     a.NetAddr,
			Services:    a.Services,
			LastSuccess: a.LastSuccess,
			seq:         b.seq,
		}
		b.byAddr[a.NetAddr] = cp
		added++
	}
	return added
}

// Len returns the number of known addresses.
func (b *AddressBook) Len() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.byAddr)
}

// Get returns a copy of the entry for addr.
func (b *AddressBook) Get(addr string) (Address, bool) {
	b.RLock()
	defer b.RUnlock()
	a, ok := b.byAddr[addr]
	if !ok {
		return Address{}, false
	}
	return *a, true
}

// Select returns up to n addresses that may be dialed at now and are not
// excluded. Addresses that were connected before come first, most recent
// first; the rest follow in insertion order.
func (b *AddressBook) Select(now time.Time, n int, exclude func(string) bool) []string {
	b.RLock()
	defer b.RUnlock()

	cands := make([]*Address, 0, len(b.byAddr))
	for _, a := range b.byAddr {
		if a.nextAttempt.After(now) {
			continue
		}
		if exclude != nil && exclude(a.NetAddr) {
			continue
		}
		cands = append(cands, a)
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].LastSuccess.Equal(cands[j].LastSuccess) {
			return cands[i].LastSuccess.After(cands[j].LastSuccess)
		}
		return cands[i].seq < cands[j].seq
	})

	if len(cands) > n {
		cands = cands[:n]
	}
	res := make([]string, len(cands))
	for i, a := range cands {
		res[i] = a.NetAddr
	}
	return res
}

// MarkGood records a successful handshake with addr.
func (b *AddressBook) MarkGood(addr string, services wire.ServiceFlag, now time.Time) {
	b.Lock()
	defer b.Unlock()
	a, ok := b.byAddr[addr]
	if !ok {
		b.seq++
		a = &Address{NetAddr: addr, seq: b.seq}
		b.byAddr[addr] = a
	}
	a.Services = services
	a.LastSuccess = now
	a.attempts = 0
	a.nextAttempt = time.Time{}
}

// MarkFailed schedules the next attempt for addr and returns the delay.
func (b *AddressBook) MarkFailed(addr string, now time.Time) time.Duration {
	b.Lock()
	defer b.Unlock()
	a, ok := b.byAddr[addr]
	if !ok {
		return 0
	}
	delay := b.backoff
	for i := 0; i < a.attempts && delay < b.maxBackoff; i++ {
		delay *= 2
	}
	if delay > b.maxBackoff {
		delay = b.maxBackoff
	}
	a.attempts++
	a.nextAttempt = now.Add(delay)
	return delay
}

// Known returns the addresses that completed a handshake at least once,
// most recent first.
func (b *AddressBook) Known() []*Address {
	b.RLock()
	defer b.RUnlock()

	res := []*Address{}
	for _, a := range b.byAddr {
		if a.LastSuccess.IsZero() {
			continue
		}
		cp := *a
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].LastSuccess.After(res[j].LastSuccess)
	})
	return res
}
