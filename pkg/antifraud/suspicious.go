package antifraud

import (
	"sort"
	"sync"
	"time"
)

// IPStatus is the lifecycle state of a tracked IP.
type IPStatus string

const (
	StatusSuspicious IPStatus = "suspicious"
	StatusTempBanned IPStatus = "temp_banned"
	StatusPermBanned IPStatus = "perm_banned"
)

// IPEntry is one tracked IP. ExpiresAtMs is set iff the status is
// temp_banned; a permanent ban carries no expiry.
type IPEntry struct {
	IP          string   `json:"ip"`
	Status      IPStatus `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	CreatedAtMs int64    `json:"createdAtMs"`
	ExpiresAtMs int64    `json:"expiresAtMs,omitempty"`
	LastSeenMs  int64    `json:"lastSeenMs"`
}

func (e IPEntry) expired(nowMs int64) bool {
	return e.Status == StatusTempBanned && e.ExpiresAtMs <= nowMs
}

// SuspiciousIPStore tracks marked and banned IPs. Mutations of a single IP
// are serialized by a per-key lock; expired temp bans are purged lazily on
// reads.
type SuspiciousIPStore struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]*IPEntry
	clock   func() time.Time
}

// SuspiciousIPOption configures a SuspiciousIPStore.
type SuspiciousIPOption func(*SuspiciousIPStore)

// WithSuspiciousClock injects a clock for tests.
func WithSuspiciousClock(clock func() time.Time) SuspiciousIPOption {
	return func(s *SuspiciousIPStore) { s.clock = clock }
}

// NewSuspiciousIPStore creates an empty store.
func NewSuspiciousIPStore(opts ...SuspiciousIPOption) *SuspiciousIPStore {
	s := &SuspiciousIPStore{
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]*IPEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SuspiciousIPStore) lockFor(ip string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ip]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ip] = l
	}
	return l
}

func (s *SuspiciousIPStore) get(ip string) *IPEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[ip]
}

func (s *SuspiciousIPStore) put(e *IPEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.IP] = e
}

func (s *SuspiciousIPStore) remove(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ip)
}

// MarkSuspicious records the IP as suspicious. An active ban is not
// downgraded; the ban entry only has its last-seen time refreshed.
func (s *SuspiciousIPStore) MarkSuspicious(ip, reason string) IPEntry {
	l := s.lockFor(ip)
	l.Lock()
	defer l.Unlock()

	nowMs := s.clock().UnixMilli()
	if e := s.get(ip); e != nil {
		if e.expired(nowMs) {
			s.remove(ip)
		} else if e.Status == StatusTempBanned || e.Status == StatusPermBanned {
			e.LastSeenMs = nowMs
			return *e
		}
	}
	e := &IPEntry{
		IP:          ip,
		Status:      StatusSuspicious,
		Reason:      reason,
		CreatedAtMs: nowMs,
		LastSeenMs:  nowMs,
	}
	s.put(e)
	return *e
}

// Ban bans the IP. ttlSeconds zero means permanent; positive values produce a
// temp ban expiring after the TTL.
func (s *SuspiciousIPStore) Ban(ip string, ttlSeconds int64, reason string) IPEntry {
	l := s.lockFor(ip)
	l.Lock()
	defer l.Unlock()

	nowMs := s.clock().UnixMilli()
	e := &IPEntry{
		IP:          ip,
		Reason:      reason,
		CreatedAtMs: nowMs,
		LastSeenMs:  nowMs,
	}
	if ttlSeconds > 0 {
		e.Status = StatusTempBanned
		e.ExpiresAtMs = nowMs + ttlSeconds*1000
	} else {
		e.Status = StatusPermBanned
	}
	s.put(e)
	return *e
}

// Unban removes an active ban and reports whether one was removed.
func (s *SuspiciousIPStore) Unban(ip string) bool {
	l := s.lockFor(ip)
	l.Lock()
	defer l.Unlock()

	nowMs := s.clock().UnixMilli()
	e := s.get(ip)
	if e == nil {
		return false
	}
	if e.expired(nowMs) {
		s.remove(ip)
		return false
	}
	if e.Status != StatusTempBanned && e.Status != StatusPermBanned {
		return false
	}
	s.remove(ip)
	return true
}

// IsBanned reports whether the IP is actively banned. A zero remaining
// duration on a banned IP means the ban is permanent. A hit refreshes the
// entry's last-seen time.
func (s *SuspiciousIPStore) IsBanned(ip string) (bool, time.Duration) {
	l := s.lockFor(ip)
	l.Lock()
	defer l.Unlock()

	nowMs := s.clock().UnixMilli()
	e := s.get(ip)
	if e == nil {
		return false, 0
	}
	if e.expired(nowMs) {
		s.remove(ip)
		return false, 0
	}
	switch e.Status {
	case StatusTempBanned:
		e.LastSeenMs = nowMs
		return true, time.Duration(e.ExpiresAtMs-nowMs) * time.Millisecond
	case StatusPermBanned:
		e.LastSeenMs = nowMs
		return true, 0
	default:
		return false, 0
	}
}

// ListRecent returns up to limit entries created at or after sinceMs (zero
// means no lower bound), newest first.
func (s *SuspiciousIPStore) ListRecent(limit int, sinceMs int64) []IPEntry {
	nowMs := s.clock().UnixMilli()
	out := s.snapshot(nowMs, func(e *IPEntry) bool {
		return sinceMs <= 0 || e.CreatedAtMs >= sinceMs
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].IP < out[j].IP
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListBanned returns up to limit active bans: temp bans first ordered by
// soonest expiry, then permanent bans ordered by creation.
func (s *SuspiciousIPStore) ListBanned(limit int) []IPEntry {
	nowMs := s.clock().UnixMilli()
	out := s.snapshot(nowMs, func(e *IPEntry) bool {
		return e.Status == StatusTempBanned || e.Status == StatusPermBanned
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Status == StatusTempBanned) != (b.Status == StatusTempBanned) {
			return a.Status == StatusTempBanned
		}
		if a.Status == StatusTempBanned {
			if a.ExpiresAtMs != b.ExpiresAtMs {
				return a.ExpiresAtMs < b.ExpiresAtMs
			}
			return a.IP < b.IP
		}
		if a.CreatedAtMs != b.CreatedAtMs {
			return a.CreatedAtMs < b.CreatedAtMs
		}
		return a.IP < b.IP
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// snapshot copies matching entries, purging expired temp bans along the way.
func (s *SuspiciousIPStore) snapshot(nowMs int64, match func(*IPEntry) bool) []IPEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IPEntry
	for ip, e := range s.entries {
		if e.expired(nowMs) {
			delete(s.entries, ip)
			continue
		}
		if match(e) {
			out = append(out, *e)
		}
	}
	return out
}
