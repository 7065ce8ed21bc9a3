package antifraud

import (
	"sort"
	"sync"
	"time"
)

// EventType classifies the traffic the velocity checker correlates.
type EventType string

const (
	EventInvoice     EventType = "invoice"
	EventPreCheckout EventType = "pre_checkout"
	EventPayment     EventType = "payment"
	EventOther       EventType = "other"
)

// Flag marks one anomaly the checker observed for an event.
type Flag string

const (
	FlagFastRepeatIPShort      Flag = "FAST_REPEAT_IP_SHORT"
	FlagFastRepeatIPLong       Flag = "FAST_REPEAT_IP_LONG"
	FlagPathThrashIP           Flag = "PATH_THRASH_IP"
	FlagFastRepeatSubjectShort Flag = "FAST_REPEAT_SUBJECT_SHORT"
	FlagFastRepeatSubjectLong  Flag = "FAST_REPEAT_SUBJECT_LONG"
	FlagPathThrashSubject      Flag = "PATH_THRASH_SUBJECT"
	FlagUAMismatchRecent       Flag = "UA_MISMATCH_RECENT"
	FlagUAFlapping             Flag = "UA_FLAPPING"
)

// Action is what the caller should do with the event.
type Action string

const (
	ActionLogOnly                Action = "log_only"
	ActionSoftCap                Action = "soft_cap"
	ActionHardBlockBeforePayment Action = "hard_block_before_payment"
)

// Event is one observation fed into the checker. IP may be empty for
// platform-delivered events (webhook traffic carries no end-user address);
// SubjectID zero means unattributed.
type Event struct {
	Type      EventType
	IP        string
	SubjectID int64
	Path      string
	UserAgent string
	At        time.Time
}

// VelocityDecision is the scored outcome for one event.
type VelocityDecision struct {
	Score  int    `json:"score"`
	Flags  []Flag `json:"flags,omitempty"`
	Action Action `json:"action"`
}

// VelocityConfig tunes windows, caps, weights, and thresholds. Zero per-type
// caps defer to the global caps; the effective cap is the max of the two.
type VelocityConfig struct {
	ShortWindow time.Duration
	LongWindow  time.Duration
	UATTL       time.Duration

	IPShortMax      int
	IPLongMax       int
	SubjectShortMax int
	SubjectLongMax  int

	PathThrashIPMax      int
	PathThrashSubjectMax int
	SubjectUAMismatchMax int

	TypeShortMax map[EventType]int
	TypeLongMax  map[EventType]int
	Boost        map[EventType]int
	Weights      map[Flag]int

	SoftCapScore   int
	HardBlockScore int
}

// DefaultVelocityConfig returns the production defaults.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		ShortWindow: 10 * time.Second,
		LongWindow:  5 * time.Minute,
		UATTL:       30 * time.Minute,

		IPShortMax:      8,
		IPLongMax:       60,
		SubjectShortMax: 6,
		SubjectLongMax:  40,

		PathThrashIPMax:      6,
		PathThrashSubjectMax: 5,
		SubjectUAMismatchMax: 2,

		TypeShortMax: map[EventType]int{},
		TypeLongMax:  map[EventType]int{},
		Boost: map[EventType]int{
			EventInvoice:     10,
			EventPreCheckout: 15,
		},
		Weights: map[Flag]int{
			FlagFastRepeatIPShort:      45,
			FlagFastRepeatIPLong:       20,
			FlagPathThrashIP:           25,
			FlagFastRepeatSubjectShort: 40,
			FlagFastRepeatSubjectLong:  20,
			FlagPathThrashSubject:      25,
			FlagUAMismatchRecent:       30,
			FlagUAFlapping:             35,
		},

		SoftCapScore:   40,
		HardBlockScore: 55,
	}
}

type velocityWindow struct {
	times []int64          // event times (ms), ascending, pruned at the long window
	paths map[string]int64 // path -> last seen ms, pruned at the short window
}

type ipState struct {
	mu sync.Mutex
	velocityWindow
	expiresAtMs int64
}

type subjectState struct {
	mu sync.Mutex
	velocityWindow
	lastUAFingerprint string
	uaMismatchCount   int
	uaSetAtMs         int64
	expiresAtMs       int64
}

// VelocityChecker correlates events per IP and per subject over rolling
// windows and scores them into an action.
type VelocityChecker struct {
	cfg   VelocityConfig
	clock func() time.Time

	mu       sync.Mutex
	ips      map[string]*ipState
	subjects map[int64]*subjectState
}

// VelocityOption configures a VelocityChecker.
type VelocityOption func(*VelocityChecker)

// WithVelocityClock injects a clock for tests.
func WithVelocityClock(clock func() time.Time) VelocityOption {
	return func(c *VelocityChecker) { c.clock = clock }
}

// NewVelocityChecker builds a checker over cfg.
func NewVelocityChecker(cfg VelocityConfig, opts ...VelocityOption) *VelocityChecker {
	c := &VelocityChecker{
		cfg:      cfg,
		clock:    time.Now,
		ips:      make(map[string]*ipState),
		subjects: make(map[int64]*subjectState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAndRecord folds the event into both windows and returns the decision.
func (c *VelocityChecker) CheckAndRecord(ev Event) VelocityDecision {
	now := ev.At
	if now.IsZero() {
		now = c.clock()
	}
	nowMs := now.UnixMilli()

	var flags []Flag
	if ev.IP != "" {
		flags = append(flags, c.recordIP(ev, nowMs)...)
	}
	if ev.SubjectID != 0 {
		flags = append(flags, c.recordSubject(ev, nowMs)...)
	}

	score := 0
	for _, f := range flags {
		score += c.cfg.Weights[f]
	}
	if len(flags) > 0 {
		score += c.cfg.Boost[ev.Type]
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	action := ActionLogOnly
	switch {
	case score >= c.cfg.HardBlockScore && (ev.Type == EventInvoice || ev.Type == EventPreCheckout):
		action = ActionHardBlockBeforePayment
	case score >= c.cfg.SoftCapScore:
		action = ActionSoftCap
	}

	return VelocityDecision{Score: score, Flags: flags, Action: action}
}

func (c *VelocityChecker) recordIP(ev Event, nowMs int64) []Flag {
	c.mu.Lock()
	st, ok := c.ips[ev.IP]
	if ok && nowMs >= st.expiresAtMs {
		delete(c.ips, ev.IP)
		ok = false
	}
	if !ok {
		st = &ipState{velocityWindow: velocityWindow{paths: make(map[string]int64)}}
		c.ips[ev.IP] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	shortCount, longCount, distinctPaths := st.velocityWindow.record(nowMs, ev.Path,
		c.cfg.ShortWindow.Milliseconds(), c.cfg.LongWindow.Milliseconds())
	st.expiresAtMs = nowMs + c.cfg.LongWindow.Milliseconds()

	var flags []Flag
	if shortCount > maxCap(c.cfg.TypeShortMax[ev.Type], c.cfg.IPShortMax) {
		flags = append(flags, FlagFastRepeatIPShort)
	}
	if longCount > maxCap(c.cfg.TypeLongMax[ev.Type], c.cfg.IPLongMax) {
		flags = append(flags, FlagFastRepeatIPLong)
	}
	if distinctPaths > c.cfg.PathThrashIPMax {
		flags = append(flags, FlagPathThrashIP)
	}
	return flags
}

func (c *VelocityChecker) recordSubject(ev Event, nowMs int64) []Flag {
	c.mu.Lock()
	st, ok := c.subjects[ev.SubjectID]
	if ok && nowMs >= st.expiresAtMs {
		delete(c.subjects, ev.SubjectID)
		ok = false
	}
	if !ok {
		st = &subjectState{velocityWindow: velocityWindow{paths: make(map[string]int64)}}
		c.subjects[ev.SubjectID] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	shortCount, longCount, distinctPaths := st.velocityWindow.record(nowMs, ev.Path,
		c.cfg.ShortWindow.Milliseconds(), c.cfg.LongWindow.Milliseconds())

	uaTTLMs := c.cfg.UATTL.Milliseconds()
	if st.uaSetAtMs != 0 && nowMs-st.uaSetAtMs > uaTTLMs {
		st.lastUAFingerprint = ""
		st.uaMismatchCount = 0
		st.uaSetAtMs = 0
	}
	if fp := UAFingerprint(ev.UserAgent); fp != "" {
		switch {
		case st.lastUAFingerprint == "":
			st.lastUAFingerprint = fp
			st.uaSetAtMs = nowMs
		case st.lastUAFingerprint != fp:
			st.uaMismatchCount++
			st.lastUAFingerprint = fp
			st.uaSetAtMs = nowMs
		}
	}

	ttl := c.cfg.LongWindow
	if c.cfg.UATTL > ttl {
		ttl = c.cfg.UATTL
	}
	st.expiresAtMs = nowMs + ttl.Milliseconds()

	var flags []Flag
	if shortCount > maxCap(c.cfg.TypeShortMax[ev.Type], c.cfg.SubjectShortMax) {
		flags = append(flags, FlagFastRepeatSubjectShort)
	}
	if longCount > maxCap(c.cfg.TypeLongMax[ev.Type], c.cfg.SubjectLongMax) {
		flags = append(flags, FlagFastRepeatSubjectLong)
	}
	if distinctPaths > c.cfg.PathThrashSubjectMax {
		flags = append(flags, FlagPathThrashSubject)
	}
	if st.uaMismatchCount >= c.cfg.SubjectUAMismatchMax && st.uaMismatchCount > 0 {
		flags = append(flags, FlagUAMismatchRecent)
	}
	if st.uaMismatchCount >= 2 && nowMs-st.uaSetAtMs < c.cfg.ShortWindow.Milliseconds() {
		flags = append(flags, FlagUAFlapping)
	}
	return flags
}

// record prunes both windows, appends the event, and returns the short count,
// long count, and distinct-path count.
func (w *velocityWindow) record(nowMs int64, path string, shortMs, longMs int64) (int, int, int) {
	cutLong := nowMs - longMs
	keep := w.times[:0]
	for _, ts := range w.times {
		if ts > cutLong {
			keep = append(keep, ts)
		}
	}
	w.times = append(keep, nowMs)

	cutShort := nowMs - shortMs
	// times is ascending, so the short count is the tail past cutShort.
	first := sort.Search(len(w.times), func(i int) bool { return w.times[i] > cutShort })
	shortCount := len(w.times) - first

	for p, last := range w.paths {
		if last <= cutShort {
			delete(w.paths, p)
		}
	}
	if path != "" {
		w.paths[path] = nowMs
	}

	return shortCount, len(w.times), len(w.paths)
}

func maxCap(typeCap, globalCap int) int {
	if typeCap > globalCap {
		return typeCap
	}
	return globalCap
}

// IPStateCount reports retained IP states. Test helper.
func (c *VelocityChecker) IPStateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ips)
}

// SubjectStateCount reports retained subject states. Test helper.
func (c *VelocityChecker) SubjectStateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}
