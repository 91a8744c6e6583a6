// Package scheduler shares a bounded pool of fetch workers across concurrent user sessions.
//
// One Session exists per user with an in-flight job. Every admission or release triggers a
// full redistribution pass computed and applied under a single lock:
//
//  1. base = floor(total / N), clamped to [min, max].
//  2. Every session receives base.
//  3. Leftover capacity is handed out one unit at a time, oldest session first, to sessions
//     below max.
//  4. When N*min exceeds total, every session still receives min; the global ceiling is a
//     soft target and the per-user minimum a hard floor.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Default limits.
const (
	DefaultTotalWorkers   = 15
	DefaultMinPerUser     = 2
	DefaultMaxPerUser     = 5
	DefaultSessionTimeout = 30 * time.Minute
	DefaultSweepInterval  = 60 * time.Second
)

// Config bounds worker allocation.
type Config struct {
	TotalWorkers   int
	MinPerUser     int
	MaxPerUser     int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TotalWorkers <= 0 {
		c.TotalWorkers = DefaultTotalWorkers
	}
	if c.MinPerUser <= 0 {
		c.MinPerUser = DefaultMinPerUser
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = DefaultMaxPerUser
	}
	if c.MaxPerUser < c.MinPerUser {
		c.MaxPerUser = c.MinPerUser
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type session struct {
	userID    string
	runID     string
	createdAt time.Time
	updatedAt time.Time
	stage     harvest.Stage
	allocated int
	total     int
	processed int
}

// SessionView is a read-only copy of one session.
type SessionView struct {
	UserID    string        `json:"user_id"`
	Stage     harvest.Stage `json:"stage"`
	Workers   int           `json:"workers"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Progress  string        `json:"progress"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Snapshot reports scheduler occupancy.
type Snapshot struct {
	ActiveCount    int           `json:"active_count"`
	TotalAllocated int           `json:"total_allocated"`
	TotalWorkers   int           `json:"total_workers"`
	MinPerUser     int           `json:"min_per_user"`
	MaxPerUser     int           `json:"max_per_user"`
	Sessions       []SessionView `json:"sessions"`
}

// Scheduler owns the session table. It is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Scheduler. A nil clock uses the system clock.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Config returns the effective limits.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Admit creates or refreshes the user's session for stage, redistributes capacity, and
// returns the user's allocation. It never blocks on anything but the table lock.
func (s *Scheduler) Admit(userID string, stage harvest.Stage, itemCount int) int {
	return s.AdmitRun(userID, "", stage, itemCount)
}

// AdmitRun is Admit on behalf of runID. A non-empty runID takes ownership of the session,
// after which progress from any other run is ignored.
func (s *Scheduler) AdmitRun(userID, runID string, stage harvest.Stage, itemCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &session{userID: userID, createdAt: now}
		s.sessions[userID] = sess
	}
	if runID != "" {
		sess.runID = runID
	}
	sess.stage = stage
	sess.total = itemCount
	sess.processed = 0
	sess.updatedAt = now

	s.redistributeLocked()
	s.logger.Info("session admitted",
		zap.String("user_id", userID),
		zap.String("run_id", runID),
		zap.String("stage", string(stage)),
		zap.Int("items", itemCount),
		zap.Int("workers", sess.allocated),
		zap.Int("active_sessions", len(s.sessions)),
	)
	return sess.allocated
}

// Progress records processed items for the user's current stage. Unknown users are ignored.
func (s *Scheduler) Progress(userID string, processed int) {
	s.ProgressRun(userID, "", processed)
}

// ProgressRun is Progress from runID. Updates from a run other than the session's owner are
// dropped, so a superseded run cannot keep a newer session fresh.
func (s *Scheduler) ProgressRun(userID, runID string, processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return
	}
	if runID != "" && sess.runID != "" && sess.runID != runID {
		return
	}
	sess.processed = processed
	sess.updatedAt = s.clock.Now()
}

// Release removes the user's session and redistributes capacity. It is idempotent.
func (s *Scheduler) Release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return
	}
	delete(s.sessions, userID)
	s.redistributeLocked()
	s.logger.Info("session released",
		zap.String("user_id", userID),
		zap.Int("active_sessions", len(s.sessions)),
	)
}

// Allocation returns the user's live allocation and whether a session exists.
func (s *Scheduler) Allocation(userID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return 0, false
	}
	return sess.allocated, true
}

// Snapshot returns a copy of the session table ordered by creation time.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ordered := s.orderedLocked()
	snap := Snapshot{
		ActiveCount:  len(ordered),
		TotalWorkers: s.cfg.TotalWorkers,
		MinPerUser:   s.cfg.MinPerUser,
		MaxPerUser:   s.cfg.MaxPerUser,
		Sessions:     make([]SessionView, 0, len(ordered)),
	}
	for _, sess := range ordered {
		snap.TotalAllocated += sess.allocated
		snap.Sessions = append(snap.Sessions, SessionView{
			UserID:    sess.userID,
			Stage:     sess.stage,
			Workers:   sess.allocated,
			Total:     sess.total,
			Processed: sess.processed,
			Progress:  fmt.Sprintf("%d/%d", sess.processed, sess.total),
			Duration:  now.Sub(sess.createdAt),
			CreatedAt: sess.createdAt,
		})
	}
	return snap
}

// Sweep removes sessions whose last admission or progress update is older than the session
// timeout and returns how many were removed.
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.cfg.SessionTimeout)
	removed := 0
	for id, sess := range s.sessions {
		if sess.updatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
			s.logger.Warn("stale session reaped",
				zap.String("user_id", id),
				zap.String("stage", string(sess.stage)),
				zap.Time("last_update", sess.updatedAt),
			)
		}
	}
	if removed > 0 {
		s.redistributeLocked()
		metrics.ObserveReaped(removed)
	}
	return removed
}

// Run sweeps stale sessions every SweepInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Scheduler) orderedLocked() []*session {
	ordered := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ordered = append(ordered, sess)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].createdAt.Equal(ordered[j].createdAt) {
			return ordered[i].userID < ordered[j].userID
		}
		return ordered[i].createdAt.Before(ordered[j].createdAt)
	})
	return ordered
}

func (s *Scheduler) redistributeLocked() {
	ordered := s.orderedLocked()
	counts := Distribute(s.cfg.TotalWorkers, s.cfg.MinPerUser, s.cfg.MaxPerUser, len(ordered))
	allocated := 0
	for i, sess := range ordered {
		sess.allocated = counts[i]
		allocated += counts[i]
	}
	metrics.SetSchedulerState(len(ordered), allocated)
}

// Distribute computes allocations for n sessions listed oldest first.
func Distribute(total, minPer, maxPer, n int) []int {
	if n <= 0 {
		return nil
	}
	base := total / n
	if base < minPer {
		base = minPer
	}
	if base > maxPer {
		base = maxPer
	}
	out := make([]int, n)
	for i := range out {
		out[i] = base
	}
	remaining := total - base*n
	if remaining <= 0 || base >= maxPer {
		return out
	}
	for remaining > 0 {
		progressed := false
		for i := range out {
			if remaining == 0 {
				break
			}
			if out[i] < maxPer {
				out[i]++
				remaining--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}
