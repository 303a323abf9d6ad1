package server

import (
	"log"
	"runtime"
	"time"
)

// CleanupReport summarizes one maintenance cycle
type CleanupReport struct {
	DeadSessions  int
	ExpiredUsers  []string
	PrunedRooms   []string
	FreeHeapMiB   uint64
	Goroutines    int
	Failed        []string // names of steps that errored or panicked
}

// maintenanceLoop runs RunCleanupCycle every CleanupInterval until shutdown
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.RunCleanupCycle()
		}
	}
}

// RunCleanupCycle drops dead sessions, expires idle tokens, prunes abandoned
// chatrooms and persists both registries. A failing step is logged and the
// remaining steps still run.
func (s *Server) RunCleanupCycle() CleanupReport {
	start := time.Now()
	var report CleanupReport

	s.runCleanupStep(&report, "sessions", func() error {
		report.DeadSessions = s.sessions.CleanupDead(probeTimeout)
		return nil
	})

	s.runCleanupStep(&report, "accounts", func() error {
		if s.config.SessionTimeout > 0 {
			expired := s.accounts.ExpireIdle(s.config.SessionTimeout)
			tokens := make([]string, 0, len(expired))
			for _, e := range expired {
				report.ExpiredUsers = append(report.ExpiredUsers, e.Username)
				tokens = append(tokens, e.Token)
			}
			s.sessions.UnbindTokens(tokens)
		}
		return s.accounts.Persist()
	})

	s.runCleanupStep(&report, "chatrooms", func() error {
		report.PrunedRooms = s.chatrooms.PruneAbandoned(s.config.ChatroomGrace, s.accounts.Exists)
		return s.chatrooms.Persist()
	})

	s.runCleanupStep(&report, "runtime", func() error {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		report.FreeHeapMiB = (mem.HeapIdle - mem.HeapReleased) / (1024 * 1024)
		report.Goroutines = runtime.NumGoroutine()
		return nil
	})

	log.Printf("[CLEANUP] dead sessions: %d, expired tokens: %d, pruned chatrooms: %d, free heap: %d MiB, goroutines: %d (%v)",
		report.DeadSessions, len(report.ExpiredUsers), len(report.PrunedRooms),
		report.FreeHeapMiB, report.Goroutines, time.Since(start))

	if s.metrics != nil {
		s.metrics.RecordCleanup(time.Since(start), s.accounts.Count(), s.chatrooms.Count())
		s.metrics.RecordOnlineUsers(s.sessions.CountOnlineUsers())
	}
	return report
}

func (s *Server) runCleanupStep(report *CleanupReport, name string, step func() error) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Cleanup step %s panicked: %v", name, r)
			report.Failed = append(report.Failed, name)
		}
	}()

	if err := step(); err != nil {
		errorLog.Printf("Cleanup step %s failed: %v", name, err)
		report.Failed = append(report.Failed, name)
	}
}
