package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// minRetentionInterval throttles repeated sweeps of the same directory.
const minRetentionInterval = 30 * time.Second

// RetentionPolicy bounds the number and age of log files in a directory.
type RetentionPolicy struct {
	// Dir is the directory to sweep.
	Dir string

	// Key identifies the policy for dedup; sweeps with the same
	// {Dir, Key} are rate limited together.
	Key string

	// Prefixes selects the entries the policy applies to. An entry
	// matches when its base name starts with any prefix.
	Prefixes []string

	// MaxFiles keeps at most this many entries (0 disables the cap).
	MaxFiles int

	// MaxAge removes entries older than this (0 disables the cap).
	MaxAge time.Duration
}

type retentionState struct {
	lastRun   time.Time
	lastCount int
}

var retentionStates sync.Map

type retentionEntry struct {
	path    string
	name    string
	modTime time.Time
}

// EnforceRetention applies the policy to its directory. Individual
// removal failures are swallowed; the sweep keeps going. A missing
// directory is not an error.
func EnforceRetention(policy RetentionPolicy) error {
	key := policy.Dir + "\x00" + policy.Key
	now := time.Now()

	entries, err := collectEntries(policy)
	if err != nil {
		return err
	}
	if entries == nil {
		return nil
	}

	if prev, ok := retentionStates.Load(key); ok {
		state := prev.(retentionState)
		if now.Sub(state.lastRun) < minRetentionInterval && state.lastCount == len(entries) {
			return nil
		}
	}
	retentionStates.Store(key, retentionState{lastRun: now, lastCount: len(entries)})

	// Newest first; equal mtimes break lexicographically so the
	// ordering is stable across runs.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.After(entries[j].modTime)
		}
		return entries[i].name < entries[j].name
	})

	remove := func(e retentionEntry) {
		if err := os.RemoveAll(e.path); err != nil {
			slog.Debug("failed to remove expired log", "path", e.path, "error", err)
		}
	}

	kept := entries[:0]
	if policy.MaxAge > 0 {
		cutoff := now.Add(-policy.MaxAge)
		for _, e := range entries {
			if e.modTime.Before(cutoff) {
				remove(e)
				continue
			}
			kept = append(kept, e)
		}
		entries = kept
	}

	if policy.MaxFiles > 0 && len(entries) > policy.MaxFiles {
		for _, e := range entries[policy.MaxFiles:] {
			remove(e)
		}
	}
	return nil
}

// ResetRetentionState clears sweep throttling. Intended for tests.
func ResetRetentionState() {
	retentionStates.Range(func(k, _ any) bool {
		retentionStates.Delete(k)
		return true
	})
}

func collectEntries(policy RetentionPolicy) ([]retentionEntry, error) {
	dirEntries, err := os.ReadDir(policy.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []retentionEntry
	for _, de := range dirEntries {
		name := de.Name()
		if !matchesPrefix(name, policy.Prefixes) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, retentionEntry{
			path:    filepath.Join(policy.Dir, name),
			name:    name,
			modTime: info.ModTime(),
		})
	}
	if out == nil {
		out = []retentionEntry{}
	}
	return out, nil
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
