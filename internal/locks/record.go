package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const recordExt = ".lock"

var (
	// ErrContention is returned when a lock stays held by another holder for
	// the whole wait budget.
	ErrContention = errors.New("lock contention timeout")
	// ErrNotHeld is returned when releasing or renewing a lock the caller does not own.
	ErrNotHeld = errors.New("lock not held")
)

// ContentionError names the resource and the holder that kept it.
type ContentionError struct {
	Resource string
	Holder   string
	Waited   time.Duration
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: %q held by %q (waited %s)", ErrContention, e.Resource, e.Holder, e.Waited)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// Record is the durable lock record stored for a resource.
type Record struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically absent at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r Record) sameLease(other Record) bool {
	return r.Holder == other.Holder && r.AcquiredAt.Equal(other.AcquiredAt) && r.ExpiresAt.Equal(other.ExpiresAt)
}

func recordFile(dir, resource string) string {
	return filepath.Join(dir, url.PathEscape(resource)+recordExt)
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding lock record %s: %w", path, err)
	}
	return rec, nil
}

// writeTemp writes rec to a fresh temp file next to path and returns its name.
func writeTemp(path string, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling lock record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.Contains(name, ".tmp.") && !strings.Contains(name, ".stale.")
}
