package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	spoolFileName     = "audit_spool.jsonl"
	defaultMaxSpool   = 64 << 20 // bytes
	replayInterval    = 30 * time.Second
	spoolFilePermBits = 0o600
)

// Spool is the JSONL failover file for audit rows the database refused.
type Spool struct {
	dir string
	max int64

	mu sync.Mutex
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit spool dir: %w", err)
	}
	return &Spool{dir: dir, max: defaultMaxSpool}, nil
}

// Append writes one record line. A full spool drops the record with an
// error rather than growing without bound.
func (s *Spool) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size() >= s.max {
		return fmt.Errorf("audit spool full (%d bytes)", s.max)
	}

	line, err := json.Marshal(spoolEntry{
		EventID:   rec.EventID.String(),
		Payload:   rec,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(s.dir, spoolFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, spoolFilePermBits)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Spool) size() int64 {
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}

// StartReplayer periodically retries spooled rows against the database.
// Rows the database still refuses are re-spooled by the write path.
func (r *Recorder) StartReplayer(stopCh <-chan struct{}) {
	if r.db == nil || r.spool == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(replayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.replaySpool()
			case <-stopCh:
				return
			}
		}
	}()
}

func (r *Recorder) replaySpool() {
	r.spool.mu.Lock()
	src := filepath.Join(r.spool.dir, spoolFileName)
	info, err := os.Stat(src)
	if err != nil || info.Size() == 0 {
		r.spool.mu.Unlock()
		return
	}
	replay := filepath.Join(r.spool.dir, fmt.Sprintf("replay_%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(src, replay); err != nil {
		r.spool.mu.Unlock()
		log.Printf("[WARN] Audit spool rotate failed: %v", err)
		return
	}
	r.spool.mu.Unlock()

	f, err := os.Open(replay)
	if err != nil {
		return
	}
	defer f.Close()

	var flushed, respooled int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
		err := r.writeRow(ctx, entry.Payload)
		cancel()
		if err != nil {
			// back to the spool; the next pass will try again
			if spoolErr := r.spool.Append(entry.Payload); spoolErr != nil {
				log.Printf("[ERROR] Audit replay lost event %s: %v", entry.EventID, spoolErr)
			} else {
				respooled++
			}
			continue
		}
		flushed++
	}
	os.Remove(replay)

	if flushed > 0 {
		log.Printf("Audit replay flushed %d events (%d pending)", flushed, respooled)
	}
}
