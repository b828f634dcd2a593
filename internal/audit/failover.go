package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	spoolFile            = "device_log_spool.log"
	defaultMaxSpoolBytes = 256 * 1024 * 1024
)

// Spool is an append-only JSONL file used while the database is unreachable.
type Spool struct {
	Dir     string
	MaxSize int64

	mu sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	s := &Spool{Dir: dir, MaxSize: defaultMaxSpoolBytes}
	if maxMB > 0 {
		s.MaxSize = maxMB * 1024 * 1024
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return s, nil
}

// Append writes one entry to the spool file.
func (s *Spool) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size() >= s.MaxSize {
		return fmt.Errorf("spool full (%d bytes)", s.MaxSize)
	}

	line, err := json.Marshal(spooledEntry{EventID: e.EventID.String(), Payload: e, Timestamp: time.Now()})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(s.Dir, spoolFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Spool) size() int64 {
	var size int64
	_ = filepath.Walk(s.Dir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// take moves the current spool file aside and returns its path, or "" when
// there is nothing to replay.
func (s *Spool) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.Dir, spoolFile)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	replayFile := filepath.Join(s.Dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		return "", err
	}
	return replayFile, nil
}

// StartReplayer flushes the spool on every tick until ctx is done.
func (s *Service) StartReplayer(ctx context.Context, every time.Duration) {
	if s.Spool == nil {
		return
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

var replayLock sync.Mutex

// ReplaySpool re-inserts spooled entries. Entries that still fail are
// spooled again by Write. Returns the number flushed to the database.
func (s *Service) ReplaySpool(ctx context.Context) int {
	replayLock.Lock()
	defer replayLock.Unlock()

	if s.Spool == nil {
		return 0
	}
	replayFile, err := s.Spool.take()
	if err != nil {
		s.Logger.Error("rotate device log spool", zap.Error(err))
		return 0
	}
	if replayFile == "" {
		return 0
	}
	defer os.Remove(replayFile)

	f, err := os.Open(replayFile)
	if err != nil {
		s.Logger.Error("open replay file", zap.String("file", replayFile), zap.Error(err))
		return 0
	}
	defer f.Close()

	var succeeded, malformed int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var se spooledEntry
		if err := json.Unmarshal(scanner.Bytes(), &se); err != nil {
			malformed++
			continue
		}
		if err := s.insert(ctx, se.Payload); err != nil {
			if spoolErr := s.Spool.Append(se.Payload); spoolErr != nil {
				s.Logger.Error("respool device log", zap.String("event_id", se.EventID), zap.Error(spoolErr))
			}
			continue
		}
		succeeded++
	}

	if succeeded > 0 || malformed > 0 {
		s.Logger.Info("device log replay", zap.Int("flushed", succeeded), zap.Int("malformed", malformed))
	}
	return succeeded
}
