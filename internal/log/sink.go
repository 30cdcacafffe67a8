package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const followerBuffer = 64

// Sink is the durable log destination for records produced by game modules.
type Sink interface {
	Write(level, scope, message string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Write(string, string, string) {}

// FileSink appends one line per record to a per-day file inside dir and
// fans every record out to live followers.
type FileSink struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger

	mu sync.Mutex

	followMu  sync.Mutex
	followers map[chan Entry]chan struct{}
}

// Entry is one durable log record as seen by followers.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Module    string    `json:"module"`
	Message   string    `json:"message"`
}

// LogFile describes one daily log file on disk.
type LogFile struct {
	Name         string    `json:"filename"`
	Size         int64     `json:"size"`
	Date         string    `json:"date"`
	LastModified time.Time `json:"lastModified"`
}

func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("log dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %q: %w", dir, err)
	}
	return &FileSink{
		dir:       dir,
		now:       time.Now,
		logger:    WithComponent("logsink"),
		followers: make(map[chan Entry]chan struct{}),
	}, nil
}

func (s *FileSink) Dir() string {
	return s.dir
}

// Write never fails loudly; a broken log disk must not take the game down.
func (s *FileSink) Write(level, scope, message string) {
	ts := s.now()
	entry := Entry{Timestamp: ts.UTC(), Level: strings.ToUpper(level), Module: scope, Message: message}
	s.append(entry, filepath.Join(s.dir, ts.Format("2006-01-02")+".log"))
	s.publish(entry)
}

func (s *FileSink) append(e Entry, path string) {
	line := fmt.Sprintf("[%s] [%s] [%s] %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Module, e.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn().Err(err).Str(FieldPath, path).Msg("open log file failed")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		s.logger.Warn().Err(err).Str(FieldPath, path).Msg("write log file failed")
	}
}

// publish hands e to every follower. Slow followers miss entries.
func (s *FileSink) publish(e Entry) {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	for ch := range s.followers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Follow streams entries written after the call until ctx is done or
// CloseFollowers is called, then closes the channel.
func (s *FileSink) Follow(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, followerBuffer)
	stop := make(chan struct{})
	s.followMu.Lock()
	s.followers[ch] = stop
	s.followMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.followMu.Lock()
		delete(s.followers, ch)
		close(ch)
		s.followMu.Unlock()
	}()
	return ch
}

// CloseFollowers ends every live follower.
func (s *FileSink) CloseFollowers() {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	for ch, stop := range s.followers {
		close(stop)
		delete(s.followers, ch)
	}
}

// Followers reports how many live followers are attached.
func (s *FileSink) Followers() int {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	return len(s.followers)
}

// Files lists daily log files, newest first.
func (s *FileSink) Files() ([]LogFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	files := make([]LogFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFile{
			Name:         entry.Name(),
			Size:         info.Size(),
			Date:         strings.TrimSuffix(entry.Name(), ".log"),
			LastModified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Date > files[j].Date })
	return files, nil
}

// Clean removes daily files older than daysToKeep days.
func (s *FileSink) Clean(daysToKeep int) (int, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	removed := 0
	for _, f := range files {
		day, err := time.ParseInLocation("2006-01-02", f.Date, cutoff.Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.Name)); err != nil {
			return removed, fmt.Errorf("remove %q: %w", f.Name, err)
		}
		removed++
	}
	return removed, nil
}
