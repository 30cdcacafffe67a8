// Package games keeps the catalog of behavior modules found in the games
// directory, together with saved parameters and run history.
package games

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/db"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/log"
)

const (
	CodeNotFound    = "GAME_NOT_FOUND"
	CodeInvalidFile = "GAME_FILE_INVALID"

	maxUploadBytes = 4 << 20
)

var (
	ErrNotFound    = errors.New("game not found")
	ErrInvalidFile = errors.New("only .js files are allowed")
	ErrPathInvalid = errors.New("game path is outside the games directory")

	titleRe       = regexp.MustCompile(`\btitle\b\s*[:=]\s*(?:"([^"]*)"|'([^']*)')`)
	descriptionRe = regexp.MustCompile(`\bdescription\b\s*[:=]\s*(?:"([^"]*)"|'([^']*)')`)
)

// Store is the persistence the catalog needs. *db.GameRepo satisfies it.
type Store interface {
	Get(ctx context.Context, id string) (*db.Game, error)
	List(ctx context.Context) ([]*db.Game, error)
	Upsert(ctx context.Context, g *db.Game) error
	MarkPlayed(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExcept(ctx context.Context, keep []string) (int, error)
	Parameters(ctx context.Context, gameID string) (map[string]any, error)
	SaveParameters(ctx context.Context, gameID string, params map[string]any) error
}

// RunStore persists run history. *db.RunRepo satisfies it.
type RunStore interface {
	Create(ctx context.Context, run *db.Run) error
	List(ctx context.Context, gameID string, limit int) ([]*db.Run, error)
}

type Config struct {
	Dir   string
	Store Store
	Runs  RunStore
	// Debounce delays watcher-triggered reloads.
	Debounce time.Duration
}

// Catalog maps game ids to module files under Dir.
type Catalog struct {
	dir      string
	store    Store
	runs     RunStore
	debounce time.Duration
	logger   zerolog.Logger

	// reloadMu serializes directory scans.
	reloadMu sync.Mutex
}

func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("games directory is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("games store is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve games directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create games directory: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Catalog{
		dir:      dir,
		store:    cfg.Store,
		runs:     cfg.Runs,
		debounce: cfg.Debounce,
		logger:   log.WithComponent("games"),
	}, nil
}

func (c *Catalog) Dir() string { return c.dir }

// StableID returns the catalog id for a path relative to the games
// directory.
func StableID(relPath string) string {
	sum := md5.Sum([]byte(filepath.ToSlash(relPath)))
	return "game_" + hex.EncodeToString(sum[:])[:12]
}

// ExtractTitle returns the first `title: "..."` or `title = '...'` literal
// in src.
func ExtractTitle(src string) string {
	return firstLiteral(titleRe, src)
}

func firstLiteral(re *regexp.Regexp, src string) string {
	m := re.FindStringSubmatch(src)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}

// Reload rescans the directory, upserts every module file and removes
// catalog entries whose file is gone. It returns the number of games.
func (c *Catalog) Reload(ctx context.Context) (int, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	files, err := c.scan()
	if err != nil {
		return 0, err
	}
	keep := make([]string, 0, len(files))
	for _, abs := range files {
		g, err := c.entryFor(abs)
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldPath, abs).Msg("skipping game file")
			continue
		}
		if err := c.store.Upsert(ctx, g); err != nil {
			return 0, err
		}
		keep = append(keep, g.ID)
	}
	removed, err := c.store.DeleteExcept(ctx, keep)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int("count", len(keep)).Int("removed", removed).Msg("game catalog reloaded")
	return len(keep), nil
}

func (c *Catalog) scan() ([]string, error) {
	var files []string
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.dir {
				return err
			}
			c.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("scan failed")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(path), ".js") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan games directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Catalog) entryFor(abs string) (*db.Game, error) {
	rel, err := filepath.Rel(c.dir, abs)
	if err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(rel)
	g := &db.Game{
		ID:         StableID(rel),
		Name:       strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		ConfigPath: rel,
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		c.logger.Debug().Err(err).Str(log.FieldPath, abs).Msg("read game source failed, using file name")
		return g, nil
	}
	if title := ExtractTitle(string(src)); title != "" {
		g.Name = title
	}
	g.Description = firstLiteral(descriptionRe, string(src))
	return g, nil
}

func (c *Catalog) List(ctx context.Context) ([]*db.Game, error) {
	return c.store.List(ctx)
}

func (c *Catalog) Get(ctx context.Context, id string) (*db.Game, error) {
	g, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	return g, nil
}

// Path returns the absolute module path of g, refusing paths that escape
// the games directory.
func (c *Catalog) Path(g *db.Game) (string, error) {
	if g == nil || g.ConfigPath == "" {
		return "", ErrPathInvalid
	}
	abs := filepath.Join(c.dir, filepath.FromSlash(g.ConfigPath))
	rel, err := filepath.Rel(c.dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathInvalid
	}
	return abs, nil
}

// Upload stores a module file under its base name and catalogs it. An
// existing game with the same path keeps its id and creation time.
func (c *Catalog) Upload(ctx context.Context, name string, r io.Reader) (*db.Game, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || !strings.EqualFold(filepath.Ext(base), ".js") {
		return nil, ErrInvalidFile
	}
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > maxUploadBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidFile, maxUploadBytes)
	}

	abs := filepath.Join(c.dir, base)
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	g, err := c.entryFor(abs)
	if err != nil {
		return nil, err
	}
	if prev, err := c.store.Get(ctx, g.ID); err == nil && prev != nil {
		g.CreatedAt = prev.CreatedAt
		g.LastPlayed = prev.LastPlayed
	}
	if err := c.store.Upsert(ctx, g); err != nil {
		return nil, err
	}
	c.logger.Info().Str(log.FieldGameID, g.ID).Str(log.FieldPath, g.ConfigPath).Msg("game uploaded")
	return c.Get(ctx, g.ID)
}

// Delete removes a game from the catalog and, when removeFile is set, its
// module file. It reports whether a file was removed.
func (c *Catalog) Delete(ctx context.Context, id string, removeFile bool) (bool, error) {
	g, err := c.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if _, err := c.store.Delete(ctx, id); err != nil {
		return false, err
	}
	if !removeFile {
		return false, nil
	}
	abs, err := c.Path(g)
	if err != nil {
		return false, err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove game file: %w", err)
	}
	c.logger.Info().Str(log.FieldGameID, id).Str(log.FieldPath, abs).Msg("game file removed")
	return true, nil
}

func (c *Catalog) Parameters(ctx context.Context, id string) (map[string]any, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Parameters(ctx, id)
}

func (c *Catalog) SaveParameters(ctx context.Context, id string, params map[string]any) error {
	return c.store.SaveParameters(ctx, id, params)
}

// RecordRun stores a finished session and stamps the game's last played
// time.
func (c *Catalog) RecordRun(ctx context.Context, rec gameplay.RunRecord) error {
	if c.runs != nil {
		run := &db.Run{
			ID:         rec.SessionID,
			GameID:     rec.GameID,
			Title:      rec.Title,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
			DurationMS: rec.Duration.Milliseconds(),
			Reason:     rec.Reason,
		}
		if err := c.runs.Create(ctx, run); err != nil {
			return err
		}
	}
	if rec.GameID == "" || rec.Reason == gameplay.EndStartFailed {
		return nil
	}
	return c.store.MarkPlayed(ctx, rec.GameID, rec.StartedAt)
}

func (c *Catalog) Runs(ctx context.Context, gameID string, limit int) ([]*db.Run, error) {
	if c.runs == nil {
		return []*db.Run{}, nil
	}
	return c.runs.List(ctx, gameID, limit)
}

var _ gameplay.RunRecorder = (*Catalog)(nil)
