package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type GameRepo struct {
	db *sql.DB
}

func NewGameRepo(db *sql.DB) *GameRepo {
	return &GameRepo{db: db}
}

const gameColumns = `id, name, description, config_path, created_at, last_played`

func (r *GameRepo) Get(ctx context.Context, id string) (*Game, error) {
	item, err := scanGame(r.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get game: %w", err)
	}
	return item, nil
}

func (r *GameRepo) List(ctx context.Context) ([]*Game, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+gameColumns+` FROM games ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	items := make([]*Game, 0)
	for rows.Next() {
		item, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate games: %w", err)
	}
	return items, nil
}

// Upsert writes catalog fields. It never touches last_played, which only
// MarkPlayed changes.
func (r *GameRepo) Upsert(ctx context.Context, g *Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("game id is required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO games (id, name, description, config_path, created_at, last_played)
VALUES (?, ?, ?, ?, ?, '')
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	config_path = excluded.config_path
`, g.ID, g.Name, g.Description, g.ConfigPath, formatTimestamp(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert game: %w", err)
	}
	return nil
}

func (r *GameRepo) MarkPlayed(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE games SET last_played = ? WHERE id = ?`, formatTimestamp(at), id); err != nil {
		return fmt.Errorf("mark game played: %w", err)
	}
	return nil
}

func (r *GameRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM games WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete game: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete game rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteExcept removes every game whose id is not in keep. Used after a
// directory rescan.
func (r *GameRepo) DeleteExcept(ctx context.Context, keep []string) (int, error) {
	existing, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	removed := 0
	for _, g := range existing {
		if _, ok := keepSet[g.ID]; ok {
			continue
		}
		if _, err := r.Delete(ctx, g.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Parameters returns the saved parameter set for a game, or an empty map.
func (r *GameRepo) Parameters(ctx context.Context, gameID string) (map[string]any, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT parameters FROM game_parameters WHERE game_id = ?`, gameID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("get game parameters: %w", err)
	}
	return decodeObject(raw)
}

func (r *GameRepo) SaveParameters(ctx context.Context, gameID string, params map[string]any) error {
	raw, err := encodeObject(params)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO game_parameters (game_id, parameters, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(game_id) DO UPDATE SET
	parameters = excluded.parameters,
	updated_at = excluded.updated_at
`, gameID, raw, formatTimestamp(nowUTC()))
	if err != nil {
		return fmt.Errorf("save game parameters: %w", err)
	}
	return nil
}

func scanGame(row rowScanner) (*Game, error) {
	var item Game
	var createdAtRaw, lastPlayedRaw string
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.ConfigPath, &createdAtRaw, &lastPlayedRaw); err != nil {
		return nil, err
	}
	var err error
	if item.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	lastPlayed, err := parseOptionalTimestamp(lastPlayedRaw)
	if err != nil {
		return nil, err
	}
	if !lastPlayed.IsZero() {
		item.LastPlayed = &lastPlayed
	}
	return &item, nil
}
