package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/starford/folio/internal/models"
)

// Hit is one ranked search candidate.
type Hit struct {
	NoteID models.NoteID `json:"note_id"`
	Score  float64       `json:"score"`
}

// Tombstone records a deleted note whose incoming edges may still need pruning.
type Tombstone struct {
	NoteID  models.NoteID
	Version models.VersionID
}

// Counts summarises the index contents.
type Counts struct {
	Notes      int `json:"notes"`
	Deleted    int `json:"deleted"`
	Postings   int `json:"postings"`
	Tombstones int `json:"tombstones"`
}

// Watermark returns the last indexed version of a note.
func (db *DB) Watermark(ctx context.Context, id models.NoteID) (models.VersionID, bool, error) {
	var v uint64
	err := db.conn.QueryRowContext(ctx, `SELECT version FROM notes WHERE note_id = ?`, string(id)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index: watermark: %w", err)
	}
	return models.VersionID(v), true, nil
}

// Watermarks returns every persisted watermark.
func (db *DB) Watermarks(ctx context.Context) (map[models.NoteID]models.VersionID, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT note_id, version FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: watermarks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.NoteID]models.VersionID)
	for rows.Next() {
		var (
			id string
			v  uint64
		)
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[models.NoteID(id)] = models.VersionID(v)
	}
	return out, rows.Err()
}

// Put replaces a note's rows with those derived from v and advances its
// watermark, all in one transaction. Deleted versions keep only the
// watermark and a tombstone.
func (db *DB) Put(ctx context.Context, v models.Version) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	id := string(v.NoteID)
	if err := clearNote(ctx, tx, id); err != nil {
		return err
	}

	var tokens []string
	if !v.Deleted {
		tokens = Tokenize(models.PlainText(v.Content))
		if err := insertMeta(ctx, tx, id, v.Metadata); err != nil {
			return err
		}
		if err := insertPostings(ctx, tx, id, tokens); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (note_id, version, deleted, tokens, indexed_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(note_id) DO UPDATE SET
			version    = excluded.version,
			deleted    = excluded.deleted,
			tokens     = excluded.tokens,
			indexed_at = excluded.indexed_at
	`, id, uint64(v.ID), v.Deleted, len(tokens))
	if err != nil {
		return fmt.Errorf("index: upsert note: %w", err)
	}

	// Edges to an already swept note re-arm its tombstone, so a source
	// indexed after the sweep is still pruned.
	_, err = tx.ExecContext(ctx, `
		UPDATE tombstones SET swept = 0
		WHERE swept = 1 AND note_id IN (
			SELECT value FROM meta WHERE note_id = ? AND substr(key, 1, ?) = ?
		)
	`, id, utf8.RuneCountInString(models.RelPrefix), models.RelPrefix)
	if err != nil {
		return fmt.Errorf("index: re-arm tombstones: %w", err)
	}

	if v.Deleted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tombstones (note_id, version, swept) VALUES (?, ?, 0)
			ON CONFLICT(note_id) DO UPDATE SET version = excluded.version, swept = 0
		`, id, uint64(v.ID))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM tombstones WHERE note_id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("index: tombstone: %w", err)
	}
	return tx.Commit()
}

// Delete removes every row of a note.
func (db *DB) Delete(ctx context.Context, id models.NoteID) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := clearNote(ctx, tx, string(id)); err != nil {
		return err
	}
	_, _ = tx.ExecContext(ctx, `DELETE FROM tombstones WHERE note_id = ?`, string(id))
	_, _ = tx.ExecContext(ctx, `DELETE FROM notes WHERE note_id = ?`, string(id))
	return tx.Commit()
}

func clearNote(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE note_id = ?`, id); err != nil {
		return fmt.Errorf("index: clear meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE note_id = ?`, id); err != nil {
		return fmt.Errorf("index: clear postings: %w", err)
	}
	return nil
}

func insertMeta(ctx context.Context, tx *sql.Tx, id string, md models.Metadata) error {
	if len(md) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO meta (note_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare meta insert: %w", err)
	}
	defer stmt.Close()
	for _, k := range md.Keys() {
		for _, v := range md[k] {
			if _, err := stmt.ExecContext(ctx, id, k, v); err != nil {
				return fmt.Errorf("index: insert meta: %w", err)
			}
		}
	}
	return nil
}

func insertPostings(ctx context.Context, tx *sql.Tx, id string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO postings (token, note_id, position) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare posting insert: %w", err)
	}
	defer stmt.Close()
	for pos, tok := range tokens {
		if _, err := stmt.ExecContext(ctx, tok, id, pos); err != nil {
			return fmt.Errorf("index: insert posting: %w", err)
		}
	}
	return nil
}

// Lookup returns notes whose indexed head carries key=value.
func (db *DB) Lookup(ctx context.Context, key, value string) ([]models.NoteID, error) {
	return db.noteIDs(ctx, `SELECT DISTINCT note_id FROM meta WHERE key = ? AND value = ? ORDER BY note_id`, key, value)
}

// LookupValue returns notes carrying value under any key starting with prefix.
func (db *DB) LookupValue(ctx context.Context, prefix, value string) ([]models.NoteID, error) {
	return db.noteIDs(ctx, `
		SELECT DISTINCT note_id FROM meta
		WHERE value = ? AND substr(key, 1, ?) = ?
		ORDER BY note_id
	`, value, utf8.RuneCountInString(prefix), prefix)
}

func (db *DB) noteIDs(ctx context.Context, query string, args ...any) ([]models.NoteID, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: lookup: %w", err)
	}
	defer rows.Close()
	var out []models.NoteID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, models.NoteID(id))
	}
	return out, rows.Err()
}

// Search ranks notes by the sum over query tokens of tf·idf, with
// idf = ln(1 + N/df). Ties are broken by note id.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	tokens := slices.Compact(slices.Sorted(slices.Values(Tokenize(query))))
	if len(tokens) == 0 {
		return nil, nil
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM notes WHERE deleted = 0`).Scan(&total); err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT token, note_id, count(*)
		FROM postings
		WHERE token IN (`+strings.Repeat("?,", len(tokens)-1)+`?)
		GROUP BY token, note_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	type tf struct {
		note  string
		count int
	}
	byToken := make(map[string][]tf)
	for rows.Next() {
		var (
			tok, note string
			n         int
		)
		if err := rows.Scan(&tok, &note, &n); err != nil {
			return nil, err
		}
		byToken[tok] = append(byToken[tok], tf{note, n})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scores := make(map[string]float64)
	for _, postings := range byToken {
		idf := math.Log(1 + float64(max(total, 1))/float64(len(postings)))
		for _, p := range postings {
			scores[p.note] += float64(p.count) * idf
		}
	}
	hits := make([]Hit, 0, len(scores))
	for note, s := range scores {
		hits = append(hits, Hit{NoteID: models.NoteID(note), Score: s})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return strings.Compare(string(a.NoteID), string(b.NoteID))
		}
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Tombstones returns deleted notes not yet swept.
func (db *DB) Tombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT note_id, version FROM tombstones WHERE swept = 0 ORDER BY note_id`)
	if err != nil {
		return nil, fmt.Errorf("index: tombstones: %w", err)
	}
	defer rows.Close()
	var out []Tombstone
	for rows.Next() {
		var (
			id string
			v  uint64
		)
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out = append(out, Tombstone{NoteID: models.NoteID(id), Version: models.VersionID(v)})
	}
	return out, rows.Err()
}

// MarkSwept records that edges to t have been pruned. A newer tombstone for
// the same note is left unswept.
func (db *DB) MarkSwept(ctx context.Context, t Tombstone) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE tombstones SET swept = 1 WHERE note_id = ? AND version = ?`,
		string(t.NoteID), uint64(t.Version))
	if err != nil {
		return fmt.Errorf("index: mark swept: %w", err)
	}
	return nil
}

// Counts returns row counts for status reporting.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM notes WHERE deleted = 0),
			(SELECT count(*) FROM notes WHERE deleted = 1),
			(SELECT count(*) FROM postings),
			(SELECT count(*) FROM tombstones WHERE swept = 0)
	`).Scan(&c.Notes, &c.Deleted, &c.Postings, &c.Tombstones)
	if err != nil {
		return Counts{}, fmt.Errorf("index: counts: %w", err)
	}
	return c, nil
}
