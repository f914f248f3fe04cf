package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gayhub/subpool/internal/config"
	"github.com/gayhub/subpool/internal/model"
	"github.com/gayhub/subpool/internal/secret"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// KnownProviders are seeded into provider_configs on first start.
var KnownProviders = []string{"assrt", "opensubtitles"}

type Repository struct {
	db  *sql.DB
	box *secret.Box
}

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// applyMigrations runs every embedded migration not yet recorded, each in
// its own transaction, in file name order.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		name := path.Base(file)
		if _, done := applied[name]; done {
			continue
		}
		script, err := migrationFS.ReadFile(file)
		if err != nil {
			return err
		}
		if err := runMigration(db, name, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.Query(`SELECT name FROM schema_migrations;`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func runMigration(db *sql.DB, name, script string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?);`, name, now()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// NewRepository wraps db. Provider configs are sealed with box.
func NewRepository(db *sql.DB, box *secret.Box) *Repository {
	if box == nil {
		box = secret.New("")
	}
	return &Repository{db: db, box: box}
}

// EnsureDefaults seeds the settings row and one provider_configs row per known
// provider. Provider options present in cfg overwrite the stored ones so the
// environment stays authoritative across restarts.
func (r *Repository) EnsureDefaults(ctx context.Context, cfg config.Config) error {
	langs, err := json.Marshal(cfg.Pool.Languages)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (id, languages, hearing_impaired, min_score, only_one, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, string(langs), cfg.Pool.HearingImpaired, cfg.Pool.MinScore, boolInt(cfg.Pool.OnlyOne), now()); err != nil {
		return err
	}

	enabled := make(map[string]bool, len(cfg.Pool.Providers))
	for _, name := range cfg.Pool.Providers {
		enabled[name] = true
	}
	for _, name := range KnownProviders {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO provider_configs (name, enabled, secret_blob, updated_at)
			VALUES (?, ?, '', ?)
			ON CONFLICT(name) DO NOTHING;
		`, name, boolInt(enabled[name]), now()); err != nil {
			return err
		}
	}

	for name, options := range cfg.Pool.ProviderConfigs {
		if len(options) == 0 {
			continue
		}
		if err := r.SaveProviderConfig(ctx, name, options); err != nil {
			return fmt.Errorf("seed %s config: %w", name, err)
		}
	}
	if len(cfg.Pool.Providers) > 0 {
		return r.SetEnabledProviders(ctx, cfg.Pool.Providers)
	}
	return nil
}

func (r *Repository) GetSettings(ctx context.Context) (model.Settings, error) {
	var out model.Settings
	var rawLanguages string
	var onlyOne int
	row := r.db.QueryRowContext(ctx, `
		SELECT languages, hearing_impaired, min_score, only_one
		FROM app_settings
		WHERE id = 1;
	`)
	if err := row.Scan(&rawLanguages, &out.HearingImpaired, &out.MinScore, &onlyOne); err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(rawLanguages), &out.Languages); err != nil {
		return out, err
	}
	out.OnlyOne = onlyOne == 1
	return out, nil
}

func (r *Repository) UpdateSettings(ctx context.Context, settings model.Settings) error {
	if len(settings.Languages) == 0 {
		return errors.New("languages cannot be empty")
	}
	rawLanguages, err := json.Marshal(settings.Languages)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE app_settings
		SET languages = ?, hearing_impaired = ?, min_score = ?, only_one = ?, updated_at = ?
		WHERE id = 1;
	`, string(rawLanguages), settings.HearingImpaired, settings.MinScore, boolInt(settings.OnlyOne), now())
	return err
}

// ListProviders reports the persisted state of every provider row. Runtime
// state (initialized, discarded) is filled in by the caller.
func (r *Repository) ListProviders(ctx context.Context) ([]model.ProviderStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, enabled, secret_blob
		FROM provider_configs
		ORDER BY name;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := make([]model.ProviderStatus, 0, len(KnownProviders))
	for rows.Next() {
		var status model.ProviderStatus
		var enabled int
		var blob string
		if err := rows.Scan(&status.Name, &enabled, &blob); err != nil {
			return nil, err
		}
		status.Enabled = enabled == 1
		status.Configured = strings.TrimSpace(blob) != ""
		providers = append(providers, status)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return providers, nil
}

// EnabledProviders returns the enabled provider names in name order.
func (r *Repository) EnabledProviders(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM provider_configs WHERE enabled = 1 ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetEnabledProviders enables exactly names, creating rows for unseen ones.
func (r *Repository) SetEnabledProviders(ctx context.Context, names []string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := now()
	if _, err = tx.ExecContext(ctx, `UPDATE provider_configs SET enabled = 0, updated_at = ?;`, ts); err != nil {
		return err
	}
	for _, name := range names {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO provider_configs (name, enabled, secret_blob, updated_at)
			VALUES (?, 1, '', ?)
			ON CONFLICT(name) DO UPDATE SET enabled = 1, updated_at = excluded.updated_at;
		`, name, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveProviderConfig seals options and stores them for name.
func (r *Repository) SaveProviderConfig(ctx context.Context, name string, options map[string]any) error {
	blob, err := r.box.SealJSON(options)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO provider_configs (name, enabled, secret_blob, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(name) DO UPDATE SET secret_blob = excluded.secret_blob, updated_at = excluded.updated_at;
	`, name, blob, now())
	return err
}

// ProviderConfigs opens every stored provider config. Rows without a blob
// are left out.
func (r *Repository) ProviderConfigs(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, secret_blob FROM provider_configs ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var name, blob string
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, err
		}
		if strings.TrimSpace(blob) == "" {
			continue
		}
		options := make(map[string]any)
		if err := r.box.OpenJSON(blob, &options); err != nil {
			return nil, fmt.Errorf("open %s config: %w", name, err)
		}
		out[name] = options
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) CreateJob(ctx context.Context, jobType string, details string) (model.Job, error) {
	ts := time.Now().UTC()
	job := model.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    model.JobQueued,
		Details:   details,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, details, error, retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?);
	`, job.ID, job.Type, job.Status, job.Details, job.Retries, ts.Format(timeLayout), ts.Format(timeLayout))
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (r *Repository) UpdateJobStatus(ctx context.Context, jobID string, status string, errText string) error {
	return r.UpdateJob(ctx, jobID, status, "", errText)
}

func (r *Repository) UpdateJob(ctx context.Context, jobID string, status string, details string, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, details = CASE WHEN ? = '' THEN details ELSE ? END, error = ?, updated_at = ?
		WHERE id = ?;
	`, status, details, details, errText, now(), jobID)
	return err
}

func (r *Repository) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, status, details, error, retries, created_at, updated_at
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]model.Job, 0, limit)
	for rows.Next() {
		var job model.Job
		var createdAt string
		var updatedAt string
		if err := rows.Scan(
			&job.ID,
			&job.Type,
			&job.Status,
			&job.Details,
			&job.Error,
			&job.Retries,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		job.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		job.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpsertMediaItems stores items keyed by file path. A row whose creation
// stamp equals this batch's stamp counts as inserted.
func (r *Repository) UpsertMediaItems(ctx context.Context, items []model.MediaItem) (inserted int64, updated int64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO media_items (
			media_type, title, year, season, episode, file_path, media_hash, file_size, has_subtitle,
			release_group, source, resolution, video_codec, audio_codec, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			media_type = excluded.media_type,
			title = excluded.title,
			year = excluded.year,
			season = excluded.season,
			episode = excluded.episode,
			media_hash = excluded.media_hash,
			file_size = excluded.file_size,
			has_subtitle = excluded.has_subtitle,
			release_group = excluded.release_group,
			source = excluded.source,
			resolution = excluded.resolution,
			video_codec = excluded.video_codec,
			audio_codec = excluded.audio_codec,
			updated_at = excluded.updated_at
		RETURNING created_at;
	`)
	if err != nil {
		return 0, 0, err
	}
	defer stmt.Close()

	stamp := now()
	for _, item := range items {
		var createdAt string
		err = stmt.QueryRowContext(ctx,
			item.MediaType,
			item.Title,
			nullableInt(item.Year),
			nullableInt(item.Season),
			nullableInt(item.Episode),
			item.FilePath,
			item.MediaHash,
			item.FileSize,
			boolInt(item.HasSubtitle),
			item.ReleaseGroup,
			item.Source,
			item.Resolution,
			item.VideoCodec,
			item.AudioCodec,
			stamp,
			stamp,
		).Scan(&createdAt)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert %s: %w", item.FilePath, err)
		}
		if createdAt == stamp {
			inserted++
		} else {
			updated++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

const mediaColumns = `id, media_type, title, year, season, episode, file_path, media_hash, file_size, has_subtitle,
	release_group, source, resolution, video_codec, audio_codec, created_at, updated_at`

func (r *Repository) ListMedia(ctx context.Context, missingOnly bool, limit int) ([]model.MediaItem, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + mediaColumns + ` FROM media_items`
	if missingOnly {
		query += " WHERE has_subtitle = 0 "
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?;"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.MediaItem, 0, limit)
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository) GetMediaByID(ctx context.Context, mediaID int64) (model.MediaItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE id = ? LIMIT 1;`, mediaID)
	return scanMedia(row)
}

// GetMediaByPath looks an item up by its absolute file path.
func (r *Repository) GetMediaByPath(ctx context.Context, filePath string) (model.MediaItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE file_path = ? LIMIT 1;`, filePath)
	return scanMedia(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedia(row rowScanner) (model.MediaItem, error) {
	var item model.MediaItem
	var year, season, episode sql.NullInt64
	var hasSubtitle int
	var createdAt, updatedAt string
	if err := row.Scan(
		&item.ID,
		&item.MediaType,
		&item.Title,
		&year,
		&season,
		&episode,
		&item.FilePath,
		&item.MediaHash,
		&item.FileSize,
		&hasSubtitle,
		&item.ReleaseGroup,
		&item.Source,
		&item.Resolution,
		&item.VideoCodec,
		&item.AudioCodec,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.MediaItem{}, err
	}
	item.Year = nullableIntFromDB(year)
	item.Season = nullableIntFromDB(season)
	item.Episode = nullableIntFromDB(episode)
	item.HasSubtitle = hasSubtitle == 1
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return item, nil
}

func (r *Repository) ReplaceSubtitleCandidates(ctx context.Context, mediaID int64, candidates []model.SubtitleCandidate) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM subtitle_candidates WHERE media_item_id = ?;`, mediaID); err != nil {
		return err
	}

	ts := now()
	for _, candidate := range candidates {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO subtitle_candidates (
				media_item_id, provider_name, candidate_id, score, language, release_name,
				hearing_impaired, page_link, payload_json, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			mediaID,
			candidate.ProviderName,
			candidate.CandidateID,
			candidate.Score,
			candidate.Language,
			candidate.ReleaseName,
			boolInt(candidate.HearingImpaired),
			candidate.PageLink,
			candidate.RawPayload,
			ts,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const candidateColumns = `id, media_item_id, provider_name, candidate_id, score, language, release_name, hearing_impaired, page_link, payload_json, created_at`

func (r *Repository) ListSubtitleCandidates(ctx context.Context, mediaID int64, limit int) ([]model.SubtitleCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+candidateColumns+`
		FROM subtitle_candidates
		WHERE media_item_id = ?
		ORDER BY score DESC, id ASC
		LIMIT ?;
	`, mediaID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]model.SubtitleCandidate, 0, limit)
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *Repository) GetSubtitleCandidateByID(ctx context.Context, candidateID int64) (model.SubtitleCandidate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM subtitle_candidates WHERE id = ? LIMIT 1;`, candidateID)
	return scanCandidate(row)
}

func scanCandidate(row rowScanner) (model.SubtitleCandidate, error) {
	var candidate model.SubtitleCandidate
	var hearingImpaired int
	var createdAt string
	if err := row.Scan(
		&candidate.ID,
		&candidate.MediaItemID,
		&candidate.ProviderName,
		&candidate.CandidateID,
		&candidate.Score,
		&candidate.Language,
		&candidate.ReleaseName,
		&hearingImpaired,
		&candidate.PageLink,
		&candidate.RawPayload,
		&createdAt,
	); err != nil {
		return model.SubtitleCandidate{}, err
	}
	candidate.HearingImpaired = hearingImpaired == 1
	candidate.CreatedAt = parseTime(createdAt)
	return candidate, nil
}

// SaveSubtitleFile records a written subtitle and marks its media item as
// covered.
func (r *Repository) SaveSubtitleFile(ctx context.Context, file model.SubtitleFile) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := now()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO subtitle_files (media_item_id, language, provider_name, release_name, file_path, checksum, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, file.MediaItemID, file.Language, file.ProviderName, file.ReleaseName, file.FilePath, file.Checksum, file.Score, ts); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE media_items
		SET has_subtitle = 1, updated_at = ?
		WHERE id = ?;
	`, ts, file.MediaItemID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) ListSubtitleFiles(ctx context.Context, mediaID int64) ([]model.SubtitleFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, media_item_id, language, provider_name, release_name, file_path, checksum, score, created_at
		FROM subtitle_files
		WHERE media_item_id = ?
		ORDER BY id;
	`, mediaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.SubtitleFile
	for rows.Next() {
		var file model.SubtitleFile
		var createdAt string
		if err := rows.Scan(
			&file.ID,
			&file.MediaItemID,
			&file.Language,
			&file.ProviderName,
			&file.ReleaseName,
			&file.FilePath,
			&file.Checksum,
			&file.Score,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if parsed := parseTime(createdAt); parsed != nil {
			file.CreatedAt = *parsed
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(raw string) *time.Time {
	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil
	}
	return &parsed
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableIntFromDB(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	intVal := int(value.Int64)
	return &intVal
}
