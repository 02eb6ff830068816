package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/models"
)

// CacheData stores an arbitrary value under a key with a TTL, replacing any
// previous entry for the key.
func (s *Store) CacheData(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode cache value", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache (key, data, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data,
		 created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, string(data), now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write cache entry", err)
	}
	return nil
}

// CachedData reads a cached value into dest. An expired entry is evicted on
// read and reported as NOT_FOUND, same as a missing key.
func (s *Store) CachedData(ctx context.Context, key string, dest interface{}) error {
	var entry models.CacheEntry
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT key, data, created_at, expires_at FROM cache WHERE key = ?", key).
		Scan(&entry.Key, &data, &entry.CreatedAt, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrNotFound, "cache entry not found")
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to read cache entry", err)
	}

	if entry.Expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to evict expired cache entry", err)
		}
		return errors.New(errors.ErrNotFound, "cache entry expired")
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to decode cache value", err)
	}
	return nil
}

// ClearExpiredCache sweeps all expired entries and returns how many were
// removed. The daemon runs this on a timer so stale entries do not linger
// for keys nothing reads anymore.
func (s *Store) ClearExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear expired cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read sweep count", err)
	}
	return n, nil
}

// CacheRoute stores a route snapshot, replacing any previous snapshot with
// the same server id.
func (s *Store) CacheRoute(ctx context.Context, route *models.Route) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (id, engineer_id, date, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET engineer_id = excluded.engineer_id,
		 date = excluded.date, data = excluded.data`,
		route.ID, route.EngineerID, route.Date, string(route.Data))
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to cache route", err)
	}
	return nil
}

// CachedRoutes returns the routes cached for an engineer, optionally filtered
// to one date (YYYY-MM-DD). An empty date returns all of the engineer's
// cached routes.
func (s *Store) CachedRoutes(ctx context.Context, engineerID int64, date string) ([]*models.Route, error) {
	query := "SELECT id, engineer_id, date, data FROM routes WHERE engineer_id = ?"
	args := []interface{}{engineerID}
	if date != "" {
		query += " AND date = ?"
		args = append(args, date)
	}
	query += " ORDER BY date, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query cached routes", err)
	}
	defer rows.Close()

	var routes []*models.Route
	for rows.Next() {
		var route models.Route
		var data string
		if err := rows.Scan(&route.ID, &route.EngineerID, &route.Date, &data); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan route", err)
		}
		route.Data = json.RawMessage(data)
		routes = append(routes, &route)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate cached routes", err)
	}
	return routes, nil
}

// CacheFormTemplates stores a batch of form template snapshots, replacing
// previous snapshots with the same server ids.
func (s *Store) CacheFormTemplates(ctx context.Context, templates []*models.FormTemplate) error {
	if len(templates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, tmpl := range templates {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO form_templates (id, form_type, data) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET form_type = excluded.form_type,
			 data = excluded.data`,
			tmpl.ID, tmpl.FormType, string(tmpl.Data))
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to cache form template", err)
		}
	}
	return tx.Commit()
}

// CachedFormTemplates returns cached form templates, optionally filtered by
// form type. An empty form type returns all cached templates.
func (s *Store) CachedFormTemplates(ctx context.Context, formType string) ([]*models.FormTemplate, error) {
	query := "SELECT id, form_type, data FROM form_templates"
	var args []interface{}
	if formType != "" {
		query += " WHERE form_type = ?"
		args = append(args, formType)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query cached form templates", err)
	}
	defer rows.Close()

	var templates []*models.FormTemplate
	for rows.Next() {
		var tmpl models.FormTemplate
		var data string
		if err := rows.Scan(&tmpl.ID, &tmpl.FormType, &data); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan form template", err)
		}
		tmpl.Data = json.RawMessage(data)
		templates = append(templates, &tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate cached form templates", err)
	}
	return templates, nil
}
