// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface. Each record is kept as a
// JSONB document next to typed columns that carry the searchable fields.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/communitylink/service-discovery/internal/geo"
	"github.com/communitylink/service-discovery/internal/keywords"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
)

// postgres provides persistent storage for the catalogue.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL catalogue store.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the services table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS services (
		    id TEXT PRIMARY KEY,
		    doc JSONB NOT NULL,                          -- Full record
		    category TEXT NOT NULL,
		    subcategory TEXT NOT NULL DEFAULT '',
		    longitude DOUBLE PRECISION NOT NULL,
		    latitude DOUBLE PRECISION NOT NULL,
		    tags TEXT[] NOT NULL DEFAULT '{}',
		    is_verified BOOLEAN NOT NULL,
		    is_essential BOOLEAN NOT NULL,
		    offline_available BOOLEAN NOT NULL,
		    is_active BOOLEAN NOT NULL,
		    rating_average DOUBLE PRECISION NOT NULL DEFAULT 0,
		    rating_count INTEGER NOT NULL DEFAULT 0,
		    source TEXT NOT NULL,
		    source_id TEXT NOT NULL DEFAULT '',
		    search_document TSVECTOR NOT NULL,          -- Weighted text index
		    last_updated TIMESTAMP WITH TIME ZONE NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    version BIGINT NOT NULL DEFAULT 1
		);

		-- Provenance is the synchronizer's natural key
		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_provenance ON services(source, source_id) WHERE source_id <> '';

		CREATE INDEX IF NOT EXISTS idx_services_active_category ON services(is_active, category);
		CREATE INDEX IF NOT EXISTS idx_services_tags ON services USING GIN(tags);
		CREATE INDEX IF NOT EXISTS idx_services_search ON services USING GIN(search_document);
		CREATE INDEX IF NOT EXISTS idx_services_lat_lon ON services(latitude, longitude);
		CREATE INDEX IF NOT EXISTS idx_services_rating ON services(rating_average DESC, last_updated DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// searchDocument weights match the text index of the other backends: name A,
// services and tags B, keywords C, description D.
const searchDocument = `setweight(to_tsvector('simple', $16), 'A') ||
	setweight(to_tsvector('simple', $17), 'B') ||
	setweight(to_tsvector('simple', $18), 'C') ||
	setweight(to_tsvector('simple', $19), 'D')`

// rankWeights is the {D, C, B, A} weight array for ts_rank.
const rankWeights = `'{0.1, 0.3, 0.5, 1.0}'`

// rowArgs returns $1..$22 for an insert or full update of rec.
func rowArgs(rec *model.ServiceRecord) ([]any, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service: %w", err)
	}
	p := rec.Coordinates()
	tokens := func(texts ...string) string {
		var all []string
		for _, t := range texts {
			all = append(all, keywords.Tokenize(t)...)
		}
		return strings.Join(all, " ")
	}
	return []any{
		rec.ID,
		doc,
		string(rec.Category),
		rec.Subcategory,
		p.Longitude,
		p.Latitude,
		rec.Tags,
		rec.IsVerified,
		rec.IsEssential,
		rec.OfflineAvailable,
		rec.IsActive,
		rec.Ratings.Average,
		rec.Ratings.Count,
		string(rec.Source),
		rec.SourceID,
		tokens(rec.Name),
		tokens(append(append([]string{}, rec.Services...), rec.Tags...)...),
		strings.Join(rec.SearchKeywords, " "),
		tokens(rec.Description),
		rec.LastUpdated,
		rec.CreatedAt,
		rec.Version,
	}, nil
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return fmt.Errorf("failed to %s service: %w", op, err)
}

func (p *postgres) Create(ctx context.Context, rec *model.ServiceRecord) (*model.ServiceRecord, error) {
	stored := rec.Clone()
	stored.ID = NewID()
	stored.Version = 1
	stored.Prepare()

	args, err := rowArgs(stored)
	if err != nil {
		return nil, err
	}
	q := `INSERT INTO services (id, doc, category, subcategory, longitude, latitude, tags, is_verified, is_essential,
	          offline_available, is_active, rating_average, rating_count, source, source_id, search_document,
	          last_updated, created_at, version)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, ` + searchDocument + `, $20, $21, $22)`
	if _, err := p.db.Exec(ctx, q, args...); err != nil {
		return nil, mapWriteErr("create", err)
	}
	return stored, nil
}

func (p *postgres) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.ServiceRecord, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRecord(tx.QueryRow(ctx, `SELECT doc, version FROM services WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.ID = id
	current.Version++
	current.Prepare()

	args, err := rowArgs(current)
	if err != nil {
		return nil, err
	}
	q := `UPDATE services SET doc = $2, category = $3, subcategory = $4, longitude = $5, latitude = $6, tags = $7,
	          is_verified = $8, is_essential = $9, offline_available = $10, is_active = $11, rating_average = $12,
	          rating_count = $13, source = $14, source_id = $15, search_document = ` + searchDocument + `,
	          last_updated = $20, created_at = $21, version = $22
	      WHERE id = $1`
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return nil, mapWriteErr("update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit service update: %w", err)
	}
	return current, nil
}

func (p *postgres) Deactivate(ctx context.Context, id string, at time.Time) error {
	q := `UPDATE services
	      SET is_active = false, last_updated = $2, version = version + 1,
	          doc = jsonb_set(jsonb_set(doc, '{isActive}', 'false'), '{lastUpdated}', to_jsonb($2::timestamptz))
	      WHERE id = $1`
	tag, err := p.db.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) RecordView(ctx context.Context, id string, at time.Time) error {
	return p.bumpCounter(ctx, id, "viewCount", "lastViewedAt", at)
}

func (p *postgres) RecordContact(ctx context.Context, id string, at time.Time) error {
	return p.bumpCounter(ctx, id, "contactCount", "lastContactedAt", at)
}

// bumpCounter increments a usage counter inside the document without
// touching version, so it never conflicts with content edits.
func (p *postgres) bumpCounter(ctx context.Context, id, counter, stamp string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE services
	      SET doc = jsonb_set(jsonb_set(doc, '{%[1]s}', to_jsonb(COALESCE((doc->>'%[1]s')::bigint, 0) + 1)),
	                          '{%[2]s}', to_jsonb($2::timestamptz))
	      WHERE id = $1`, counter, stamp)
	tag, err := p.db.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) Get(ctx context.Context, id string) (*model.ServiceRecord, error) {
	return scanRecord(p.db.QueryRow(ctx, `SELECT doc, version FROM services WHERE id = $1`, id))
}

func (p *postgres) FindBySource(ctx context.Context, source model.Source, sourceID string) (*model.ServiceRecord, error) {
	q := `SELECT doc, version FROM services WHERE source = $1 AND source_id = $2 AND source_id <> ''`
	return scanRecord(p.db.QueryRow(ctx, q, string(source), sourceID))
}

func scanRecord(row pgx.Row) (*model.ServiceRecord, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	var rec model.ServiceRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

// haversineSQL is the great-circle distance in km from ($lat, $lon) placeholders.
const haversineSQL = `(2 * %[3]f * asin(least(1, sqrt(
	power(sin(radians(latitude - $%[1]d) / 2), 2) +
	cos(radians($%[1]d)) * cos(radians(latitude)) * power(sin(radians(longitude - $%[2]d) / 2), 2)))))`

// sqlPlan is a Plan lowered into a WHERE clause, a score expression and an ORDER BY.
type sqlPlan struct {
	where   string
	score   string
	orderBy string
	args    []any
}

func lowerPlan(plan query.Plan) sqlPlan {
	conds := []string{}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if plan.ActiveOnly {
		conds = append(conds, "is_active = true")
	}
	if plan.Category != "" {
		conds = append(conds, "category = "+arg(string(plan.Category)))
	}
	if plan.Verified != nil {
		conds = append(conds, "is_verified = "+arg(*plan.Verified))
	}
	if plan.EssentialOnly {
		conds = append(conds, "is_essential = true")
	}
	if plan.OfflineOnly {
		conds = append(conds, "offline_available = true")
	}
	if plan.MinRating != nil {
		conds = append(conds, "rating_average >= "+arg(*plan.MinRating))
	}
	if len(plan.AnyTags) > 0 {
		conds = append(conds, "tags && "+arg(plan.AnyTags)+"::text[]")
	}

	score := "0::real"
	if len(plan.Terms) > 0 {
		tsq := "to_tsquery('simple', " + arg(strings.Join(plan.Terms, " | ")) + ")"
		conds = append(conds, "search_document @@ "+tsq)
		score = "ts_rank(" + rankWeights + ", search_document, " + tsq + ")"
	}

	distance := ""
	if plan.Near != nil {
		arg(plan.Near.Point.Latitude)
		arg(plan.Near.Point.Longitude)
		distance = fmt.Sprintf(haversineSQL, len(args)-1, len(args), geo.EarthRadiusKm)
		conds = append(conds, distance+" <= "+arg(plan.Near.RadiusMeters/1000))
	}

	var order []string
	switch {
	case plan.SortMode == query.SortProximity && distance != "":
		order = append(order, distance+" ASC")
	case plan.SortMode == query.SortTextScore:
		order = append(order, "score DESC")
	default:
		for _, k := range plan.Sort {
			col, ok := sortColumns[k.Field]
			if !ok {
				continue
			}
			dir := " ASC"
			if k.Desc {
				dir = " DESC"
			}
			order = append(order, col+dir)
		}
	}
	order = append(order, "id ASC")

	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	return sqlPlan{where: where, score: score, orderBy: strings.Join(order, ", "), args: args}
}

var sortColumns = map[string]string{
	query.FieldRatingAverage: "rating_average",
	query.FieldRatingCount:   "rating_count",
	query.FieldLastUpdated:   "last_updated",
}

func (p *postgres) Find(ctx context.Context, plan query.Plan) (*FindResult, error) {
	sp := lowerPlan(plan)

	var total int
	if err := p.db.QueryRow(ctx, "SELECT count(*) FROM services WHERE "+sp.where, sp.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count services: %w", err)
	}

	args := append([]any{}, sp.args...)
	q := fmt.Sprintf("SELECT doc, version, %s AS score FROM services WHERE %s ORDER BY %s", sp.score, sp.where, sp.orderBy)
	if plan.Limit > 0 {
		args = append(args, plan.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if plan.Offset > 0 {
		args = append(args, plan.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find services: %w", err)
	}
	defer rows.Close()

	hits := []model.ServiceHit{}
	for rows.Next() {
		var doc []byte
		var version int64
		var score float32
		if err := rows.Scan(&doc, &version, &score); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		var hit model.ServiceHit
		if err := json.Unmarshal(doc, &hit.ServiceRecord); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service: %w", err)
		}
		hit.Version = version
		hit.Score = float64(score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate services: %w", err)
	}
	return &FindResult{Hits: hits, Total: total}, nil
}

func (p *postgres) CategoryStats(ctx context.Context) ([]model.CategoryStat, error) {
	q := `SELECT category, count(*), count(*) FILTER (WHERE is_essential),
	             COALESCE(array_agg(DISTINCT subcategory) FILTER (WHERE subcategory <> ''), '{}')
	      FROM services WHERE is_active = true GROUP BY category`
	rows, err := p.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Category]*model.CategoryStat)
	subs := make(map[model.Category]map[string]struct{})
	for rows.Next() {
		var category string
		var st model.CategoryStat
		var subcategories []string
		if err := rows.Scan(&category, &st.Count, &st.EssentialCount, &subcategories); err != nil {
			return nil, fmt.Errorf("failed to scan category stats: %w", err)
		}
		st.Category = model.Category(category)
		counts[st.Category] = &st
		subs[st.Category] = make(map[string]struct{}, len(subcategories))
		for _, s := range subcategories {
			subs[st.Category][s] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate category stats: %w", err)
	}
	return buildStats(counts, subs), nil
}

func (p *postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM services`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count services: %w", err)
	}
	return n, nil
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the database connection pool
func (p *postgres) Close() error {
	p.db.Close()
	return nil
}
