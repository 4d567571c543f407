package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/communitylink/service-discovery/internal/errors"
	"github.com/communitylink/service-discovery/internal/feeds"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/schema"
	"github.com/communitylink/service-discovery/internal/telemetry"
)

// handleSearch handles GET /services/search
func (m *Mux) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSearch")
	defer span.End()

	filters, opts, err := parseSearch(r.URL.Query())
	if err != nil {
		span.SetStatus(codes.Error, "invalid parameters")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.Bool("has_query", filters.Query != ""),
		attribute.Bool("has_origin", filters.Origin != nil),
		attribute.String("category", string(filters.Category)),
		attribute.String("sort_by", string(opts.SortBy)),
	)

	res, err := m.engine.Search(ctx, filters, opts)
	if err != nil {
		span.SetStatus(codes.Error, "search failed")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("total", res.Total))
	m.writeSuccess(w, http.StatusOK, res)
}

// handleEssential handles GET /services/essential
func (m *Mux) handleEssential(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleEssential")
	defer span.End()

	var p paramErrors
	origin := p.origin(r.URL.Query())
	if err := p.err(); err != nil {
		m.fail(w, r, err)
		return
	}
	res, err := m.engine.Essential(ctx, origin)
	if err != nil {
		span.SetStatus(codes.Error, "essential search failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleCategories handles GET /services/categories
func (m *Mux) handleCategories(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCategories")
	defer span.End()

	stats, err := m.engine.Categories(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "category stats failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, stats)
}

// handleGet handles GET /services/{id}; ?view=true records a view.
func (m *Mux) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGet")
	defer span.End()

	id := r.PathValue("id")
	var p paramErrors
	view := p.flag(r.URL.Query(), "view")
	if err := p.err(); err != nil {
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("service_id", id), attribute.Bool("record_view", view))

	rec, err := m.engine.Get(ctx, id, view)
	if err != nil {
		span.SetStatus(codes.Error, "get failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// readBody reads a JSON body and checks it against the schema of kind.
func (m *Mux) readBody(r *http.Request, kind schema.Kind, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if err := m.validator.Validate(kind, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.New(errordefs.DISC_BAD_REQUEST, "invalid JSON body", "")
	}
	return nil
}

// handleCreate handles POST /services
func (m *Mux) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCreate")
	defer span.End()

	var in model.ServiceInput
	if err := m.readBody(r, schema.KindServiceInput, &in); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		m.fail(w, r, err)
		return
	}
	rec, err := m.engine.Create(ctx, &in)
	if err != nil {
		span.SetStatus(codes.Error, "create failed")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("service_id", rec.ID))
	m.writeSuccess(w, http.StatusCreated, rec)
}

// handleUpdate handles PUT /services/{id}
func (m *Mux) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUpdate")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("service_id", id))

	var in model.ServiceInput
	if err := m.readBody(r, schema.KindServiceInput, &in); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		m.fail(w, r, err)
		return
	}
	rec, err := m.engine.Update(ctx, id, &in)
	if err != nil {
		span.SetStatus(codes.Error, "update failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleDelete handles DELETE /services/{id}
func (m *Mux) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleDelete")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("service_id", id))
	if err := m.engine.Delete(ctx, id); err != nil {
		span.SetStatus(codes.Error, "delete failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleReview handles POST /services/{id}/reviews
func (m *Mux) handleReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleReview")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("service_id", id))

	var in model.ReviewInput
	if err := m.readBody(r, schema.KindReviewInput, &in); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		m.fail(w, r, err)
		return
	}
	rec, err := m.engine.AddOrUpdateReview(ctx, id, r.Header.Get(HeaderUserID), in)
	if err != nil {
		span.SetStatus(codes.Error, "review failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]any{
		"id":      rec.ID,
		"ratings": rec.Ratings,
		"reviews": rec.Reviews,
	})
}

// handleHelpful handles POST /services/{id}/reviews/{userId}/helpful
func (m *Mux) handleHelpful(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleHelpful")
	defer span.End()

	id, reviewer := r.PathValue("id"), r.PathValue("userId")
	span.SetAttributes(attribute.String("service_id", id))

	rec, err := m.engine.VoteHelpful(ctx, id, reviewer)
	if err != nil {
		span.SetStatus(codes.Error, "helpful vote failed")
		m.fail(w, r, err)
		return
	}
	for _, rv := range rec.Reviews {
		if rv.UserID == reviewer {
			m.writeSuccess(w, http.StatusOK, rv)
			return
		}
	}
	m.writeSuccess(w, http.StatusOK, nil)
}

// handleContact handles POST /services/{id}/contact. It always succeeds.
func (m *Mux) handleContact(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleContact")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("service_id", id))
	m.engine.RecordContact(ctx, id)
	m.writeSuccess(w, http.StatusOK, map[string]any{"id": id, "recorded": true})
}

// handleSyncGovernment handles POST /services/sync/government
func (m *Mux) handleSyncGovernment(w http.ResponseWriter, r *http.Request) {
	m.runSync(w, r, model.SourceGovernmentAPI)
}

// handleSync handles POST /services/sync; ?source= limits it to one feed.
func (m *Mux) handleSync(w http.ResponseWriter, r *http.Request) {
	source := model.Source(r.URL.Query().Get("source"))
	if source != "" && !source.Valid() {
		m.fail(w, r, model.NewValidationError("source", "must be a known source"))
		return
	}
	m.runSync(w, r, source)
}

// runSync syncs source, or every feed when source is empty.
func (m *Mux) runSync(w http.ResponseWriter, r *http.Request, source model.Source) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSync")
	defer span.End()
	span.SetAttributes(attribute.String("source", string(source)))

	if m.sync == nil {
		m.fail(w, r, errordefs.New(errordefs.DISC_UNAVAILABLE, "sync is not configured", ""))
		return
	}

	var (
		report *feeds.Report
		err    error
	)
	if source == "" {
		report, err = m.sync.SyncAll(ctx)
	} else {
		report, err = m.sync.SyncSource(ctx, source)
	}
	if err != nil {
		span.SetStatus(codes.Error, "sync failed")
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}
