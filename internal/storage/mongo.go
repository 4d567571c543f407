// internal/storage/mongo.go
// MongoDB implementation of the Store interface, using a 2dsphere index on
// location and a weighted text index over the searchable fields.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/communitylink/service-discovery/internal/geo"
	"github.com/communitylink/service-discovery/internal/model"
	"github.com/communitylink/service-discovery/internal/query"
)

// earthRadiusMeters converts metres to radians for $centerSphere.
const earthRadiusMeters = 6378100.0

// maxTextNearCandidates caps the candidates sorted in process when a text
// query is combined with proximity ordering.
const maxTextNearCandidates = 1000

// usageFields are maintained by $inc and never overwritten by Mutate.
var usageFields = []string{"viewCount", "contactCount", "lastViewedAt", "lastContactedAt"}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// scoredRecord decodes a record together with its text score.
type scoredRecord struct {
	model.ServiceRecord `bson:",inline"`
	Score               float64 `bson:"score,omitempty"`
}

// NewMongo connects to MongoDB and ensures the catalogue indexes exist.
func NewMongo(uri, dbName string) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(dbName).Collection("services")
	if err := ensureIndexes(ctx, coll); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return &mongoStore{client: client, coll: coll}, nil
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{
			Keys: bson.D{
				{Key: "name", Value: "text"},
				{Key: "description", Value: "text"},
				{Key: "services", Value: "text"},
				{Key: "tags", Value: "text"},
				{Key: "searchKeywords", Value: "text"},
			},
			Options: options.Index().
				SetName("services_text").
				SetDefaultLanguage("none").
				SetWeights(bson.D{
					{Key: "name", Value: query.WeightName},
					{Key: "services", Value: query.WeightServices},
					{Key: "tags", Value: query.WeightTags},
					{Key: "searchKeywords", Value: query.WeightKeywords},
					{Key: "description", Value: query.WeightDescription},
				}),
		},
		{
			Keys: bson.D{{Key: "source", Value: 1}, {Key: "sourceId", Value: 1}},
			Options: options.Index().
				SetName("services_provenance").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"sourceId": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "ratings.average", Value: -1}, {Key: "lastUpdated", Value: -1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

// filter lowers the plan's predicates. withinRadius adds a $geoWithin
// clause; $geoNear pipelines carry the radius themselves.
func filter(plan query.Plan, withinRadius bool) bson.D {
	f := bson.D{}
	if plan.ActiveOnly {
		f = append(f, bson.E{Key: "isActive", Value: true})
	}
	if plan.Category != "" {
		f = append(f, bson.E{Key: "category", Value: plan.Category})
	}
	if plan.Verified != nil {
		f = append(f, bson.E{Key: "isVerified", Value: *plan.Verified})
	}
	if plan.EssentialOnly {
		f = append(f, bson.E{Key: "isEssential", Value: true})
	}
	if plan.OfflineOnly {
		f = append(f, bson.E{Key: "offlineAvailable", Value: true})
	}
	if plan.MinRating != nil {
		f = append(f, bson.E{Key: "ratings.average", Value: bson.M{"$gte": *plan.MinRating}})
	}
	if len(plan.AnyTags) > 0 {
		f = append(f, bson.E{Key: "tags", Value: bson.M{"$in": plan.AnyTags}})
	}
	if len(plan.Terms) > 0 {
		f = append(f, bson.E{Key: "$text", Value: bson.M{"$search": strings.Join(plan.Terms, " ")}})
	}
	if withinRadius && plan.Near != nil {
		center := []float64{plan.Near.Point.Longitude, plan.Near.Point.Latitude}
		f = append(f, bson.E{Key: "location", Value: bson.M{
			"$geoWithin": bson.M{"$centerSphere": bson.A{center, plan.Near.RadiusMeters / earthRadiusMeters}},
		}})
	}
	return f
}

func projection(plan query.Plan) bson.D {
	if len(plan.Projection) == 0 && len(plan.Terms) == 0 {
		return nil
	}
	p := bson.D{}
	for _, field := range plan.Projection {
		p = append(p, bson.E{Key: field, Value: 1})
	}
	if len(plan.Terms) > 0 {
		p = append(p, bson.E{Key: "score", Value: bson.M{"$meta": "textScore"}})
	}
	return p
}

func sortSpec(plan query.Plan) bson.D {
	s := bson.D{}
	if plan.SortMode == query.SortTextScore && len(plan.Terms) > 0 {
		s = append(s, bson.E{Key: "score", Value: bson.M{"$meta": "textScore"}})
	} else {
		for _, k := range plan.Sort {
			dir := 1
			if k.Desc {
				dir = -1
			}
			s = append(s, bson.E{Key: k.Field, Value: dir})
		}
	}
	return append(s, bson.E{Key: "_id", Value: 1})
}

func (m *mongoStore) Find(ctx context.Context, plan query.Plan) (*FindResult, error) {
	proximity := plan.SortMode == query.SortProximity && plan.Near != nil
	switch {
	case proximity && len(plan.Terms) == 0:
		return m.findNear(ctx, plan)
	case proximity:
		return m.findTextNear(ctx, plan)
	}

	f := filter(plan, true)
	total, err := m.coll.CountDocuments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to count services: %w", err)
	}

	opts := options.Find().SetSort(sortSpec(plan)).SetSkip(int64(plan.Offset))
	if plan.Limit > 0 {
		opts.SetLimit(int64(plan.Limit))
	}
	if p := projection(plan); p != nil {
		opts.SetProjection(p)
	}
	cursor, err := m.coll.Find(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find services: %w", err)
	}
	hits, err := decodeHits(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return &FindResult{Hits: hits, Total: int(total)}, nil
}

// findNear uses $geoNear so the store returns records in proximity order.
func (m *mongoStore) findNear(ctx context.Context, plan query.Plan) (*FindResult, error) {
	total, err := m.coll.CountDocuments(ctx, filter(plan, true))
	if err != nil {
		return nil, fmt.Errorf("failed to count services: %w", err)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$geoNear", Value: bson.M{
			"near":          bson.M{"type": "Point", "coordinates": []float64{plan.Near.Point.Longitude, plan.Near.Point.Latitude}},
			"distanceField": "distanceMeters",
			"maxDistance":   plan.Near.RadiusMeters,
			"spherical":     true,
			"key":           "location",
			"query":         filter(plan, false),
		}}},
	}
	if plan.Offset > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: plan.Offset}})
	}
	if plan.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: plan.Limit}})
	}
	if p := projection(plan); p != nil {
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: p}})
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to find services near point: %w", err)
	}
	hits, err := decodeHits(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return &FindResult{Hits: hits, Total: int(total)}, nil
}

// findTextNear handles text plus proximity ordering. $text cannot run inside
// $geoNear, so matches are fetched with $geoWithin and ordered here.
func (m *mongoStore) findTextNear(ctx context.Context, plan query.Plan) (*FindResult, error) {
	f := filter(plan, true)
	opts := options.Find().SetLimit(maxTextNearCandidates)
	// Low-data projections keep location whenever an origin is set.
	if p := projection(plan); p != nil {
		opts.SetProjection(p)
	}
	cursor, err := m.coll.Find(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find services: %w", err)
	}
	hits, err := decodeHits(ctx, cursor)
	if err != nil {
		return nil, err
	}

	origin := plan.Near.Point
	sort.SliceStable(hits, func(i, j int) bool {
		di := geo.Haversine(origin, hits[i].Coordinates())
		dj := geo.Haversine(origin, hits[j].Coordinates())
		if di != dj {
			return di < dj
		}
		return hits[i].ID < hits[j].ID
	})

	total := len(hits)
	start := min(plan.Offset, total)
	end := total
	if plan.Limit > 0 {
		end = min(start+plan.Limit, total)
	}
	return &FindResult{Hits: hits[start:end], Total: total}, nil
}

func decodeHits(ctx context.Context, cursor *mongo.Cursor) ([]model.ServiceHit, error) {
	defer cursor.Close(ctx)

	var docs []scoredRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode services: %w", err)
	}
	hits := make([]model.ServiceHit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, model.ServiceHit{ServiceRecord: d.ServiceRecord, Score: d.Score})
	}
	return hits, nil
}

func (m *mongoStore) Get(ctx context.Context, id string) (*model.ServiceRecord, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *mongoStore) FindBySource(ctx context.Context, source model.Source, sourceID string) (*model.ServiceRecord, error) {
	if sourceID == "" {
		return nil, ErrNotFound
	}
	return m.findOne(ctx, bson.M{"source": source, "sourceId": sourceID})
}

func (m *mongoStore) findOne(ctx context.Context, f bson.M) (*model.ServiceRecord, error) {
	var rec model.ServiceRecord
	if err := m.coll.FindOne(ctx, f).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return &rec, nil
}

func (m *mongoStore) Create(ctx context.Context, rec *model.ServiceRecord) (*model.ServiceRecord, error) {
	stored := rec.Clone()
	stored.ID = NewID()
	stored.Version = 1
	stored.Prepare()

	if _, err := m.coll.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return stored, nil
}

// Mutate applies fn under optimistic concurrency: the write only lands if
// the version read is still current, otherwise the read is retried.
func (m *mongoStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.ServiceRecord, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		readVersion := current.Version
		if err := fn(current); err != nil {
			return nil, err
		}
		current.ID = id
		current.Version = readVersion + 1
		current.Prepare()

		set, err := setDocument(current)
		if err != nil {
			return nil, err
		}
		res, err := m.coll.UpdateOne(ctx,
			bson.M{"_id": id, "version": readVersion},
			bson.M{"$set": set},
		)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("failed to update service: %w", err)
		}
		if res.MatchedCount == 1 {
			return current, nil
		}
	}
	return nil, fmt.Errorf("failed to update service %s: concurrent modification after %d attempts", id, maxMutateAttempts)
}

// setDocument is rec as a $set document without its id and usage counters.
func setDocument(rec *model.ServiceRecord) (bson.M, error) {
	raw, err := bson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service: %w", err)
	}
	delete(doc, "_id")
	for _, f := range usageFields {
		delete(doc, f)
	}
	return doc, nil
}

func (m *mongoStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	return m.updateByID(ctx, id, bson.M{
		"$set": bson.M{"isActive": false, "lastUpdated": at},
		"$inc": bson.M{"version": 1},
	})
}

func (m *mongoStore) RecordView(ctx context.Context, id string, at time.Time) error {
	return m.updateByID(ctx, id, bson.M{
		"$inc": bson.M{"viewCount": 1},
		"$set": bson.M{"lastViewedAt": at},
	})
}

func (m *mongoStore) RecordContact(ctx context.Context, id string, at time.Time) error {
	return m.updateByID(ctx, id, bson.M{
		"$inc": bson.M{"contactCount": 1},
		"$set": bson.M{"lastContactedAt": at},
	})
}

func (m *mongoStore) updateByID(ctx context.Context, id string, update bson.M) error {
	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoStore) CategoryStats(ctx context.Context) ([]model.CategoryStat, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"isActive": true}}},
		{{Key: "$group", Value: bson.M{
			"_id":            "$category",
			"count":          bson.M{"$sum": 1},
			"essentialCount": bson.M{"$sum": bson.M{"$cond": bson.A{"$isEssential", 1, 0}}},
			"subcategories":  bson.M{"$addToSet": "$subcategory"},
		}}},
	}
	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Category       model.Category `bson:"_id"`
		Count          int            `bson:"count"`
		EssentialCount int            `bson:"essentialCount"`
		Subcategories  []string       `bson:"subcategories"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode category stats: %w", err)
	}

	counts := make(map[model.Category]*model.CategoryStat, len(rows))
	subs := make(map[model.Category]map[string]struct{}, len(rows))
	for _, r := range rows {
		counts[r.Category] = &model.CategoryStat{Category: r.Category, Count: r.Count, EssentialCount: r.EssentialCount}
		subs[r.Category] = make(map[string]struct{})
		for _, s := range r.Subcategories {
			if s = strings.TrimSpace(s); s != "" {
				subs[r.Category][s] = struct{}{}
			}
		}
	}
	return buildStats(counts, subs), nil
}

func (m *mongoStore) Count(ctx context.Context) (int, error) {
	n, err := m.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to count services: %w", err)
	}
	return int(n), nil
}

func (m *mongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
