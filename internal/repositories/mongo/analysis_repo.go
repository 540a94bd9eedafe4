package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AnalysisRepository interface {
	Insert(ctx context.Context, a *models.Analysis) error
	GetByAnalysisID(ctx context.Context, analysisID string) (*models.Analysis, error)
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Analysis, error)
}

type analysisRepo struct {
	col *mongo.Collection
}

func NewAnalysisRepo(db *mongo.Database) AnalysisRepository {
	return &analysisRepo{col: db.Collection("analyses")}
}

// Insert is idempotent on analysis_id so a redelivered queue message does
// not duplicate the record.
func (r *analysisRepo) Insert(ctx context.Context, a *models.Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"analysis_id": a.AnalysisID},
		bson.M{"$setOnInsert": a},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *analysisRepo) GetByAnalysisID(ctx context.Context, analysisID string) (*models.Analysis, error) {
	var a models.Analysis
	err := r.col.FindOne(ctx, bson.M{"analysis_id": analysisID}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &a, err
}

func (r *analysisRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Analysis, error) {
	if limit <= 0 {
		limit = 50
	}

	cur, err := r.col.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Analysis
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
