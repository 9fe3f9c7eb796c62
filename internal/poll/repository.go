package poll

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository is the poll-metadata store. Get returns (nil, nil) when the
// poll has never been seen.
type Repository interface {
	Get(ctx context.Context, pollID string) (*State, error)
	Upsert(ctx context.Context, state *State) error
}

type MongoDBRepository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database) Repository {
	return &MongoDBRepository{
		collection: db.Collection("poll_states"),
	}
}

func (r *MongoDBRepository) Get(ctx context.Context, pollID string) (*State, error) {
	var state State
	err := r.collection.FindOne(ctx, bson.M{"_id": pollID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load poll state: %w", err)
	}
	return &state, nil
}

func (r *MongoDBRepository) Upsert(ctx context.Context, state *State) error {
	filter := bson.M{"_id": state.PollID}
	opts := options.Replace().SetUpsert(true)

	if _, err := r.collection.ReplaceOne(ctx, filter, state, opts); err != nil {
		return fmt.Errorf("failed to upsert poll state: %w", err)
	}
	return nil
}
