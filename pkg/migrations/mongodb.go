package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	flowsCollection      = "conversation_flows"
	userStatesCollection = "flow_user_states"
)

// EnsureMongoCollections creates the indexes used by the flow store. It is
// safe to run on every start.
func EnsureMongoCollections(ctx context.Context, db *mongo.Database) error {
	if err := createIndexes(ctx, db.Collection(flowsCollection), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "is_active", Value: 1}, {Key: "priority", Value: -1}},
			Options: options.Index().SetName("idx_flows_account_active_priority"),
		},
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "trigger_type", Value: 1}, {Key: "trigger_value", Value: 1}},
			Options: options.Index().SetName("idx_flows_account_trigger"),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_flows_updated_at"),
		},
	}); err != nil {
		return err
	}

	return createIndexes(ctx, db.Collection(userStatesCollection), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "channel_user_id", Value: 1}},
			Options: options.Index().SetName("idx_flow_states_account_user").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "current_flow_id", Value: 1}},
			Options: options.Index().SetName("idx_flow_states_current_flow").SetSparse(true),
		},
	})
}

func createIndexes(ctx context.Context, collection *mongo.Collection, indexes []mongo.IndexModel) error {
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes on %s: %w", collection.Name(), err)
	}
	return nil
}
