package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

const (
	CollectionFlows      = "conversation_flows"
	CollectionUserStates = "flow_user_states"

	storeMongoDB = "mongodb"
)

type MongoStore struct {
	flows  *mongo.Collection
	states *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		flows:  db.Collection(CollectionFlows),
		states: db.Collection(CollectionUserStates),
	}
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery("flows", storeMongoDB, operation, status)
	metrics.ObserveDatabaseQueryDuration("flows", storeMongoDB, operation, time.Since(start))
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]models.ConversationFlow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}})

	cursor, err := s.flows.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find flows: %w", err)
	}
	defer cursor.Close(ctx)

	var flows []models.ConversationFlow
	if err := cursor.All(ctx, &flows); err != nil {
		return nil, fmt.Errorf("failed to decode flows: %w", err)
	}
	return flows, nil
}

func (s *MongoStore) ListActive(ctx context.Context) (flows []models.ConversationFlow, err error) {
	defer func(start time.Time) { observe("flows_list_active", start, err) }(time.Now())
	return s.find(ctx, bson.M{"is_active": true})
}

func (s *MongoStore) List(ctx context.Context, accountID string) (flows []models.ConversationFlow, err error) {
	defer func(start time.Time) { observe("flows_list", start, err) }(time.Now())
	filter := bson.M{}
	if accountID != "" {
		filter["account_id"] = accountID
	}
	return s.find(ctx, filter)
}

func (s *MongoStore) Get(ctx context.Context, id string) (flow *models.ConversationFlow, err error) {
	defer func(start time.Time) { observe("flows_get", start, err) }(time.Now())

	var f models.ConversationFlow
	err = s.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, flowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return &f, nil
}

func (s *MongoStore) Save(ctx context.Context, flow *models.ConversationFlow) (err error) {
	defer func(start time.Time) { observe("flows_save", start, err) }(time.Now())

	now := time.Now().UTC()
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	update := bson.M{
		"$set": bson.M{
			"account_id":    flow.AccountID,
			"name":          flow.Name,
			"description":   flow.Description,
			"flow_type":     flow.FlowType,
			"trigger_type":  flow.TriggerType,
			"trigger_value": flow.TriggerValue,
			"priority":      flow.Priority,
			"is_active":     flow.IsActive,
			"steps":         flow.Steps,
			"updated_at":    flow.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"usage_count":      int64(0),
			"completion_count": int64(0),
			"created_at":       flow.CreatedAt,
		},
	}
	_, err = s.flows.UpdateOne(ctx, bson.M{"_id": flow.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("flows_delete", start, err) }(time.Now())

	res, err := s.flows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if res.DeletedCount == 0 {
		return flowNotFound(id)
	}
	return nil
}

func (s *MongoStore) inc(ctx context.Context, id, field string) error {
	res, err := s.flows.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{field: int64(1)}})
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return flowNotFound(id)
	}
	return nil
}

func (s *MongoStore) IncrementUsage(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("flows_inc_usage", start, err) }(time.Now())
	return s.inc(ctx, id, "usage_count")
}

func (s *MongoStore) IncrementCompletion(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("flows_inc_completion", start, err) }(time.Now())
	return s.inc(ctx, id, "completion_count")
}

func (s *MongoStore) GetState(ctx context.Context, accountID, userID string) (state *models.FlowUserState, err error) {
	defer func(start time.Time) { observe("flow_state_get", start, err) }(time.Now())

	var st models.FlowUserState
	err = s.states.FindOne(ctx, bson.M{"account_id": accountID, "channel_user_id": userID}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrNotFound.WithMessage("flow user state not found").WithDetail("user_id", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow user state: %w", err)
	}
	return &st, nil
}

func (s *MongoStore) SaveState(ctx context.Context, state *models.FlowUserState) (err error) {
	defer func(start time.Time) { observe("flow_state_save", start, err) }(time.Now())

	state.UpdatedAt = time.Now().UTC()
	filter := bson.M{"account_id": state.AccountID, "channel_user_id": state.ChannelUserID}
	_, err = s.states.ReplaceOne(ctx, filter, state, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save flow user state: %w", err)
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
