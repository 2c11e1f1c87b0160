package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/store"
)

type sessionRepo struct {
	coll *mongo.Collection
}

// CreateReplacing revokes any active session for (user, device), then
// inserts the new one. Run inside a transaction for the single-active-
// session-per-device invariant.
func (r *sessionRepo) CreateReplacing(ctx context.Context, sess *model.AuthSession, replaceReason string) error {
	now := sess.CreatedAt
	_, err := r.coll.UpdateMany(
		ctx,
		bson.M{
			"userId":    sess.UserID,
			"deviceId":  sess.DeviceID,
			"revokedAt": bson.M{"$exists": false},
		},
		bson.M{"$set": bson.M{
			"revokedAt":     now,
			"revokedReason": replaceReason,
		}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	if _, err := r.coll.InsertOne(ctx, sess); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (r *sessionRepo) GetActiveByDevice(ctx context.Context, deviceID string) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := r.coll.FindOne(
		ctx,
		bson.M{
			"deviceId":  deviceID,
			"revokedAt": bson.M{"$exists": false},
			"expiresAt": bson.M{"$gt": time.Now()},
		},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &sess, nil
}

func (r *sessionRepo) Revoke(ctx context.Context, sessionID, reason string, at time.Time) error {
	res, err := r.coll.UpdateOne(
		ctx,
		bson.M{"_id": sessionID, "revokedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"revokedAt": at, "revokedReason": reason}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) error {
	_, err := r.coll.UpdateMany(
		ctx,
		bson.M{"userId": userID, "revokedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"revokedAt": at, "revokedReason": reason}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}
