package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/store"
)

type otpRepo struct {
	coll *mongo.Collection
}

// Replace enforces the at-most-one-active invariant: prior challenges for
// (user, purpose) are removed before the new one is inserted. Callers run
// this inside a transaction so the two writes are atomic.
func (r *otpRepo) Replace(ctx context.Context, challenge *model.OtpChallenge) error {
	_, err := r.coll.DeleteMany(ctx, bson.M{
		"userId":  challenge.UserID,
		"purpose": challenge.Purpose,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	if _, err := r.coll.InsertOne(ctx, challenge); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Get returns the newest challenge for (user, purpose). Expiry is checked
// by the caller: the TTL monitor deletes lazily, so an expired document may
// still be present.
func (r *otpRepo) Get(ctx context.Context, userID string, purpose model.OtpPurpose) (*model.OtpChallenge, error) {
	var challenge model.OtpChallenge
	err := r.coll.FindOne(
		ctx,
		bson.M{"userId": userID, "purpose": purpose},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&challenge)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &challenge, nil
}

func (r *otpRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (r *otpRepo) IncrementAttempts(ctx context.Context, id string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"attempts": 1},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
