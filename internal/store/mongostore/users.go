package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/keygate-dev/keygate/internal/model"
	"github.com/keygate-dev/keygate/internal/store"
)

type userRepo struct {
	coll *mongo.Collection
}

func (r *userRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.coll.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *userRepo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var user model.User
	if err := r.coll.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &user, nil
}

func (r *userRepo) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	return r.updateOne(ctx, userID, bson.M{
		"$set": bson.M{"emailVerified": true, "updatedAt": at},
	})
}

func (r *userRepo) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	return r.updateOne(ctx, userID, bson.M{
		"$set": bson.M{"passwordHash": hash, "updatedAt": at},
	})
}

// RecordFailedAttempt uses findOneAndUpdate so the counter increment and the
// threshold check act on one consistent document version. It runs on the
// base context, never inside the caller's transaction.
func (r *userRepo) RecordFailedAttempt(
	ctx context.Context,
	userID string,
	threshold int,
	lockFor time.Duration,
	now time.Time,
) (bool, error) {
	var user model.User
	err := r.coll.FindOneAndUpdate(
		ctx,
		bson.M{"_id": userID},
		bson.M{
			"$inc": bson.M{"failedLoginAttempts": 1},
			"$set": bson.M{"updatedAt": now},
		},
	).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	// Pre-update document: attempts after the increment is +1.
	if user.FailedLoginAttempts+1 < threshold {
		return false, nil
	}

	lockUntil := now.Add(lockFor)
	err = r.updateOne(ctx, userID, bson.M{
		"$set": bson.M{
			"failedLoginAttempts": 0,
			"lockUntil":           lockUntil,
			"updatedAt":           now,
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *userRepo) ResetFailures(ctx context.Context, userID string) error {
	return r.updateOne(ctx, userID, bson.M{
		"$set":   bson.M{"failedLoginAttempts": 0},
		"$unset": bson.M{"lockUntil": ""},
	})
}

func (r *userRepo) updateOne(ctx context.Context, userID string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": userID}, update)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
