// Package mongostore implements store.Store on MongoDB. Multi-document
// transactions back the auth flows; TTL indexes expire OTP challenges and
// sessions server-side.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/keygate-dev/keygate/internal/store"
)

const (
	collUsers    = "users"
	collOtps     = "otp-challenges"
	collSessions = "auth-sessions"
)

// Config holds connection parameters.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Store is the MongoDB-backed store.Store implementation.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	users    *userRepo
	otps     *otpRepo
	sessions *sessionRepo
}

// Connect dials MongoDB, verifies reachability, and ensures indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout).
		SetTimeout(cfg.Timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		db:       db,
		users:    &userRepo{coll: db.Collection(collUsers)},
		otps:     &otpRepo{coll: db.Collection(collOtps)},
		sessions: &sessionRepo{coll: db.Collection(collSessions)},
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: users index: %v", store.ErrUnavailable, err)
	}

	_, err = s.db.Collection(collOtps).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "purpose", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: otp indexes: %v", store.ErrUnavailable, err)
	}

	_, err = s.db.Collection(collSessions).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "userId", Value: 1},
				{Key: "deviceId", Value: 1},
				{Key: "revokedAt", Value: 1},
			},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: session indexes: %v", store.ErrUnavailable, err)
	}
	return nil
}

// WithTransaction runs fn inside one multi-document transaction. Any error
// aborts the transaction; the session is released on all exit paths.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *Store) Users() store.UserRepo       { return s.users }
func (s *Store) Otps() store.OtpRepo         { return s.otps }
func (s *Store) Sessions() store.SessionRepo { return s.sessions }

// Ping reports backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
