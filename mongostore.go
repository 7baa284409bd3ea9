/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate

import (
	"context"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type MongoStoreConfig struct {
	URI      string
	Database string

	// ConnectTimeout bounds the initial connect and ping. Default 5s.
	ConnectTimeout clock.Duration

	Logger logrus.FieldLogger
}

func (c *MongoStoreConfig) SetDefaults() {
	setter.SetDefault(&c.URI, "mongodb://localhost:27017")
	setter.SetDefault(&c.Database, "predictgate")
	setter.SetDefault(&c.ConnectTimeout, 5*clock.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "store"))
}

// MongoStore keeps user and referral records in the `users` and `referrals`
// collections, keyed by telegram user id.
type MongoStore struct {
	client    *mongo.Client
	users     *mongo.Collection
	referrals *mongo.Collection
	log       logrus.FieldLogger
}

var _ Store = &MongoStore{}

func NewMongoStore(ctx context.Context, conf MongoStoreConfig) (*MongoStore, error) {
	conf.SetDefaults()

	ctx, cancel := context.WithTimeout(ctx, conf.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.URI))
	if err != nil {
		return nil, errors.Wrap(err, "while connecting to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, errors.Wrap(err, "while pinging mongodb")
	}

	db := client.Database(conf.Database)
	return &MongoStore{
		client:    client,
		users:     db.Collection("users"),
		referrals: db.Collection("referrals"),
		log:       conf.Logger,
	}, nil
}

func (s *MongoStore) FindUser(ctx context.Context, id int64) (*UserRecord, error) {
	var u UserRecord
	err := s.users.FindOne(ctx, bson.M{"user_id": id}).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "while finding user")
	}
	return &u, nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, u UserRecord) error {
	update := bson.M{
		"$set": bson.M{
			"username":      u.Username,
			"last_activity": u.LastActivity,
		},
		"$setOnInsert": bson.M{
			"registered_at": u.RegisteredAt,
		},
	}
	if u.ReferredBy != 0 {
		update["$setOnInsert"].(bson.M)["referred_by"] = u.ReferredBy
	}

	_, err := s.users.UpdateOne(ctx, bson.M{"user_id": u.ID}, update,
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "while upserting user")
}

func (s *MongoStore) BulkUpsertUsers(ctx context.Context, users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(users))
	for _, u := range users {
		update := bson.M{
			"$set": bson.M{
				"username":      u.Username,
				"last_activity": u.LastActivity,
			},
			"$setOnInsert": bson.M{
				"registered_at": u.RegisteredAt,
			},
		}
		if u.ReferredBy != 0 {
			update["$setOnInsert"].(bson.M)["referred_by"] = u.ReferredBy
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"user_id": u.ID}).
			SetUpdate(update).
			SetUpsert(true))
	}

	_, err := s.users.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return errors.Wrap(err, "while bulk upserting users")
}

func (s *MongoStore) FindReferral(ctx context.Context, referredID int64) (*ReferralRecord, error) {
	var r ReferralRecord
	err := s.referrals.FindOne(ctx, bson.M{"referred_id": referredID}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "while finding referral")
	}
	return &r, nil
}

func (s *MongoStore) InsertReferral(ctx context.Context, referrerID, referredID int64) error {
	_, err := s.referrals.InsertOne(ctx, ReferralRecord{
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  clock.Now(),
	})
	return errors.Wrap(err, "while inserting referral")
}

func (s *MongoStore) MarkReferralVerified(ctx context.Context, referrerID, referredID int64) error {
	_, err := s.referrals.UpdateOne(ctx,
		bson.M{"referrer_id": referrerID, "referred_id": referredID},
		bson.M{"$set": bson.M{"verified": true, "verified_at": clock.Now()}})
	return errors.Wrap(err, "while marking referral verified")
}

func (s *MongoStore) CountVerifiedReferrals(ctx context.Context, referrerID int64) (int, error) {
	count, err := s.referrals.CountDocuments(ctx,
		bson.M{"referrer_id": referrerID, "verified": true})
	if err != nil {
		return 0, errors.Wrap(err, "while counting verified referrals")
	}
	return int(count), nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx, readpref.Primary()), "while pinging mongodb")
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
