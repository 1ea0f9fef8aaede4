package mpi

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const identityCollection = "identity_records"

// MongoStore keeps one document per patient in the identity_records
// collection. A unique sparse index on nationalId gives the sparse uniqueness
// the index needs: documents without the field never conflict.
type MongoStore struct {
	coll *mongo.Collection
}

type identityDocument struct {
	PatientRef        string     `bson:"_id"`
	NormalizedName    string     `bson:"normalizedName"`
	NameTokens        []string   `bson:"nameTokens"`
	NormalizedAddress string     `bson:"normalizedAddress,omitempty"`
	NationalID        string     `bson:"nationalId,omitempty"`
	DateOfBirth       *time.Time `bson:"dateOfBirth,omitempty"`
	Phone             string     `bson:"phone,omitempty"`
	LastUpdated       time.Time  `bson:"lastUpdated"`
	CreatedAt         time.Time  `bson:"createdAt"`
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(identityCollection)}
}

// EnsureIndexes creates the sparse unique national id index and the name
// token index. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "nationalId", Value: 1}},
			Options: options.Index().SetName("nationalId_sparse_unique").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "nameTokens", Value: 1}},
			Options: options.Index().SetName("nameTokens"),
		},
	})
	if err != nil {
		return unavailable("create indexes", err)
	}
	return nil
}

func (s *MongoStore) Upsert(ctx context.Context, rec *IdentityRecord) error {
	filter := bson.M{"_id": rec.PatientRef.String()}
	update := buildUpsertUpdate(rec)

	// A duplicate key on _id means another writer inserted the same patient
	// first; the second attempt then applies as a plain update.
	for attempt := 0; ; attempt++ {
		_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return unavailable("upsert identity record", err)
		}
		var (
			owner     *IdentityRecord
			lookupErr error
		)
		if rec.NationalID != "" {
			owner, lookupErr = s.FindByNationalID(ctx, rec.NationalID)
		}
		if done, err := duplicateKeyOutcome(rec, owner, lookupErr, attempt); done {
			return err
		}
	}
}

// duplicateKeyOutcome decides what a duplicate key error on attempt means once
// the current owner of the national id (if any) has been looked up. done is
// false when the write should be retried.
func duplicateKeyOutcome(rec, owner *IdentityRecord, lookupErr error, attempt int) (done bool, err error) {
	switch {
	case lookupErr != nil:
		return true, lookupErr
	case owner != nil && owner.PatientRef != rec.PatientRef:
		return true, &ConflictError{NationalID: rec.NationalID, PatientRef: rec.PatientRef, OwnerRef: owner.PatientRef}
	case attempt > 0:
		return true, &ConflictError{NationalID: rec.NationalID, PatientRef: rec.PatientRef}
	}
	return false, nil
}

func (s *MongoStore) Get(ctx context.Context, patientRef uuid.UUID) (*IdentityRecord, error) {
	return s.findOne(ctx, bson.M{"_id": patientRef.String()}, "get identity record")
}

func (s *MongoStore) FindByNationalID(ctx context.Context, nationalID string) (*IdentityRecord, error) {
	return s.findOne(ctx, bson.M{"nationalId": nationalID}, "find by national id")
}

func (s *MongoStore) FindByNamePrefix(ctx context.Context, prefix string) ([]*IdentityRecord, error) {
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return nil, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, namePrefixFilter(prefix), opts)
	if err != nil {
		return nil, unavailable("find by name prefix", err)
	}
	defer cur.Close(ctx)

	var out []*IdentityRecord
	for cur.Next(ctx) {
		var doc identityDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, unavailable("decode identity record", err)
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, unavailable("decode identity record", err)
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("iterate identity records", err)
	}
	return out, nil
}

func (s *MongoStore) Delete(ctx context.Context, patientRef uuid.UUID) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": patientRef.String()}); err != nil {
		return unavailable("delete identity record", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, op string) (*IdentityRecord, error) {
	var doc identityDocument
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	rec, err := doc.toRecord()
	if err != nil {
		return nil, unavailable(op, err)
	}
	return rec, nil
}

// buildUpsertUpdate sets every present attribute and unsets absent optional
// ones, so a cleared national id leaves the sparse index.
func buildUpsertUpdate(rec *IdentityRecord) bson.M {
	set := bson.M{
		"normalizedName": rec.NormalizedName,
		"nameTokens":     nonNilTokens(rec.Tokens()),
		"lastUpdated":    rec.LastUpdated,
	}
	unset := bson.M{}

	optional := map[string]string{
		"normalizedAddress": rec.NormalizedAddress,
		"nationalId":        rec.NationalID,
		"phone":             rec.Phone,
	}
	for field, v := range optional {
		if v == "" {
			unset[field] = ""
		} else {
			set[field] = v
		}
	}
	if dob := civilDate(rec.DateOfBirth); dob != nil {
		set["dateOfBirth"] = *dob
	} else {
		unset["dateOfBirth"] = ""
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": rec.LastUpdated},
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func namePrefixFilter(prefix string) bson.M {
	return bson.M{"nameTokens": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
}

func nonNilTokens(tokens []string) []string {
	if tokens == nil {
		return []string{}
	}
	return tokens
}

func (d *identityDocument) toRecord() (*IdentityRecord, error) {
	ref, err := uuid.Parse(d.PatientRef)
	if err != nil {
		return nil, err
	}
	return &IdentityRecord{
		PatientRef:        ref,
		NormalizedName:    d.NormalizedName,
		NormalizedAddress: d.NormalizedAddress,
		NationalID:        d.NationalID,
		DateOfBirth:       civilDate(d.DateOfBirth),
		Phone:             d.Phone,
		LastUpdated:       d.LastUpdated,
	}, nil
}
