package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/carpool/internal/models"
)

// MongoStore keeps the booking data as documents. Partial unique indexes
// with $in filters need MongoDB 6.0 or newer.
type MongoStore struct {
	client        *mongo.Client
	rides         *mongo.Collection
	requests      *mongo.Collection
	ratings       *mongo.Collection
	users         *mongo.Collection
	notifications *mongo.Collection
	counters      *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	m := NewMongoStoreFromDB(client.Database(dbName))
	if err := m.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return m, nil
}

// NewMongoStoreFromDB wraps an existing database handle without creating
// indexes.
func NewMongoStoreFromDB(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:        db.Client(),
		rides:         db.Collection("rides"),
		requests:      db.Collection("ride_requests"),
		ratings:       db.Collection("ratings"),
		users:         db.Collection("users"),
		notifications: db.Collection("notifications"),
		counters:      db.Collection("counters"),
	}
}

func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ride_number", Value: 1}}, Options: options.Index().SetUnique(true).SetName("unique_ride_number")},
		{Keys: bson.D{{Key: "driver_id", Value: 1}}, Options: options.Index().SetName("driver")},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "departure_at", Value: 1}}, Options: options.Index().SetName("status_departure")},
	}); err != nil {
		return err
	}
	active := bson.M{"status": bson.M{"$in": bson.A{
		string(models.RequestWaiting), string(models.RequestAccepted), string(models.RequestCheckedIn),
	}}}
	if _, err := m.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ride_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(active).SetName("unique_active_request"),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("user")},
	}); err != nil {
		return err
	}
	if _, err := m.ratings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "request_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("unique_request"),
	}); err != nil {
		return err
	}
	_, err := m.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("user_recent"),
	})
	return err
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) nextRideNumber(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "ride_number"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	n, err := m.nextRideNumber(ctx)
	if err != nil {
		return fmt.Errorf("allocate ride number: %w", err)
	}
	r.RideNumber = n
	if _, err := m.rides.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (m *MongoStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	filter := bson.M{}
	if f.DriverID != "" {
		filter["driver_id"] = f.DriverID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": rideStatusStrings(f.Statuses)}
	}
	if f.AfterNumber > 0 {
		filter["ride_number"] = bson.M{"$gt": f.AfterNumber}
	}
	opts := options.Find().SetSort(bson.D{{Key: "ride_number", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return m.findRides(ctx, filter, opts)
}

func (m *MongoStore) findRides(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Ride, error) {
	cur, err := m.rides.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := []models.Ride{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error) {
	var r models.Ride
	err := m.rides.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": rideStatusStrings(from)}},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.missOrConflict(ctx, m.rides, id, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) ReserveSeat(ctx context.Context, id string) (*models.Ride, error) {
	// A pipeline update evaluates every expression against the pre-update
	// document, so the status check sees the old seat count.
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "available_seats", Value: bson.D{{Key: "$subtract", Value: bson.A{"$available_seats", 1}}}},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$available_seats", 1}}},
				bson.D{{Key: "$eq", Value: bson.A{"$status", string(models.RideAvailable)}}},
			}}},
			string(models.RideFull),
			"$status",
		}}}},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}}
	var r models.Ride
	err := m.rides.FindOneAndUpdate(ctx,
		bson.M{
			"_id":             id,
			"available_seats": bson.M{"$gt": 0},
			"status":          bson.M{"$in": rideStatusStrings(ReservableStatuses)},
		},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := m.seatMiss(ctx, id, ReservableStatuses); err != nil {
			return nil, err
		}
		return nil, ErrNoSeats
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) ReleaseSeat(ctx context.Context, id string) (*models.Ride, error) {
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "available_seats", Value: bson.D{{Key: "$add", Value: bson.A{"$available_seats", 1}}}},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$status", string(models.RideFull)}}},
			string(models.RideAvailable),
			"$status",
		}}}},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}}
	var r models.Ride
	err := m.rides.FindOneAndUpdate(ctx,
		bson.M{
			"_id":    id,
			"status": bson.M{"$in": rideStatusStrings(ReleasableStatuses)},
			"$expr":  bson.M{"$lt": bson.A{"$available_seats", "$seats_total"}},
		},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return m.seatMiss(ctx, id, ReleasableStatuses)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) RidesDueForHold(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	return m.findRides(ctx, bson.M{
		"status":       bson.M{"$in": bson.A{string(models.RideAvailable), string(models.RideFull)}},
		"departure_at": bson.M{"$lt": cutoff},
	}, options.Find().SetSort(bson.D{{Key: "ride_number", Value: 1}}))
}

// seatMiss explains a seat update that matched nothing: the ride is gone,
// its seats are frozen (ErrConflict), or it is returned unchanged.
func (m *MongoStore) seatMiss(ctx context.Context, id string, live []models.RideStatus) (*models.Ride, error) {
	cur, err := m.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	if !containsRide(live, cur.Status) {
		return nil, ErrConflict
	}
	return cur, nil
}

func (m *MongoStore) missOrConflict(ctx context.Context, coll *mongo.Collection, id string, conflict error) error {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return conflict
}

func (m *MongoStore) CreateRequest(ctx context.Context, rr *models.RideRequest) error {
	if _, err := m.requests.InsertOne(ctx, rr); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (m *MongoStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	var rr models.RideRequest
	if err := m.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&rr); err != nil {
		return nil, notFound(err)
	}
	return &rr, nil
}

func (m *MongoStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	filter := bson.M{}
	if f.RideID != "" {
		filter["ride_id"] = f.RideID
	}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": requestStatusStrings(f.Statuses)}
	}
	cur, err := m.requests.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []models.RideRequest{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (*models.RideRequest, error) {
	var rr models.RideRequest
	err := m.requests.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": requestStatusStrings(from)}},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rr)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.missOrConflict(ctx, m.requests, id, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

func (m *MongoStore) SetRequestRefs(ctx context.Context, id string, refs models.RequestRefs) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if refs.NotificationID != nil {
		set["notification_id"] = *refs.NotificationID
	}
	if refs.PaymentID != nil {
		set["payment_id"] = *refs.PaymentID
	}
	res, err := m.requests.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) CreateRating(ctx context.Context, r *models.Rating) error {
	if _, err := m.ratings.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (m *MongoStore) ListRatings(ctx context.Context, rateeID string) ([]models.Rating, error) {
	cur, err := m.ratings.Find(ctx, bson.M{"ratee_id": rateeID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []models.Rating{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) UpsertUser(ctx context.Context, u *models.User) error {
	set := bson.M{"updated_at": u.UpdatedAt}
	if u.Name != "" {
		set["name"] = u.Name
	}
	if u.Gender != "" {
		set["gender"] = u.Gender
	}
	if u.ImageURL != "" {
		set["image_url"] = u.ImageURL
	}
	_, err := m.users.UpdateOne(ctx, bson.M{"_id": u.ID}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}

func (m *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (m *MongoStore) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := m.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$addToSet":    bson.M{"device_tokens": token},
			"$setOnInsert": bson.M{"updated_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := m.notifications.InsertOne(ctx, n)
	return err
}

func (m *MongoStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cur, err := m.notifications.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	out := []models.Notification{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) MarkNotificationsRead(ctx context.Context, userID, rideID string, kind models.NotificationKind) (int64, error) {
	res, err := m.notifications.UpdateMany(ctx,
		bson.M{"user_id": userID, "ride_id": rideID, "kind": string(kind), "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
