package main

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements TransactionStore on MongoDB. The ledger is
// append-only: transactions are inserted once and never updated.
type MongoStore struct {
	collection *mongo.Collection
}

var _ TransactionStore = (*MongoStore)(nil)

func NewMongoStore(client *mongo.Client) *MongoStore {
	collection := client.Database("payments").Collection("transactions")
	return &MongoStore{collection: collection}
}

// EnsureIndexes creates the ledger's indexes. The unique index on invoice_id
// is what enforces one transaction per invoice under concurrent redelivery.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "invoice_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Insert(ctx context.Context, txn *Transaction) error {
	if txn.ID.IsZero() {
		txn.ID = primitive.NewObjectID()
	}

	_, err := s.collection.InsertOne(ctx, txn)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *MongoStore) GetByInvoiceID(ctx context.Context, invoiceID string) (*Transaction, error) {
	var txn Transaction
	err := s.collection.FindOne(ctx, bson.M{"invoice_id": invoiceID}).Decode(&txn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// ListByCustomer returns a customer's transactions newest first. A limit of
// 0 means no limit.
func (s *MongoStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, bson.M{"customer_id": customerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var transactions []*Transaction
	if err := cursor.All(ctx, &transactions); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return transactions, nil
}

// CountProcessingByCustomer counts in-flight payments for the deletion vote.
func (s *MongoStore) CountProcessingByCustomer(ctx context.Context, customerID string) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"customer_id": customerID,
		"status":      TxnStatusProcessing,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count processing transactions: %w", err)
	}
	return count, nil
}
