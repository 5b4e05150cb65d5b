package db

import (
	"context"
	"testing"

	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
)

func TestNewMongoClientRequiresConfig(t *testing.T) {
	ctx := context.Background()

	if _, err := NewMongoClient(ctx, nil, logging.NewNop()); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewMongoClient(ctx, &MongoConfig{}, logging.NewNop()); err == nil {
		t.Fatal("expected error for empty URI")
	}
}

func TestDisconnectNilClient(t *testing.T) {
	if err := DisconnectMongo(context.Background(), nil); err != nil {
		t.Fatalf("DisconnectMongo(nil) = %v", err)
	}
	if GetDatabase(nil, &MongoConfig{Database: "x"}) != nil {
		t.Fatal("GetDatabase(nil) should be nil")
	}
}
