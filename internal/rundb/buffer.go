package rundb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/runsync/runsync/internal/constants"
)

// BufferDatabase is the database holding untriggered DAQ buffer collections.
const BufferDatabase = "untriggered"

// BufferDropper removes an untriggered DAQ buffer collection.
type BufferDropper interface {
	DropBuffer(ctx context.Context, uri, collection string) error
}

// MongoBufferDropper drops buffers on the buffer's own MongoDB server.
type MongoBufferDropper struct {
	Timeout time.Duration
}

// DropBuffer implements BufferDropper.
func (d MongoBufferDropper) DropBuffer(ctx context.Context, uri, collection string) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultStoreTimeout
	}
	return DropBufferCollection(ctx, uri, collection, timeout)
}

// DropBufferCollection connects to uri and drops collection from the buffer
// database. Dropping a collection that does not exist succeeds.
func DropBufferCollection(ctx context.Context, uri, collection string, timeout time.Duration) error {
	if uri == "" || collection == "" {
		return fmt.Errorf("drop buffer: uri and collection are required")
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(opCtx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return classify("connect buffer", err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Database(BufferDatabase).Collection(collection).Drop(opCtx); err != nil {
		return classify("drop buffer "+collection, err)
	}
	return nil
}
