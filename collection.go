package breeze

import (
	"context"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
)

// Collection is a convenience handle binding a collection path to its
// client.
type Collection struct {
	client *Client
	path   string
}

// Path returns the collection path.
func (col *Collection) Path() string { return col.path }

// Find returns every document matching the filter.
func (col *Collection) Find(ctx context.Context, find document.Document, cfg ReadConfig) ([]document.Document, error) {
	return col.client.Read(ctx, Query{Path: col.path, Command: query.Command{Find: find}}, cfg)
}

// FindOne returns the first document matching the filter, or nil.
func (col *Collection) FindOne(ctx context.Context, find document.Document, cfg ReadConfig) (document.Document, error) {
	docs, err := col.client.Read(ctx, Query{Path: col.path, Command: query.Command{Find: find, FindOne: true}}, cfg)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Query runs a full read descriptor against the collection.
func (col *Collection) Query(ctx context.Context, cmd query.Command, cfg ReadConfig) ([]document.Document, error) {
	return col.client.Read(ctx, Query{Path: col.path, Command: cmd}, cfg)
}

// Count returns the number of documents matching the filter.
func (col *Collection) Count(ctx context.Context, find document.Document) (int64, error) {
	return col.client.Count(ctx, col.path, find)
}

// Listen registers a snapshot callback for the filter.
func (col *Collection) Listen(cmd query.Command, cfg ReadConfig, fn func(Snapshot)) (func(), error) {
	return col.client.Listen(Query{Path: col.path, Command: cmd}, cfg, fn)
}

// SetOne inserts one document. The document must carry an _id.
func (col *Collection) SetOne(ctx context.Context, doc document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpSetOne, Value: doc}, cfg)
}

// SetMany inserts a batch of documents, each carrying a unique _id.
func (col *Collection) SetMany(ctx context.Context, docs []document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpSetMany, Values: docs}, cfg)
}

// UpdateOne applies an update expression to the first matching document.
func (col *Collection) UpdateOne(ctx context.Context, find, update document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpUpdateOne, Find: find, Value: update}, cfg)
}

// UpdateMany applies an update expression to every matching document.
func (col *Collection) UpdateMany(ctx context.Context, find, update document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpUpdateMany, Find: find, Value: update}, cfg)
}

// MergeOne applies an update expression to the first matching document,
// creating it when nothing matches.
func (col *Collection) MergeOne(ctx context.Context, find, update document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpMergeOne, Find: find, Value: update}, cfg)
}

// MergeMany applies an update expression to every matching document,
// creating one when nothing matches.
func (col *Collection) MergeMany(ctx context.Context, find, update document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpMergeMany, Find: find, Value: update}, cfg)
}

// ReplaceOne replaces the first matching document wholesale, keeping
// its _id.
func (col *Collection) ReplaceOne(ctx context.Context, find, doc document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpReplaceOne, Find: find, Value: doc}, cfg)
}

// PutOne replaces the first matching document, or inserts the document
// when nothing matches.
func (col *Collection) PutOne(ctx context.Context, find, doc document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpPutOne, Find: find, Value: doc}, cfg)
}

// DeleteOne removes the first matching document.
func (col *Collection) DeleteOne(ctx context.Context, find document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpDeleteOne, Find: find}, cfg)
}

// DeleteMany removes every matching document.
func (col *Collection) DeleteMany(ctx context.Context, find document.Document, cfg WriteConfig) (WriteResult, error) {
	return col.write(ctx, WriteOp{Op: query.OpDeleteMany, Find: find}, cfg)
}

func (col *Collection) write(ctx context.Context, w WriteOp, cfg WriteConfig) (WriteResult, error) {
	w.Path = col.path
	return col.client.Write(ctx, w, cfg)
}
