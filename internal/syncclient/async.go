package syncclient

import (
	"context"

	"annosync/internal/annotation"
	"annosync/internal/xfdf"
)

// async runs fn on its own goroutine and posts the completion to the
// client's executor. done is called exactly once unless the executor has
// been closed.
func async[T any](c *Client, fn func() (T, error), done func(T, error)) {
	go func() {
		value, err := fn()
		if !c.executor.Post(func() { done(value, err) }) {
			c.logger.Debug("completion dropped, executor closed")
		}
	}()
}

func (c *Client) FetchMetadataAsync(ctx context.Context, sessionURL string, done func(annotation.Metadata, error)) {
	async(c, func() (annotation.Metadata, error) { return c.FetchMetadata(ctx, sessionURL) }, done)
}

func (c *Client) FetchDocumentAsync(ctx context.Context, documentURL string, done func([]byte, error)) {
	async(c, func() ([]byte, error) { return c.FetchDocument(ctx, documentURL) }, done)
}

func (c *Client) FetchFeedAsync(ctx context.Context, feedURL string, done func(xfdf.Document, error)) {
	async(c, func() (xfdf.Document, error) { return c.FetchFeed(ctx, feedURL) }, done)
}

func (c *Client) PushActionsAsync(ctx context.Context, feedURL string, batch xfdf.Document, done func(error)) {
	async(c, func() (struct{}, error) { return struct{}{}, c.PushActions(ctx, feedURL, batch) },
		func(_ struct{}, err error) { done(err) })
}

func (c *Client) UploadFeedAsync(ctx context.Context, feedURL string, feed xfdf.Document, done func(error)) {
	async(c, func() (struct{}, error) { return struct{}{}, c.UploadFeed(ctx, feedURL, feed) },
		func(_ struct{}, err error) { done(err) })
}

func (c *Client) DeleteAnnotationAsync(ctx context.Context, sessionURL, id string, done func(error)) {
	async(c, func() (struct{}, error) { return struct{}{}, c.DeleteAnnotation(ctx, sessionURL, id) },
		func(_ struct{}, err error) { done(err) })
}
