package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

type postsResponse struct {
	Posts      []postDTO `json:"posts"`
	NextCursor string    `json:"next_cursor"`
}

type postDTO struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text"`
}

// PostsClient fetches pages of a subject's posts, newest first.
type PostsClient struct {
	client *Client
}

// NewPostsClient creates a posts client gated by the "posts" limiter.
func NewPostsClient(cfg Config, gate Gate, logger zerolog.Logger) (*PostsClient, error) {
	c, err := New(ratelimit.ServicePosts, cfg, gate, logger)
	if err != nil {
		return nil, err
	}
	return &PostsClient{client: c}, nil
}

// Client returns the underlying HTTP client.
func (p *PostsClient) Client() *Client {
	return p.client
}

// List fetches one page of posts for subject starting at cursor ("" for the
// newest page). Posts without an id or timestamp are skipped.
func (p *PostsClient) List(ctx context.Context, subject, cursor string, pageSize int) (record.Page, error) {
	query := url.Values{"limit": []string{strconv.Itoa(pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp postsResponse
	path := fmt.Sprintf("/subjects/%s/posts", url.PathEscape(subject))
	if err := p.client.getJSON(ctx, path, query, 0, &resp); err != nil {
		return record.Page{}, err
	}

	page := record.Page{
		Records:    make([]record.Record, 0, len(resp.Posts)),
		NextCursor: resp.NextCursor,
	}
	for _, post := range resp.Posts {
		if post.ID == "" || post.CreatedAt.IsZero() {
			p.client.logger.Debug().
				Str("subject", subject).
				Str("id", post.ID).
				Msg("Skipping post without id or timestamp")
			continue
		}
		page.Records = append(page.Records, record.Record{
			NaturalKey: post.ID,
			Subject:    subject,
			CreatedAt:  post.CreatedAt.UTC(),
			Payload:    post.Text,
		})
	}

	return page, nil
}
