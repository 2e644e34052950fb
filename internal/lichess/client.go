// Package lichess reads puzzle activity from the Lichess API. The
// activity endpoint streams NDJSON, newest entry first.
package lichess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
)

// Entry is one line of the activity stream.
type Entry struct {
	Date   int64 `json:"date"`
	Win    bool  `json:"win"`
	Puzzle struct {
		ID     string `json:"id"`
		Rating int    `json:"rating"`
	} `json:"puzzle"`
}

// Time converts the epoch-millisecond date.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Date).UTC()
}

// Attempt maps the entry onto the local attempt shape.
func (e Entry) Attempt(userID int64) domain.Attempt {
	a := domain.Attempt{
		UserID:      userID,
		PuzzleID:    e.Puzzle.ID,
		AttemptedAt: e.Time(),
		Result:      domain.Loss,
	}
	if e.Win {
		a.Result = domain.Win
	}
	if e.Puzzle.Rating > 0 {
		rating := e.Puzzle.Rating
		a.PuzzleRatingAfter = &rating
	}
	return a
}

// Client talks to the Lichess API with a personal access token.
type Client struct {
	httpClient  *http.Client
	token       string
	activityURL string
}

// NewClient builds a client. httpClient may be nil.
func NewClient(httpClient *http.Client, token, activityURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{httpClient: httpClient, token: token, activityURL: activityURL}
}

// maxFetchAttempts bounds retries of the initial activity request.
// Retried statuses carry no body, so nothing is processed twice.
const maxFetchAttempts = 3

// StreamActivity calls fn for every activity entry newer than since.
// Entries arrive newest first; the stream is cut off at the first entry
// at or before since. A zero since streams the full history. Rate
// limiting and server errors are retried with a short backoff.
func (c *Client) StreamActivity(ctx context.Context, since time.Time, fn func(Entry) error) error {
	resp, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("failed to parse activity line: %w", err)
		}
		if !since.IsZero() && !e.Time().After(since) {
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read activity stream: %w", err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context) (*http.Response, error) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.activityURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build activity request: %w", err)
		}
		req.Header.Set("Accept", "application/x-ndjson")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch puzzle activity: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			return nil, fmt.Errorf("activity request rejected: check the API token")
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			if attempt == maxFetchAttempts {
				return nil, fmt.Errorf("activity request failed after %d attempts: %s", attempt, resp.Status)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("activity request failed: unexpected status %s", resp.Status)
		}
	}
}
