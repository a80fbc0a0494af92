package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"worshiproom/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when the metadata service does not know a video.
var ErrNotFound = errors.New("video not found")

// Info is the metadata the room engine needs about a video.
type Info struct {
	VideoID         string `json:"id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
}

// Client fetches video metadata from an HTTP service and keeps recent
// answers in an LRU cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[string, Info]
}

// NewClient creates a metadata client. cacheSize <= 0 disables caching.
func NewClient(baseURL string, timeout time.Duration, cacheSize int) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, Info](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create video cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Lookup returns the metadata of a video.
func (c *Client) Lookup(ctx context.Context, videoID string) (*Info, error) {
	if videoID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if c.cache != nil {
		if info, ok := c.cache.Get(videoID); ok {
			return &info, nil
		}
	}

	endpoint := fmt.Sprintf("%s/videos/%s", c.baseURL, url.PathEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("video lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, videoID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video lookup returned status %d", resp.StatusCode)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg,omitempty"`
		Data *Info  `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode video lookup response: %w", err)
	}
	if result.Code == http.StatusNotFound || result.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, videoID)
	}
	if result.Code != 0 && result.Code != http.StatusOK {
		return nil, fmt.Errorf("video lookup error: %s (code: %d)", result.Msg, result.Code)
	}

	info := *result.Data
	if info.VideoID == "" {
		info.VideoID = videoID
	}
	if c.cache != nil {
		c.cache.Add(videoID, info)
	}
	logger.Debug("video metadata fetched",
		logger.String("videoId", videoID),
		logger.Int("durationSeconds", info.DurationSeconds))
	return &info, nil
}

// Static answers lookups from a fixed table. It backs tests and the
// server when no metadata service is configured.
type Static map[string]Info

// Lookup implements the room engine's video lookup.
func (s Static) Lookup(_ context.Context, videoID string) (*Info, error) {
	info, ok := s[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, videoID)
	}
	if info.VideoID == "" {
		info.VideoID = videoID
	}
	return &info, nil
}
