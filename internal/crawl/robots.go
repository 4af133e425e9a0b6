package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
)

const robotsFetchTimeout = 10 * time.Second

// RobotsFetcher retrieves and parses robots.txt, once per crawl
type RobotsFetcher struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger
}

// NewRobotsFetcher creates a robots.txt fetcher
func NewRobotsFetcher(userAgent string, logger arbor.ILogger) *RobotsFetcher {
	return &RobotsFetcher{
		client:    &http.Client{Timeout: robotsFetchTimeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch retrieves robots.txt for the origin's host. A missing or errored
// robots.txt permits everything, matching crawler convention.
func (r *RobotsFetcher) Fetch(ctx context.Context, originURL string) (*robotstxt.RobotsData, string, error) {
	origin, err := url.Parse(originURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse origin URL: %w", err)
	}

	robotsURL := origin.Scheme + "://" + origin.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug().Err(err).Str("robots_url", robotsURL).Msg("Failed to fetch robots.txt, allowing all")
		return nil, "", nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, "", nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		r.logger.Debug().Err(err).Str("robots_url", robotsURL).Msg("Failed to parse robots.txt, allowing all")
		return nil, "", nil
	}

	return data, string(body), nil
}

// Parse builds RobotsData from a stored robots.txt body
func Parse(body string) (*robotstxt.RobotsData, error) {
	if body == "" {
		return nil, nil
	}
	return robotstxt.FromString(body)
}
