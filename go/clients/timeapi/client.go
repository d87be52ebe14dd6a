package timeapi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mcdev12/lastclick/go/clients"
)

// ErrNoEpochToken is returned when a response carries no usable epoch value.
var ErrNoEpochToken = errors.New("no epoch token in response")

var digitRun = regexp.MustCompile(`\d+`)

// Client reads the current time from an HTTP endpoint that embeds a
// decimal Unix epoch somewhere in its body.
type Client struct {
	name     string
	jsonPath string
	base     *clients.BaseClient
}

// NewClient builds a client for an http time source.
func NewClient(src clients.TimeSourceConfig, timeout time.Duration) *Client {
	base := clients.NewBaseClient(src.URL,
		clients.WithTimeout(timeout),
		clients.WithHeader("Cache-Control", "no-cache"),
		clients.WithHeader("User-Agent", "lastclick-oracle/1"),
	)
	return &Client{name: src.Name, jsonPath: src.JSONPath, base: base}
}

func (c *Client) Name() string {
	return c.name
}

// Now fetches the endpoint and returns the time it reports.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	body, err := c.base.Get(ctx, "")
	if err != nil {
		return time.Time{}, err
	}
	t, err := ParseEpoch(body, c.jsonPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", c.base.BaseURL(), err)
	}
	return t, nil
}

// ParseEpoch returns the first epoch token in body. A run of exactly 10
// digits is seconds; a run of 13 or more digits is milliseconds, keeping
// the first 13. Runs of other lengths are skipped. When path is set, only
// the gjson value at path is scanned.
func ParseEpoch(body []byte, path string) (time.Time, error) {
	if path != "" {
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			return time.Time{}, fmt.Errorf("%w: path %q not found", ErrNoEpochToken, path)
		}
		body = []byte(res.Raw)
	}

	for _, run := range digitRun.FindAll(body, -1) {
		switch {
		case len(run) == 10:
			secs, err := strconv.ParseInt(string(run), 10, 64)
			if err != nil {
				continue
			}
			return time.UnixMilli(secs * 1000), nil
		case len(run) >= 13:
			ms, err := strconv.ParseInt(string(run[:13]), 10, 64)
			if err != nil {
				continue
			}
			return time.UnixMilli(ms), nil
		}
	}
	return time.Time{}, ErrNoEpochToken
}
