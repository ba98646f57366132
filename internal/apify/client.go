// Package apify is a listing scrape provider that runs an Apify actor and
// reads the first item of its dataset.
package apify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/raine/roomedit/internal/listing"
)

const (
	DefaultBaseURL = "https://api.apify.com"
	// DefaultActorID is the ImmobilienScout24 scraper actor.
	DefaultActorID = "nMiNd0glV6oqKv78Y"
	// DefaultWaitForFinish is how long Apify holds the run request open.
	DefaultWaitForFinish = 300 * time.Second
)

type ClientOpts struct {
	BaseURL       string
	Token         string
	ActorID       string
	WaitForFinish time.Duration
}

// Client runs scrapes through the Apify API.
type Client struct {
	httpClient    *resty.Client
	baseURL       string
	actorID       string
	waitForFinish time.Duration
}

var _ listing.Provider = (*Client)(nil)

func NewClient(opts ClientOpts) *Client {
	c := Client{
		baseURL:       DefaultBaseURL,
		actorID:       DefaultActorID,
		waitForFinish: DefaultWaitForFinish,
	}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	if opts.ActorID != "" {
		c.actorID = opts.ActorID
	}
	if opts.WaitForFinish > 0 {
		c.waitForFinish = opts.WaitForFinish
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetAuthToken(opts.Token).
		// the run call blocks server-side for up to waitForFinish
		SetTimeout(c.waitForFinish + 30*time.Second).
		SetHeader("Accept", "application/json")

	return &c
}

type runInput struct {
	StartURLs []string `json:"startUrls"`
}

type runResponse struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx)

	if result != nil {
		request.SetResult(result)
	}

	return request
}

// Scrape runs the actor on listingURL and returns the first dataset item.
func (c *Client) Scrape(ctx context.Context, listingURL string) (map[string]any, error) {
	run := &runResponse{}
	_, err := handleError(c.req(ctx, run).
		SetPathParam("actorId", c.actorID).
		SetQueryParam("waitForFinish", strconv.Itoa(int(c.waitForFinish.Seconds()))).
		SetBody(runInput{StartURLs: []string{listingURL}}).
		Post("/v2/acts/{actorId}/runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to run scraper: %w", err)
	}
	if run.Data.DefaultDatasetID == "" {
		return nil, fmt.Errorf("scraper run %s returned no dataset", run.Data.ID)
	}

	var items []map[string]any
	_, err = handleError(c.req(ctx, &items).
		SetPathParam("datasetId", run.Data.DefaultDatasetID).
		Get("/v2/datasets/{datasetId}/items"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scraped items: %w", err)
	}
	if len(items) == 0 {
		return nil, listing.ErrEmptyResult
	}

	return items[0], nil
}

// handleError is a generic error handler for failing response (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	return res, nil
}
