package adsb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yegors/skywarden/pkg/logger"
)

// Source types
const (
	SourceLocal    = "local"
	SourceExternal = "external-adsbexchangelike"
)

// ClientOptions configures where aircraft data comes from
type ClientOptions struct {
	SourceType        string
	LocalSourceURL    string
	ExternalSourceURL string // fmt template taking lat, lon, radius
	APIHost           string
	APIKey            string
	StationLat        float64
	StationLon        float64
	SearchRadiusNM    float64
	Timeout           time.Duration
}

// Client is responsible for fetching ADS-B data from the source
type Client struct {
	httpClient *http.Client
	opts       ClientOptions
	logger     *logger.Logger
}

// NewClient creates a new ADS-B client
func NewClient(opts ClientOptions, log *logger.Logger) *Client {
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: log.Named("adsb-cli"),
	}
}

// FetchData fetches ADS-B data from the configured source
func (c *Client) FetchData(ctx context.Context) (*RawAircraftData, error) {
	switch c.opts.SourceType {
	case SourceLocal:
		return c.fetchLocalData(ctx)
	case SourceExternal:
		return c.fetchExternalData(ctx)
	default:
		return nil, fmt.Errorf("unknown source type: %s", c.opts.SourceType)
	}
}

func (c *Client) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// fetchLocalData fetches aircraft.json from a local tar1090/readsb instance
func (c *Client) fetchLocalData(ctx context.Context) (*RawAircraftData, error) {
	c.logger.Debug("Fetching local ADS-B data", logger.String("url", c.opts.LocalSourceURL))

	body, err := c.get(ctx, c.opts.LocalSourceURL, nil)
	if err != nil {
		return nil, err
	}

	var data RawAircraftData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	c.logger.Debug("Successfully fetched local ADS-B data",
		logger.Int("aircraft_count", len(data.Aircraft)),
		logger.Int("message_count", data.Messages),
	)
	return &data, nil
}

// fetchExternalData fetches data from the external API (ADS-B Exchange / RapidAPI style)
func (c *Client) fetchExternalData(ctx context.Context) (*RawAircraftData, error) {
	urlStr := fmt.Sprintf(c.opts.ExternalSourceURL, c.opts.StationLat, c.opts.StationLon, c.opts.SearchRadiusNM)

	c.logger.Debug("Fetching external ADS-B data",
		logger.String("url", urlStr),
		logger.String("host", c.opts.APIHost),
	)

	body, err := c.get(ctx, urlStr, map[string]string{
		"x-rapidapi-host": c.opts.APIHost,
		"x-rapidapi-key":  c.opts.APIKey,
	})
	if err != nil {
		c.logger.Error("External ADS-B request failed", logger.Error(err), logger.String("url", urlStr))
		return nil, err
	}

	return decodeExternal(body)
}

// decodeExternal accepts either the {"ac": [...]} shape or the tar1090 {"aircraft": [...]} shape
func decodeExternal(body []byte) (*RawAircraftData, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if _, ok := probe["ac"]; ok {
		var ext ExternalAPIResponse
		if err := json.Unmarshal(body, &ext); err != nil {
			return nil, fmt.Errorf("failed to parse external API format: %w", err)
		}
		now := ext.Now
		if now == 0 {
			now = float64(time.Now().Unix())
		}
		aircraft := ext.AC
		if aircraft == nil {
			aircraft = []ADSBTarget{}
		}
		return &RawAircraftData{Now: now, Messages: ext.Messages, Aircraft: aircraft}, nil
	}

	var data RawAircraftData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse standard format: %w", err)
	}
	if data.Aircraft == nil {
		data.Aircraft = []ADSBTarget{}
	}
	return &data, nil
}
