package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const (
	// DefaultRequestTimeout bounds a single localization exchange.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseBytes limits the response body to 1 MB.
	maxResponseBytes = 1 << 20

	statusDone = "done"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClientLogger sets the logger used for request diagnostics.
func WithClientLogger(logger golog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the VPS localization endpoint. It performs exactly one
// exchange per call; retry policy belongs to the caller.
type Client struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     golog.Logger
}

// NewClient creates a client for the given endpoint URL, e.g. Environments["stage"].
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.logger == nil {
		c.logger = golog.Global()
	}
	return c
}

// Endpoint returns the URL requests are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// RequestFix posts req and classifies the outcome. It never returns a Go error:
// transport, status and decode failures are reported as FixTransportFailure.
func (c *Client) RequestFix(ctx context.Context, req *Request) FixResult {
	if c.endpoint == "" {
		return TransportFailure(errors.Wrap(ErrNetworkFailure, "vps endpoint is empty"))
	}
	if req == nil {
		return TransportFailure(errors.Wrap(ErrNetworkFailure, "nil request"))
	}

	var body bytes.Buffer
	contentType, err := req.Encode(&body)
	if err != nil {
		return TransportFailure(errors.Wrapf(ErrNetworkFailure, "encoding request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return TransportFailure(errors.Wrapf(ErrNetworkFailure, "creating request: %v", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TransportFailure(errors.Wrapf(ErrNetworkFailure, "POST %s: %v", c.endpoint, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TransportFailure(errors.Wrapf(ErrNetworkFailure, "POST %s: status %d", c.endpoint, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TransportFailure(errors.Wrapf(ErrNetworkFailure, "reading response from %s: %v", c.endpoint, err))
	}
	c.logger.Debugf("vps exchange took %s (%d bytes)", time.Since(start).Round(time.Millisecond), len(data))

	return ParseFixResponse(data)
}

type fixGPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp float64 `json:"timestamp"`
}

type fixCompass struct {
	Heading   float64 `json:"heading"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp float64 `json:"timestamp"`
}

type fixAttributes struct {
	LocationID string `json:"location_id"`
	Location   *struct {
		GPS     *fixGPS     `json:"gps"`
		Compass *fixCompass `json:"compass"`
	} `json:"location"`
	TrackingPose *WirePose `json:"tracking_pose"`
	VpsPose      *WirePose `json:"vps_pose"`
}

type fixResponse struct {
	Data              *fixResponse   `json:"data"`
	Status            string         `json:"status"`
	StatusDescription *string        `json:"status_description"`
	Attributes        *fixAttributes `json:"attributes"`
}

// ParseFixResponse classifies a 2xx response body. Both the bare
// {status, attributes} form and the {data: {...}} envelope are accepted. A
// body without a status is malformed, not unmatched.
func ParseFixResponse(data []byte) FixResult {
	var resp fixResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return TransportFailure(errors.Wrapf(ErrMalformedResponse, "decoding response: %v", err))
	}
	if resp.Status == "" && resp.Data != nil {
		resp = *resp.Data
	}
	if resp.Status == "" {
		return TransportFailure(errors.Wrap(ErrMalformedResponse, "response has no status"))
	}

	if resp.Status != statusDone || resp.Attributes == nil || resp.Attributes.VpsPose == nil {
		return Unmatched()
	}

	attrs := resp.Attributes
	result := Matched(attrs.VpsPose.Pose(FrameGlobalVPS))
	result.LocationID = attrs.LocationID
	if attrs.TrackingPose != nil {
		tp := attrs.TrackingPose.Pose(FrameLocalTracking)
		result.TrackingPose = &tp
	}
	if attrs.Location != nil && attrs.Location.GPS != nil {
		gps := attrs.Location.GPS
		loc := &GeoLocation{
			Latitude:  gps.Latitude,
			Longitude: gps.Longitude,
			Altitude:  gps.Altitude,
			Accuracy:  gps.Accuracy,
			Timestamp: unixSeconds(gps.Timestamp),
		}
		if attrs.Location.Compass != nil {
			loc.Heading = attrs.Location.Compass.Heading
		}
		result.Location = loc
	}
	return result
}

// unixSeconds converts fractional epoch seconds to a time
func unixSeconds(s float64) time.Time {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
