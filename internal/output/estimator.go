package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/uwbsync/internal/httputil"
	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/timeutil"
)

// ReadingPayload is one reading as the position estimator expects it.
type ReadingPayload struct {
	AnchorID  int64   `json:"anchorID"`
	Timestamp int64   `json:"timestamp"`
	Distance  float64 `json:"distance"`
	Channel   int     `json:"channel"`
}

// RoundPayload is the body posted to the position estimator for one round.
type RoundPayload struct {
	MeasurementID int64            `json:"measurementID"`
	TargetID      int64            `json:"targetID"`
	TargetCode    string           `json:"targetCode"`
	Timestamp     int64            `json:"timestamp"`
	DataType      string           `json:"dataType"`
	Readings      []ReadingPayload `json:"readings"`
	AccessToken   string           `json:"estimateAccessToken,omitempty"`
}

// NewRoundPayload encodes a dispatched round. The round is timestamped with
// the end of its window.
func NewRoundPayload(measurementID, targetID int64, snap measurement.TagSnapshot) RoundPayload {
	readings := make([]ReadingPayload, 0, len(snap.Round.Readings))
	for _, rd := range snap.Round.Readings {
		readings = append(readings, ReadingPayload{
			AnchorID:  rd.AnchorStorageID,
			Timestamp: timeutil.EpochMillis(rd.ExecutedAt),
			Distance:  rd.Distance,
			Channel:   rd.Channel,
		})
	}
	return RoundPayload{
		MeasurementID: measurementID,
		TargetID:      targetID,
		TargetCode:    snap.TagCode,
		Timestamp:     timeutil.EpochMillis(snap.Round.End),
		DataType:      measurement.DataType,
		Readings:      readings,
	}
}

// Forwarder sends rounds to the position estimator.
type Forwarder interface {
	PostRound(ctx context.Context, p RoundPayload) error
}

// EstimatorClient posts rounds as JSON to the estimator URL.
type EstimatorClient struct {
	client  httputil.HTTPClient
	url     string
	token   string
	timeout time.Duration
}

// NewEstimatorClient returns a Forwarder for url. A nil client uses a
// standard http.Client.
func NewEstimatorClient(client httputil.HTTPClient, url, token string, timeout time.Duration) *EstimatorClient {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: timeout})
	}
	return &EstimatorClient{client: client, url: url, token: token, timeout: timeout}
}

// PostRound adds the access token and posts p. Any non-2xx status is an
// error.
func (c *EstimatorClient) PostRound(ctx context.Context, p RoundPayload) error {
	p.AccessToken = c.token
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode round payload: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build estimator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to estimator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("estimator returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
