package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nightcrew/skedge/pkg/models"
)

// Archiver persists a response body somewhere durable beyond the in-memory
// bodySummary cap. blobstore.Store satisfies this directly; cmd/engine
// assigns it to HTTPCaller.Archiver.
type Archiver interface {
	Put(ctx context.Context, jobID, endpointID string, cycleNumber int64, body []byte) error
}

// HTTPCaller is the production Caller: it builds a request from the
// endpoint definition and the plan's payload, the same marshal/post/decode
// shape used elsewhere in this repository for narrow JSON-over-HTTP
// collaborators.
type HTTPCaller struct {
	Client         *http.Client
	BodySummaryCap int
	// Archiver, if set, receives the full untruncated response body for
	// every call, keyed by the job/cycle metadata WithJobMeta attached to
	// ctx. A nil Archiver disables archival entirely.
	Archiver Archiver
}

func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCaller{Client: client, BodySummaryCap: 2048}
}

func (c *HTTPCaller) Call(ctx context.Context, endpoint models.Endpoint, call models.EndpointCall, attempt int) (int, string, error) {
	var body io.Reader
	if call.Payload != nil {
		data, err := json.Marshal(call.Payload)
		if err != nil {
			return 0, "", fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, endpoint.Method, endpoint.URL, body)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	capBytes := c.BodySummaryCap
	if capBytes <= 0 {
		capBytes = 2048
	}

	if c.Archiver == nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, int64(capBytes)))
		return resp.StatusCode, string(data), nil
	}

	full, _ := io.ReadAll(resp.Body)
	if jobID, cycleNumber, ok := JobMetaFromContext(ctx); ok {
		_ = c.Archiver.Put(ctx, jobID, call.EndpointID, cycleNumber, full)
	}

	summary := full
	if len(summary) > capBytes {
		summary = summary[:capBytes]
	}
	return resp.StatusCode, string(summary), nil
}
