package sessionhandler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mrveiss/pureboot-sub001/api"
	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// Client is the boot agents' view of the session lifecycle surface. Agents
// use it to report readiness and progress and to fetch their certificate
// bundle for mutual authentication.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the clone orchestration service at baseURL,
// e.g. "http://boot-server:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
}

// SourceReady reports that the source agent is listening for the target.
func (c *Client) SourceReady(id interfaces.SessionID, req api.SourceReadyRequest) error {
	return c.post(fmt.Sprintf("/api/sessions/%s/source-ready", id), req)
}

// Progress reports transfer counters for one role.
func (c *Client) Progress(id interfaces.SessionID, role interfaces.Role, bytesTransferred, rateBps int64) error {
	return c.post(fmt.Sprintf("/api/sessions/%s/progress", id), api.ProgressRequest{
		Role:             role.String(),
		BytesTransferred: bytesTransferred,
		RateBps:          rateBps,
	})
}

// Complete reports terminal success.
func (c *Client) Complete(id interfaces.SessionID) error {
	return c.post(fmt.Sprintf("/api/sessions/%s/complete", id), nil)
}

// Fail reports a terminal failure with its reason.
func (c *Client) Fail(id interfaces.SessionID, reason string) error {
	return c.post(fmt.Sprintf("/api/sessions/%s/fail", id), api.FailRequest{Error: reason})
}

// StagingStatus reports a staging transition for a staged session.
func (c *Client) StagingStatus(id interfaces.SessionID, status interfaces.StagingStatus) error {
	return c.post(fmt.Sprintf("/api/sessions/%s/staging-status", id), api.StagingStatusRequest{
		Status: string(status),
	})
}

// Certificate fetches the PEM bundle for this agent's role in a direct
// session, plus the shared CA certificate for validating the peer.
func (c *Client) Certificate(id interfaces.SessionID, role interfaces.Role) (*api.CertificateResponse, error) {
	resp, err := c.httpClient.Get(fmt.Sprintf("%s/api/sessions/%s/certificate/%s", c.baseURL, id, role))
	if err != nil {
		return nil, fmt.Errorf("could not request certificate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read certificate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate request failed (%d): %s", resp.StatusCode, string(body))
	}

	var certResp api.CertificateResponse
	if err := json.Unmarshal(body, &certResp); err != nil {
		return nil, fmt.Errorf("could not parse certificate response: %w", err)
	}
	return &certResp, nil
}

func (c *Client) post(path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("could not reach session service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("session service rejected the call (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}
