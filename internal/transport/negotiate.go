package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NegotiationTimeout is the hard bound on one SDP offer/answer exchange.
const NegotiationTimeout = 5 * time.Second

// Negotiator exchanges a local SDP offer for the remote answer.
type Negotiator interface {
	Exchange(ctx context.Context, offerSDP string) (answerSDP string, err error)
}

// HTTPNegotiator POSTs the offer to <url>?model=<deployment> with bearer
// authentication and reads the SDP answer from the response body.
type HTTPNegotiator struct {
	URL        string
	Deployment string
	Bearer     string
	Client     *http.Client
}

// Exchange implements [Negotiator].
func (n *HTTPNegotiator) Exchange(ctx context.Context, offerSDP string) (string, error) {
	url := fmt.Sprintf("%s?model=%s", n.URL, n.Deployment)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("transport: build negotiation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+n.Bearer)

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: negotiation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &ClassifiedError{Code: CodeAuthenticationFailed,
			Err: fmt.Errorf("transport: negotiation rejected with status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("transport: negotiation returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transport: read negotiation answer: %w", err)
	}
	answer := string(body)
	if answer == "" {
		return "", fmt.Errorf("transport: empty SDP answer")
	}
	return answer, nil
}
