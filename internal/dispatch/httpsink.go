package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSink is the reference ExecutionSink: it POSTs the execution request
// to the report renderer endpoint with an HMAC-SHA256 signature. The
// renderer dedupes on the execution id header, which makes retries safe.
type HTTPSink struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewHTTPSink(url, secret string, timeout time.Duration) *HTTPSink {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

type sinkPayload struct {
	ScheduleID  string   `json:"schedule_id"`
	ExecutionID string   `json:"execution_id"`
	ReportType  string   `json:"report_type"`
	Recipients  []string `json:"recipients"`
	Format      string   `json:"format"`
}

func (s *HTTPSink) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	start := time.Now()

	body, err := json.Marshal(sinkPayload{
		ScheduleID:  req.ScheduleID.String(),
		ExecutionID: req.ExecutionID.String(),
		ReportType:  req.ReportType,
		Recipients:  req.Recipients,
		Format:      string(req.Format),
	})
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-ReportSched-Execution-ID", req.ExecutionID.String())
	httpReq.Header.Set("X-ReportSched-Signature", computeSignature(s.secret, body))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ExecutionResult{
			Err:      fmt.Errorf("renderer returned status %d", resp.StatusCode),
			Duration: time.Since(start),
		}
	}
	return ExecutionResult{Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets the renderer side verify an incoming request.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
