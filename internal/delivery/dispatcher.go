package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RetryPolicy bounds how long a failing record keeps retrying.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryPolicy gives up after 8 attempts with the default backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, Backoff: DefaultBackoff()}
}

// Dispatcher performs one delivery attempt and computes the resulting state
// transition. It never touches the Store; callers persist the returned record.
type Dispatcher struct {
	client *http.Client
	policy RetryPolicy
	now    func() time.Time
}

// NewDispatcher builds a dispatcher around client. A nil client gets a
// 10 second timeout default.
func NewDispatcher(client *http.Client, policy RetryPolicy) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.Backoff.Base <= 0 {
		policy.Backoff = DefaultBackoff()
	}
	return &Dispatcher{client: client, policy: policy, now: time.Now}
}

// WithClock overrides the dispatcher's clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Attempt issues one HTTP call for rec and returns the record's next state
// plus a failure classification ("" on success). Only retrying records are
// attempted; any other status is returned unchanged.
//
// Ordinary delivery failures are modeled as data on the record, never as
// errors: a non-2xx response or a transport failure reschedules the record
// (or fails it once attempts are exhausted), and a record with no usable
// endpoint URL fails immediately.
func (d *Dispatcher) Attempt(ctx context.Context, rec Record) (Record, string) {
	if rec.Status != StatusRetrying {
		return rec, ""
	}

	now := d.now().UTC()
	rec.AttemptCount++
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now

	if strings.TrimSpace(rec.URL) == "" {
		return failRecord(rec, "endpoint URL is empty"), ReasonBadConfig
	}
	if _, err := url.ParseRequestURI(rec.URL); err != nil {
		return failRecord(rec, "invalid endpoint URL: "+err.Error()), ReasonBadConfig
	}

	method := rec.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(rec.RequestPayload) > 0 {
		body = bytes.NewReader(rec.RequestPayload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rec.URL, body)
	if err != nil {
		return failRecord(rec, "build request: "+err.Error()), ReasonBadConfig
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, doErr := d.client.Do(req)
	if doErr != nil {
		rec.ResponseStatusCode = 0
		rec.ResponsePayload = nil
		return d.retryOrFail(rec, now, doErr.Error()), classifyReason(doErr, 0)
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadLength*4))
	_ = resp.Body.Close()

	rec.ResponseStatusCode = resp.StatusCode
	rec.ResponsePayload = NormalizePayload(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Status = StatusDelivered
		rec.ErrorMessage = ""
		rec.NextRetryAt = nil
		return rec, ""
	}

	return d.retryOrFail(rec, now, "endpoint returned HTTP "+resp.Status), classifyReason(nil, resp.StatusCode)
}

// retryOrFail reschedules rec with backoff, or fails it when the attempt
// budget is spent.
func (d *Dispatcher) retryOrFail(rec Record, now time.Time, errMsg string) Record {
	rec.ErrorMessage = errMsg
	if rec.AttemptCount >= d.policy.MaxAttempts {
		rec.Status = StatusFailed
		rec.NextRetryAt = nil
		return rec
	}
	next := now.Add(d.policy.Backoff.Delay(rec.AttemptCount))
	rec.Status = StatusRetrying
	rec.NextRetryAt = &next
	return rec
}

func failRecord(rec Record, errMsg string) Record {
	rec.Status = StatusFailed
	rec.ErrorMessage = errMsg
	rec.NextRetryAt = nil
	rec.ResponseStatusCode = 0
	rec.ResponsePayload = nil
	return rec
}

// Failure classification labels, used for metrics and dead-letter reasons.
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonHTTP5xx           = "http_5xx"
	ReasonHTTP429           = "http_429"
	ReasonHTTP4xx           = "http_4xx"
	ReasonBadConfig         = "bad_config"
	ReasonOther             = "other"
)

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return ReasonTimeout
		}
		if strings.Contains(errLower, "connection refused") {
			return ReasonConnectionRefused
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return ReasonDNS
		}
		return ReasonNetwork
	}
	if status >= 500 {
		return ReasonHTTP5xx
	}
	if status == 429 {
		return ReasonHTTP429
	}
	if status >= 400 {
		return ReasonHTTP4xx
	}
	return ReasonOther
}
