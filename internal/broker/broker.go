// Package broker is a typed adapter over the intraday broker's REST API,
// grounded on the teacher's core/execution/engine.go for retry/circuit
// breaker wiring and on the pack's execution/broker.go (alexherrero-sherwood)
// for the shape of a pluggable broker interface.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bikeshrana/intraday-controller/internal/circuitbreaker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/pkg/types"
)

// OrderPayload is the wire shape for SendOrder, covering entry, TP, SL and
// EOD market orders (spec §3, §4.5).
type OrderPayload struct {
	ClientOrderRef string
	Symbol         string
	MarketCode     string
	Side           domain.Side
	Qty            float64
	OrderType      string // "market" | "limit" | "stop"
	Price          *float64
	StopTrigger    *float64
	PositionHandle *string // margin closing orders only
}

// OrderStatus is the wire shape ListOrders/PollOrders consume.
type OrderStatus struct {
	BrokerOrderID string
	ClientOrderRef string
	Status        string
	CumQty        float64
	AvgPrice      float64
	SubmittedAt   time.Time
	Raw           []byte
}

// Position is one entry from ListPositions; PositionHandle is the
// broker-assigned opaque id (begins with "E") margin closeouts reference.
type Position struct {
	Symbol         string
	Product        string
	PositionHandle string
	Qty            float64
}

type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	cb         *circuitbreaker.CircuitBreaker

	authGroup singleflight.Group
	token     string
	password  string
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func New(cfg Config, cb *circuitbreaker.CircuitBreaker, logger zerolog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		cb:         cb,
	}
}

// Authenticate exchanges the decrypted API password for a session token.
// Invalidation is signalled by the broker returning 401 on a later call; a
// single refresh is ever in flight at a time via the singleflight group.
func (a *Adapter) Authenticate(ctx context.Context, apiPassword string) (string, error) {
	token, err, _ := a.authGroup.Do("auth", func() (interface{}, error) {
		var resp struct {
			Token string `json:"token"`
		}
		if err := a.doWithRetry(ctx, "POST", "/token", map[string]string{"password": apiPassword}, "", &resp); err != nil {
			return "", err
		}
		a.token = resp.Token
		a.password = apiPassword
		return resp.Token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// reauthenticate re-runs Authenticate against the credential remembered from
// the last successful call, serialized through the same singleflight group so
// concurrent 401s trigger exactly one reauth in flight (spec §5).
func (a *Adapter) reauthenticate(ctx context.Context) (string, error) {
	if a.password == "" {
		return "", fmt.Errorf("broker: no stored credential available to reauthenticate with")
	}
	return a.Authenticate(ctx, a.password)
}

// SendOrder submits an order with a client-supplied idempotency reference,
// generated here (google/uuid) where the payload doesn't already carry one
// (spec §6).
func (a *Adapter) SendOrder(ctx context.Context, payload OrderPayload) (string, error) {
	if payload.ClientOrderRef == "" {
		payload.ClientOrderRef = uuid.NewString()
	}

	var resp struct {
		BrokerOrderID string `json:"broker_order_id"`
	}
	if err := a.doWithRetry(ctx, "POST", "/sendorder", payload, a.token, &resp); err != nil {
		return "", err
	}
	return resp.BrokerOrderID, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return a.doWithRetry(ctx, "PUT", "/cancelorder", map[string]string{"order_id": brokerOrderID}, a.token, nil)
}

func (a *Adapter) ListOrders(ctx context.Context) ([]OrderStatus, error) {
	var resp struct {
		Orders []OrderStatus `json:"orders"`
	}
	if err := a.doWithRetry(ctx, "GET", "/orders", nil, a.token, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (a *Adapter) ListPositions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := a.doWithRetry(ctx, "GET", "/positions", nil, a.token, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (a *Adapter) GetBoard(ctx context.Context, symbol string) (types.Quote, error) {
	var q types.Quote
	path := fmt.Sprintf("/board?symbol=%s", symbol)
	if err := a.doWithRetry(ctx, "GET", path, nil, a.token, &q); err != nil {
		return types.Quote{}, err
	}
	return q, nil
}

// doWithRetry implements the cancellation & timeout policy of spec §5: up to
// 3 retries (4 attempts in all) with 0.5s/1s/2s backoff on 5xx or connection
// errors, 0 retries on
// 4xx, and a single reauthenticate-then-retry on 401 (spec §5/§7: "one silent
// reauth + retry; if still failing, escalate as BrokerUnavailable"). Every
// call also runs through the circuit breaker so a failing broker stops being
// hammered.
func (a *Adapter) doWithRetry(ctx context.Context, method, path string, body interface{}, token string, out interface{}) error {
	backoffs := []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	currentToken := token
	reauthAttempted := false

	var lastErr error
	for attempt := 0; attempt < len(backoffs)+1; attempt++ {
		err := a.cb.Execute(func() error {
			return a.doOnce(ctx, method, path, body, currentToken, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *statusError
		if isStatusError(err, &statusErr) {
			switch {
			case statusErr.code == http.StatusUnauthorized && !reauthAttempted:
				reauthAttempted = true
				a.logger.Warn().Msg("broker returned 401, reauthenticating once before retrying")
				newToken, reauthErr := a.reauthenticate(ctx)
				if reauthErr != nil {
					return domain.NewError(domain.KindBrokerUnavailable, "broker unavailable: reauth after 401 failed", reauthErr)
				}
				currentToken = newToken
				retryErr := a.cb.Execute(func() error {
					return a.doOnce(ctx, method, path, body, currentToken, out)
				})
				if retryErr != nil {
					return domain.NewError(domain.KindBrokerUnavailable, "broker unavailable: request still failing after reauth", retryErr)
				}
				return nil
			case statusErr.code == http.StatusUnauthorized:
				return domain.NewError(domain.KindBrokerUnavailable, "broker unavailable: 401 after reauth already attempted", err)
			case statusErr.code == http.StatusTooManyRequests:
				a.logger.Warn().Int("attempt", attempt).Msg("broker rate limited (429)")
			case statusErr.code >= 400 && statusErr.code < 500:
				return domain.NewError(domain.KindBrokerRejected, fmt.Sprintf("broker rejected request: %d", statusErr.code), err)
			}
		}

		if attempt < len(backoffs) {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
	}
	return domain.NewError(domain.KindBrokerUnavailable, "broker unavailable after retries", lastErr)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("broker returned status %d: %s", e.code, e.body)
}

func isStatusError(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (a *Adapter) doOnce(ctx context.Context, method, path string, body interface{}, token string, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("broker: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("broker: decode response: %w", err)
		}
	}
	return nil
}
