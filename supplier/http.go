package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds every supplier call. A hung supplier must never
// hold a claim open indefinitely.
const DefaultTimeout = 10 * time.Second

// HTTPClient talks JSON over HTTP to a supplier.
//
// Endpoints:
//
//	POST {base}/v1/purchase        {"brand_id","denomination","client_ref"}
//	GET  {base}/v1/cards/{code}/balance
//
// An out-of-stock purchase returns 409 with {"code":"out_of_stock"}.
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
	audit   AuditLogger
	nowFunc func() time.Time
}

// NewHTTPClient returns a client with a bounded timeout. A nil audit logger
// falls back to LogAudit.
func NewHTTPClient(name, baseURL string, timeout time.Duration, audit AuditLogger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if audit == nil {
		audit = LogAudit{}
	}
	return &HTTPClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		audit:   audit,
		nowFunc: time.Now,
	}
}

func (c *HTTPClient) Name() string { return c.name }

type purchaseBody struct {
	BrandID      string `json:"brand_id"`
	Denomination string `json:"denomination"`
	ClientRef    string `json:"client_ref"`
}

type purchaseReply struct {
	CardCode     string `json:"card_code"`
	SupplierRef  string `json:"supplier_ref"`
	Denomination string `json:"denomination"`
	Code         string `json:"code"` // error code on non-2xx
	Message      string `json:"message"`
}

// Purchase buys one card, classifying every failure into a *Error and
// recording the call in the audit trail regardless of outcome.
func (c *HTTPClient) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResponse, error) {
	start := c.nowFunc()
	resp, err := c.purchase(ctx, req)

	entry := AuditEntry{
		Supplier:     c.name,
		BrandID:      req.BrandID,
		Denomination: req.Denomination,
		ClientRef:    req.ClientRef,
		At:           start,
		Elapsed:      c.nowFunc().Sub(start),
	}
	if err != nil {
		entry.Err = err.Error()
	} else {
		entry.SupplierRef = resp.SupplierRef
	}
	c.audit.Record(ctx, entry)

	return resp, err
}

func (c *HTTPClient) purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResponse, error) {
	body, err := json.Marshal(purchaseBody{
		BrandID:      req.BrandID,
		Denomination: req.Denomination.String(),
		ClientRef:    req.ClientRef,
	})
	if err != nil {
		return nil, &Error{Kind: KindRejected, Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/purchase", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindRejected, Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, &Error{Kind: KindUnavailable, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	var reply purchaseReply
	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	_ = json.Unmarshal(raw, &reply)

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		if reply.CardCode == "" {
			return nil, &Error{Kind: KindRejected, StatusCode: httpResp.StatusCode,
				Message: "purchase response missing card code"}
		}
		denom := req.Denomination
		if reply.Denomination != "" {
			if d, err := decimal.NewFromString(reply.Denomination); err == nil {
				denom = d
			}
		}
		return &PurchaseResponse{
			CardCode:     reply.CardCode,
			SupplierRef:  reply.SupplierRef,
			Denomination: denom,
		}, nil

	case httpResp.StatusCode >= 500:
		return nil, &Error{Kind: KindUnavailable, StatusCode: httpResp.StatusCode, Message: reply.Message}

	case reply.Code == "out_of_stock":
		return nil, &Error{Kind: KindOutOfStock, StatusCode: httpResp.StatusCode, Message: reply.Message}

	default:
		return nil, &Error{Kind: KindRejected, StatusCode: httpResp.StatusCode,
			Message: fmt.Sprintf("code=%s %s", reply.Code, reply.Message)}
	}
}

type balanceReply struct {
	Balance string `json:"balance"`
	Message string `json:"message"`
}

// Balance returns the remaining value for a card code.
func (c *HTTPClient) Balance(ctx context.Context, cardCode string) (decimal.Decimal, error) {
	u := c.baseURL + "/v1/cards/" + url.PathEscape(cardCode) + "/balance"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, &Error{Kind: KindRejected, Message: fmt.Sprintf("build request: %v", err)}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return decimal.Zero, &Error{Kind: KindUnavailable, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	var reply balanceReply
	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	_ = json.Unmarshal(raw, &reply)

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		bal, err := decimal.NewFromString(reply.Balance)
		if err != nil {
			return decimal.Zero, &Error{Kind: KindRejected, StatusCode: httpResp.StatusCode,
				Message: fmt.Sprintf("malformed balance %q", reply.Balance)}
		}
		return bal, nil
	case httpResp.StatusCode >= 500:
		return decimal.Zero, &Error{Kind: KindUnavailable, StatusCode: httpResp.StatusCode, Message: reply.Message}
	default:
		return decimal.Zero, &Error{Kind: KindRejected, StatusCode: httpResp.StatusCode, Message: reply.Message}
	}
}
