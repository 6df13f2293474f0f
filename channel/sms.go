package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSClient sends reward texts through an HTTP SMS provider.
//
//	POST {base}/v1/messages  {"to","body"}  -> {"message_id"}
type SMSClient struct {
	baseURL string
	client  *http.Client
}

func NewSMSClient(baseURL string, timeout time.Duration) *SMSClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type smsBody struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type providerReply struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

func (c *SMSClient) Send(ctx context.Context, msg Message) (string, error) {
	body, _ := json.Marshal(smsBody{
		To: msg.Destination,
		Body: fmt.Sprintf("Your %s gift card for $%s: %s",
			msg.BrandID, msg.Denomination.StringFixed(2), msg.CardCode),
	})
	return doSend(ctx, c.client, c.baseURL+"/v1/messages", body)
}

// doSend posts a provider payload and classifies the response. Shared by the
// SMS and email clients.
func doSend(ctx context.Context, client *http.Client, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &SendError{Transient: false, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", &SendError{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	var reply providerReply
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &reply)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if reply.MessageID == "" {
			return "", &SendError{Transient: false, StatusCode: resp.StatusCode,
				Message: "provider response missing message id"}
		}
		return reply.MessageID, nil
	}

	return "", &SendError{
		Transient:  transientStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    reply.Message,
	}
}
