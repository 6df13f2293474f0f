package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EmailClient sends reward emails through an HTTP email provider.
//
//	POST {base}/v1/send  {"to","subject","body"}  -> {"message_id"}
type EmailClient struct {
	baseURL string
	client  *http.Client
}

func NewEmailClient(baseURL string, timeout time.Duration) *EmailClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmailClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type emailBody struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *EmailClient) Send(ctx context.Context, msg Message) (string, error) {
	body, _ := json.Marshal(emailBody{
		To:      msg.Destination,
		Subject: fmt.Sprintf("Your %s gift card", msg.BrandID),
		Body: fmt.Sprintf("Here is your $%s %s gift card code: %s",
			msg.Denomination.StringFixed(2), msg.BrandID, msg.CardCode),
	})
	return doSend(ctx, c.client, c.baseURL+"/v1/send", body)
}
