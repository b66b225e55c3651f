package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// smsLimit keeps the body within one concatenated SMS.
const smsLimit = 320

// SMSChannel posts notifications to an SMS gateway webhook.
type SMSChannel struct {
	url    string
	client *http.Client
}

// NewSMSChannel builds an SMSChannel posting to webhookURL.
func NewSMSChannel(webhookURL string, client *http.Client) *SMSChannel {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SMSChannel{url: webhookURL, client: client}
}

// Channel implements Deliverer.
func (s *SMSChannel) Channel() crawler.Channel { return crawler.ChannelSMS }

type smsPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Deliver implements Deliverer.
func (s *SMSChannel) Deliver(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(smsPayload{To: msg.Notification.Recipient, Body: smsBody(msg)})
	if err != nil {
		return fmt.Errorf("marshal sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("send sms: gateway status %d", resp.StatusCode)
	}
	return nil
}

func smsBody(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new for %q on %s:", len(msg.Items), msg.Target.Keyword, msg.Target.Domain)
	for _, it := range msg.Items {
		line := " " + it.Title
		if p := formatPrice(it.Price); p != "" {
			line += " " + p
		}
		line += " " + it.URL
		if b.Len()+len(line) > smsLimit {
			b.WriteString(" ...")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
