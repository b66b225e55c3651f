package notify

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"strconv"

	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/gomail.v2"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// Sender sends composed mail. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig configures the SMTP dialer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel delivers notifications as HTML mail.
type EmailChannel struct {
	sender Sender
	from   string
	policy *bluemonday.Policy
}

// NewEmailChannel builds an EmailChannel over an SMTP dialer.
func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	return NewEmailChannelWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From)
}

// NewEmailChannelWithSender builds an EmailChannel over any Sender.
func NewEmailChannelWithSender(sender Sender, from string) *EmailChannel {
	return &EmailChannel{sender: sender, from: from, policy: bluemonday.StrictPolicy()}
}

// Channel implements Deliverer.
func (e *EmailChannel) Channel() crawler.Channel { return crawler.ChannelEmail }

// Deliver implements Deliverer.
func (e *EmailChannel) Deliver(_ context.Context, msg Message) error {
	body, err := e.render(msg)
	if err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", msg.Notification.Recipient)
	m.SetHeader("Subject", subject(msg))
	m.SetBody("text/html", body)
	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

var emailTemplate = template.Must(template.New("email").Parse(`<h2>{{len .Items}} new match{{if ne (len .Items) 1}}es{{end}} for "{{.Keyword}}" on {{.Domain}}</h2>
<ul>
{{range .Items}}<li><a href="{{.URL}}">{{.Title}}</a>{{if .Price}} ({{.Price}}){{end}}{{if .Seller}} by {{.Seller}}{{end}}</li>
{{end}}</ul>`))

type emailItem struct {
	Title  string
	URL    string
	Price  string
	Seller string
}

func (e *EmailChannel) render(msg Message) (string, error) {
	items := make([]emailItem, 0, len(msg.Items))
	for _, it := range msg.Items {
		items = append(items, emailItem{
			Title:  e.plain(it.Title),
			URL:    it.URL,
			Price:  formatPrice(it.Price),
			Seller: e.plain(it.Seller),
		})
	}
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Keyword string
		Domain  string
		Items   []emailItem
	}{
		Keyword: e.plain(msg.Target.Keyword),
		Domain:  msg.Target.Domain,
		Items:   items,
	})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// plain strips markup from scraped text; the template escapes the rest.
func (e *EmailChannel) plain(s string) string {
	return html.UnescapeString(e.policy.Sanitize(s))
}

func subject(msg Message) string {
	return fmt.Sprintf("%d new match(es) for %q on %s", len(msg.Items), msg.Target.Keyword, msg.Target.Domain)
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return "$" + strconv.FormatFloat(*p, 'f', 2, 64)
}
