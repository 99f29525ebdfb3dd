// Package email provides email client functionality
package email

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/config"
	"github.com/AtRiskMedia/surveykiosk-go/email/templates"
	"github.com/resendlabs/resend-go"
)

// Client sends operator alert emails. Alerts are rate limited so a kiosk
// stuck in a failure loop does not flood the operator's inbox.
type Client struct {
	resend    *resend.Client
	fromEmail string
	fromName  string
	toEmail   string

	mu          sync.Mutex
	minInterval time.Duration
	lastSent    map[string]time.Time
	now         func() time.Time
}

// NewClient creates an alert client from the environment. Returns an error
// when the API key or operator address is missing; callers treat that as
// alerting disabled rather than fatal.
func NewClient() (*Client, error) {
	apiKey := os.Getenv("RESEND_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY environment variable is required")
	}
	if config.OperatorEmail == "" {
		return nil, fmt.Errorf("OPERATOR_EMAIL environment variable is required")
	}

	return &Client{
		resend:      resend.NewClient(apiKey),
		fromEmail:   config.EmailFromAddress,
		fromName:    config.EmailFromName,
		toEmail:     config.OperatorEmail,
		minInterval: config.AlertMinInterval,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}, nil
}

// SendStorageAlert notifies the operator that the durable store is full.
// At most one alert per kind is sent per rate-limit window; suppressed
// alerts return nil.
func (c *Client) SendStorageAlert(kioskID string, usedBytes, maxBytes int64, queueDepth int) error {
	if !c.allow("storage_exhaustion") {
		return nil
	}

	subject := fmt.Sprintf("SurveyKiosk alert: %s storage full", kioskID)

	content := templates.GetStorageAlertContent(templates.StorageAlertProps{
		KioskID:    kioskID,
		UsedBytes:  usedBytes,
		MaxBytes:   maxBytes,
		QueueDepth: queueDepth,
	})

	htmlContent := templates.GetEmailLayout(templates.EmailLayoutProps{
		Content: content,
	})

	request := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", c.fromName, c.fromEmail),
		To:      []string{c.toEmail},
		Subject: subject,
		Html:    htmlContent,
	}

	_, err := c.resend.Emails.Send(request)
	if err != nil {
		return fmt.Errorf("failed to send storage alert: %w", err)
	}

	return nil
}

// allow records and enforces the per-kind rate limit.
func (c *Client) allow(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lastSent[kind]; ok && now.Sub(last) < c.minInterval {
		return false
	}
	c.lastSent[kind] = now
	return true
}
