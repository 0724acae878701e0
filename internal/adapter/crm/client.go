// Package crm is a resty-based client for the CRM REST API.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/domain/lead"
	crmport "github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/resilience"
)

// API versions pinned per endpoint family.
const (
	versionContacts  = "2021-07-28"
	versionCalendars = "2021-04-15"
)

// APIError is a non-2xx CRM response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm status %d: %s", e.Status, e.Body)
}

// IsUpstreamFailure reports whether err should count against the breaker:
// transport errors and 5xx do, client errors do not.
func IsUpstreamFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

// Client implements crm.Client and crm.TokenExchanger.
type Client struct {
	http    *resty.Client
	cfg     config.CRM
	breaker *resilience.Breaker

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

var (
	_ crmport.Client         = (*Client)(nil)
	_ crmport.TokenExchanger = (*Client)(nil)
)

// NewClient creates a CRM client. breaker may be nil.
func NewClient(cfg config.CRM, breaker *resilience.Breaker) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "autoreply/1.0").
		SetTimeout(cfg.Timeout)

	return &Client{
		http:     httpClient,
		cfg:      cfg,
		breaker:  breaker,
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) limiter(locationID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[locationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
		c.limiters[locationID] = lim
	}
	return lim
}

// do runs one authenticated call under the location's rate limit and the
// breaker. out, when non-nil, receives the decoded body.
func (c *Client) do(ctx context.Context, s crmport.Session, method, path, version string, body, out any) ([]byte, error) {
	if err := c.limiter(s.LocationID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("crm rate limit: %w", err)
	}

	var raw []byte
	call := func(ctx context.Context) error {
		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(s.AccessToken).
			SetHeader("Version", version)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return fmt.Errorf("crm %s %s: %w", method, path, err)
		}
		if resp.IsError() {
			return &APIError{Status: resp.StatusCode(), Body: resp.String()}
		}
		raw = resp.Body()
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("crm decode %s: %w", path, err)
		}
	}
	return raw, nil
}

// GetContact fetches the contact, retrying while the CRM has not yet
// materialized it.
func (c *Client) GetContact(ctx context.Context, s crmport.Session, contactID string) (*lead.Contact, error) {
	for attempt := 0; ; attempt++ {
		var result struct {
			Contact *lead.Contact `json:"contact"`
		}
		_, err := c.do(ctx, s, http.MethodGet, "/contacts/"+contactID, versionContacts, nil, &result)
		var apiErr *APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound) {
			return nil, fmt.Errorf("get contact %s: %w", contactID, err)
		}
		if result.Contact != nil {
			return result.Contact, nil
		}
		if attempt >= c.cfg.ContactRetries {
			return nil, fmt.Errorf("get contact %s: %w", contactID, domain.ErrNotFound)
		}
		if err := c.sleep(ctx, c.cfg.ContactRetryDelay); err != nil {
			return nil, err
		}
	}
}

type tagsBody struct {
	Tags []string `json:"tags"`
}

func (c *Client) AddTag(ctx context.Context, s crmport.Session, contactID, tag string) (json.RawMessage, error) {
	raw, err := c.do(ctx, s, http.MethodPost, "/contacts/"+contactID+"/tags", versionContacts, tagsBody{Tags: []string{tag}}, nil)
	if err != nil {
		return nil, fmt.Errorf("add tag %q: %w", tag, err)
	}
	return raw, nil
}

func (c *Client) RemoveTag(ctx context.Context, s crmport.Session, contactID, tag string) (json.RawMessage, error) {
	raw, err := c.do(ctx, s, http.MethodDelete, "/contacts/"+contactID+"/tags", versionContacts, tagsBody{Tags: []string{tag}}, nil)
	if err != nil {
		return nil, fmt.Errorf("remove tag %q: %w", tag, err)
	}
	return raw, nil
}

// FreeSlots returns the raw availability document of a calendar.
func (c *Client) FreeSlots(ctx context.Context, s crmport.Session, calendarID string) (json.RawMessage, error) {
	path := "/calendars/" + calendarID + "/free-slots?startDate=0&endDate=2000000000000000"
	raw, err := c.do(ctx, s, http.MethodGet, path, versionCalendars, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("free slots %s: %w", calendarID, err)
	}
	return raw, nil
}

func (c *Client) ContactAppointments(ctx context.Context, s crmport.Session, contactID string) ([]crmport.Appointment, error) {
	var result struct {
		Events []crmport.Appointment `json:"events"`
	}
	if _, err := c.do(ctx, s, http.MethodGet, "/contacts/"+contactID+"/appointments", versionContacts, nil, &result); err != nil {
		return nil, fmt.Errorf("contact appointments %s: %w", contactID, err)
	}
	return result.Events, nil
}

func (c *Client) CancelAppointment(ctx context.Context, s crmport.Session, contactID string, a crmport.Appointment) error {
	body := map[string]string{
		"calendarId":        a.CalendarID,
		"locationId":        s.LocationID,
		"contactId":         contactID,
		"appointmentStatus": "cancelled",
	}
	if _, err := c.do(ctx, s, http.MethodPut, "/calendars/events/appointments/"+a.ID, versionCalendars, body, nil); err != nil {
		return fmt.Errorf("cancel appointment %s: %w", a.ID, err)
	}
	return nil
}

func (c *Client) BookAppointment(ctx context.Context, s crmport.Session, req crmport.BookingRequest) (json.RawMessage, error) {
	req.ToNotify = true
	raw, err := c.do(ctx, s, http.MethodPost, "/calendars/events/appointments", versionCalendars, req, nil)
	if err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}
	return raw, nil
}

func (c *Client) SendSMS(ctx context.Context, s crmport.Session, contactID, message string) error {
	body := map[string]string{"type": "SMS", "contactId": contactID, "message": message}
	if _, err := c.do(ctx, s, http.MethodPost, "/conversations/messages", versionCalendars, body, nil); err != nil {
		return fmt.Errorf("send sms to %s: %w", contactID, err)
	}
	return nil
}

// RefreshToken exchanges a refresh token at the OAuth token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*credential.Grant, error) {
	var grant credential.Grant
	call := func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"client_id":     c.cfg.ClientID,
				"client_secret": c.cfg.ClientSecret,
				"grant_type":    "refresh_token",
				"refresh_token": refreshToken,
				"user_type":     c.cfg.UserType,
			}).
			SetResult(&grant).
			Post(c.cfg.TokenURL)
		if err != nil {
			return fmt.Errorf("token request: %w", err)
		}
		if resp.IsError() {
			return &APIError{Status: resp.StatusCode(), Body: resp.String()}
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, errors.New("refresh access token: empty access_token in response")
	}
	return &grant, nil
}
