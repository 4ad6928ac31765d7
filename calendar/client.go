// Package calendar implements engine.CalendarAdapter against an HTTP
// calendar gateway.
//
// Wire contract of the gateway:
//
//	POST   /tutors/{tutorId}/events          body: Event  -> 200/201 {"eventRef": "..."}
//	PATCH  /tutors/{tutorId}/events/{ref}    body: Event  -> 2xx
//	DELETE /tutors/{tutorId}/events/{ref}                 -> 2xx, 404 counts as deleted
package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/lesson-engine/engine"
)

// Event is the body sent for push and patch.
type Event struct {
	Subject  string    `json:"subject"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"timeZone"`
}

type pushAnswer struct {
	EventRef string `json:"eventRef"`
}

type Client struct {
	http *resty.Client
}

// NewClient creates a client for the gateway at baseURL. timeout bounds each
// call; the outbox retries failures.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func eventOf(slot engine.Slot) Event {
	return Event{Subject: slot.Subject, Start: slot.StartTime, End: slot.EndTime, TimeZone: slot.TimeZone}
}

func (c *Client) PushEvent(ctx context.Context, tutorID engine.AccountID, slot engine.Slot) (string, error) {
	var answer pushAnswer
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("tutor", string(tutorID)).
		SetBody(eventOf(slot)).
		SetResult(&answer).
		Post("/tutors/{tutor}/events")
	if err != nil {
		return "", fmt.Errorf("calendar push: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return answer.EventRef, nil
	default:
		return "", fmt.Errorf("calendar push status: %d", resp.StatusCode())
	}
}

func (c *Client) PatchEvent(ctx context.Context, tutorID engine.AccountID, eventRef string, slot engine.Slot) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tutor": string(tutorID), "ref": eventRef}).
		SetBody(eventOf(slot)).
		Patch("/tutors/{tutor}/events/{ref}")
	if err != nil {
		return fmt.Errorf("calendar patch: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("calendar patch status: %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, tutorID engine.AccountID, eventRef string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tutor": string(tutorID), "ref": eventRef}).
		Delete("/tutors/{tutor}/events/{ref}")
	if err != nil {
		return fmt.Errorf("calendar delete: %w", err)
	}
	if resp.IsSuccess() || resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("calendar delete status: %d", resp.StatusCode())
}

// Noop is used when no calendar gateway is configured.
type Noop struct{}

func (Noop) PushEvent(context.Context, engine.AccountID, engine.Slot) (string, error) {
	return "", nil
}

func (Noop) PatchEvent(context.Context, engine.AccountID, string, engine.Slot) error { return nil }

func (Noop) DeleteEvent(context.Context, engine.AccountID, string) error { return nil }
