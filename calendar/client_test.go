package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/engine"
)

var slot = engine.Slot{
	Subject:   "maths",
	StartTime: time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC),
	EndTime:   time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC),
	TimeZone:  "Europe/Paris",
}

type recorded struct {
	method string
	path   string
	event  Event
}

func gateway(t *testing.T, status int, body string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path}
		if r.Body != nil && r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.event)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestPushEvent(t *testing.T) {
	// GIVEN: a gateway answering with an event ref
	srv, calls := gateway(t, http.StatusCreated, `{"eventRef":"evt-42"}`)
	c := NewClient(srv.URL, time.Second)

	// WHEN: pushing a slot
	ref, err := c.PushEvent(context.Background(), "tutor-1", slot)

	// THEN: the ref is returned and the body carries the slot
	require.NoError(t, err)
	assert.Equal(t, "evt-42", ref)
	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/tutors/tutor-1/events", got.path)
	assert.Equal(t, "maths", got.event.Subject)
	assert.Equal(t, "Europe/Paris", got.event.TimeZone)
	assert.True(t, got.event.Start.Equal(slot.StartTime))
	assert.True(t, got.event.End.Equal(slot.EndTime))
}

func TestPushEvent_ServerErrorFails(t *testing.T) {
	srv, _ := gateway(t, http.StatusBadGateway, `{}`)
	c := NewClient(srv.URL, time.Second)

	_, err := c.PushEvent(context.Background(), "tutor-1", slot)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPatchEvent(t *testing.T) {
	srv, calls := gateway(t, http.StatusNoContent, ``)
	c := NewClient(srv.URL, time.Second)

	err := c.PatchEvent(context.Background(), "tutor-1", "evt-42", slot)

	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPatch, (*calls)[0].method)
	assert.Equal(t, "/tutors/tutor-1/events/evt-42", (*calls)[0].path)
}

func TestPatchEvent_Rejected(t *testing.T) {
	srv, _ := gateway(t, http.StatusConflict, `{}`)
	c := NewClient(srv.URL, time.Second)

	err := c.PatchEvent(context.Background(), "tutor-1", "evt-42", slot)

	require.Error(t, err)
}

func TestDeleteEvent(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"already gone", http.StatusNotFound, false},
		{"gateway down", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := gateway(t, tt.status, ``)
			c := NewClient(srv.URL, time.Second)

			err := c.DeleteEvent(context.Background(), "tutor-1", "evt-42")

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, *calls, 1)
			assert.Equal(t, http.MethodDelete, (*calls)[0].method)
			assert.Equal(t, "/tutors/tutor-1/events/evt-42", (*calls)[0].path)
		})
	}
}

func TestNoop(t *testing.T) {
	var adapter engine.CalendarAdapter = Noop{}
	ref, err := adapter.PushEvent(context.Background(), "tutor-1", slot)
	require.NoError(t, err)
	assert.Empty(t, ref)
	require.NoError(t, adapter.PatchEvent(context.Background(), "tutor-1", "x", slot))
	require.NoError(t, adapter.DeleteEvent(context.Background(), "tutor-1", "x"))
}
