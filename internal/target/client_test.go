package target

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverylab/validator/internal/demoapp"
)

func TestSyncBugConverges(t *testing.T) {
	svc := demoapp.NewService()
	ts := httptest.NewServer(svc.Router())
	defer ts.Close()

	client := NewClient(ts.URL, 0)

	got, err := client.SyncBug(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, svc.BugEnabled())

	// Already in the desired state: no flip.
	got, err = client.SyncBug(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, got)
	assert.True(t, svc.BugEnabled())

	got, err = client.SyncBug(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, got)
	assert.False(t, svc.BugEnabled())
}

func TestSyncBugIsBounded(t *testing.T) {
	var flips int32
	// A target whose toggle never changes.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&flips, 1)
		}
		w.Write([]byte(`{"enabled":false}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, 3)
	got, err := client.SyncBug(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flips))
}

func TestSyncBugNonOKAssumesDesired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	got, err := NewClient(ts.URL, 3).SyncBug(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSyncBugUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, 3).SyncBug(context.Background(), true)
	assert.Error(t, err)
}
