package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	uuid "github.com/satori/go.uuid"
	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"
)

func TestClient_Verify(t *testing.T) {
	userID := uuid.NewV4()

	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("content-type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"email":"buyer@example.com"}`, userID)
	}))
	defer srv.Close()

	c, err := NewWithHTTPClient(srv.URL, srv.Client())
	must.NoError(t, err)

	t.Run("valid_token", func(t *testing.T) {
		u, err := c.Verify(context.Background(), "good-token")
		must.NoError(t, err)

		should.Equal(t, userID, u.ID)
		should.Equal(t, "buyer@example.com", u.Email)
	})

	t.Run("cached_second_call", func(t *testing.T) {
		before := atomic.LoadInt32(&hits)

		u, err := c.Verify(context.Background(), "good-token")
		must.NoError(t, err)

		should.Equal(t, userID, u.ID)
		should.Equal(t, before, atomic.LoadInt32(&hits))
	})

	t.Run("bad_token", func(t *testing.T) {
		_, err := c.Verify(context.Background(), "bad-token")
		should.Equal(t, ErrUnauthorized, err)
	})

	t.Run("empty_token", func(t *testing.T) {
		before := atomic.LoadInt32(&hits)

		_, err := c.Verify(context.Background(), "")
		should.Equal(t, ErrUnauthorized, err)
		should.Equal(t, before, atomic.LoadInt32(&hits))
	})
}
