package gmail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

func service(t *testing.T, h http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(), zerolog.Nop(), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestGetProfile(t *testing.T) {
	calls := 0
	s := service(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/gmail/v1/users/me/profile" {
			http.NotFound(w, r)
			return
		}
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"code":429,"message":"slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emailAddress":"me@example.com","messagesTotal":1234,"threadsTotal":900,"historyId":"77"}`)
	})

	got, err := s.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	want := &Profile{EmailAddress: "me@example.com", MessagesTotal: 1234, ThreadsTotal: 900, HistoryID: 77}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetProfile() mismatch (-want +got):\n%s", diff)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2", calls)
	}
}

func TestGetProfileError(t *testing.T) {
	s := service(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":401,"message":"invalid credentials"}}`)
	})
	if _, err := s.GetProfile(context.Background()); err == nil {
		t.Errorf("GetProfile() succeeded, want error")
	}
}
