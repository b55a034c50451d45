package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/kwrank/connectivity"
	"github.com/hazyhaar/kwrank/horosafe"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		URLTemplate: srv.URL + "/search?term={term}&country={country}&lang={lang}&entity={entity}&limit={limit}",
		Headers:     map[string]string{"X-Api-Key": "${KWRANK_TEST_KEY}"},
	}, srv.Client())
}

func TestHandler_BuildsQuery(t *testing.T) {
	// WHAT: Query fields land in the URL, escaped; headers are env-expanded.
	// WHY: A wrong country or entity silently measures the wrong store.
	t.Setenv("KWRANK_TEST_KEY", "secret")
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		fmt.Fprint(w, `{"resultCount":0,"results":[]}`)
	})
	_, err := c.Handler()(context.Background(), Query{Term: "sleep & relax", Platform: "ios", Locale: "fr-FR"}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	q := got.URL.Query()
	if q.Get("term") != "sleep & relax" || q.Get("country") != "fr" || q.Get("lang") != "fr" || q.Get("entity") != "software" || q.Get("limit") != "200" {
		t.Fatalf("query = %v", q)
	}
	if got.Header.Get("X-Api-Key") != "secret" {
		t.Fatalf("header = %q", got.Header.Get("X-Api-Key"))
	}
}

func TestHandler_StatusClassification(t *testing.T) {
	// WHAT: 429 and 5xx are transient, other 4xx are permanent.
	for _, tc := range []struct {
		code      int
		transient bool
	}{
		{429, true}, {500, true}, {503, true}, {400, false}, {403, false}, {404, false},
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		})
		_, err := c.Handler()(context.Background(), Query{Term: "x", Platform: "ios", Locale: "us"}.Encode())
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.StatusCode != tc.code {
			t.Fatalf("%d: err = %v", tc.code, err)
		}
		if connectivity.IsTransient(err) != tc.transient {
			t.Errorf("%d: transient = %v, want %v", tc.code, !tc.transient, tc.transient)
		}
	}
}

func TestHandler_UnknownPlatform(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.Handler()(context.Background(), Query{Term: "x", Platform: "android"}.Encode()); err == nil {
		t.Fatal("expected error")
	}
}

func TestParsePage_ITunesShape(t *testing.T) {
	// WHAT: Ids in order, count from resultCount, position is 1-based.
	body := `{"resultCount":3,"results":[{"trackId":111},{"trackId":222},{"trackId":333}]}`
	p, err := ParsePage([]byte(body), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if p.ResultCount != 3 || len(p.IDs) != 3 || p.IDs[1] != "222" {
		t.Fatalf("page = %+v", p)
	}
	if pos := p.Position("222"); pos == nil || *pos != 2 {
		t.Fatalf("position = %v", pos)
	}
	if p.Position("999") != nil || p.Position("") != nil {
		t.Fatal("absent subject should have nil position")
	}
}

func TestParsePage_CapAndClamp(t *testing.T) {
	// WHAT: A count at the cap stays at the cap, larger or negative counts are clamped.
	// WHY: A capped count means "at least", and must never exceed the cap.
	cfg := DefaultConfig()
	for in, want := range map[string]int{`200`: 200, `5000`: 200, `-3`: 0, `"17"`: 17, `12.0`: 12} {
		p, err := ParsePage([]byte(`{"resultCount":`+in+`,"results":[]}`), cfg)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if p.ResultCount != want {
			t.Errorf("resultCount %s -> %d, want %d", in, p.ResultCount, want)
		}
	}
}

func TestParsePage_CustomShape(t *testing.T) {
	cfg := Config{ResultPath: "data.items", IDField: "app.id", CountField: "data.total", MaxResults: 50}
	body := `{"data":{"total":7,"items":[{"app":{"id":"com.a"}},{"app":{}},{"app":{"id":"com.b"}}]}}`
	p, err := ParsePage([]byte(body), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.ResultCount != 7 || strings.Join(p.IDs, ",") != "com.a,com.b" {
		t.Fatalf("page = %+v", p)
	}
}

func TestParsePage_CountFallsBackToItems(t *testing.T) {
	p, err := ParsePage([]byte(`{"results":[{"trackId":1},{"trackId":2}]}`), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if p.ResultCount != 2 {
		t.Fatalf("ResultCount = %d", p.ResultCount)
	}
}

func TestParsePage_DecodeErrors(t *testing.T) {
	for _, body := range []string{`not json`, `{"results":{}}`, `{"resultCount":true,"results":[]}`, `{"other":[]}`} {
		_, err := ParsePage([]byte(body), DefaultConfig())
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err = %v", body, err)
		}
		if connectivity.IsTransient(err) {
			t.Errorf("%s: decode error must be permanent", body)
		}
	}
}

func TestBuildURL_LocaleForms(t *testing.T) {
	c := NewClient(Config{URLTemplate: "https://example.com/s?c={country}&l={lang}&loc={locale}"}, nil)
	u, err := c.BuildURL(Query{Term: "x", Platform: "ios", Locale: "US"})
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://example.com/s?c=us&l=&loc=US" {
		t.Fatalf("url = %s", u)
	}
}

func TestValidate(t *testing.T) {
	if err := NewClient(Config{URLTemplate: "http://127.0.0.1/s?term={term}"}, nil).Validate(nil); !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("expected SSRF rejection, got %v", err)
	}
	if err := NewClient(Config{URLTemplate: "http://127.0.0.1/s?term={term}"}, nil).Validate(func(string) error { return nil }); err != nil {
		t.Fatalf("override ignored: %v", err)
	}
}
