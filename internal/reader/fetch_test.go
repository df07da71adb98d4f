package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCleanTextCollapsesWhitespaceAndPreservesParagraphs(t *testing.T) {
	input := "  First   paragraph \n\n Second\tparagraph \r\n\r\nThird line "
	got := CleanText(input)
	want := "First paragraph\n\nSecond paragraph\n\nThird line"
	if got != want {
		t.Fatalf("CleanText mismatch\nwant: %q\ngot:  %q", want, got)
	}
}

func TestTruncateText(t *testing.T) {
	got, truncated := TruncateText("abcdefghijklmnopqrstuvwxyz", 10)
	if !truncated {
		t.Fatalf("expected truncated=true")
	}
	if got != "abcdefghi…" {
		t.Fatalf("unexpected truncated text: %q", got)
	}

	full, wasTruncated := TruncateText("short", 10)
	if wasTruncated || full != "short" {
		t.Fatalf("unexpected short text: %q truncated=%t", full, wasTruncated)
	}
}

func TestAbsoluteURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		ref  string
		want string
	}{
		{base: "https://asuracomic.net/series?page=1", ref: "series/solo-leveling", want: "https://asuracomic.net/series/solo-leveling"},
		{base: "https://asuracomic.net/series?page=1", ref: "/series/solo-leveling", want: "https://asuracomic.net/series/solo-leveling"},
		{base: "https://www.webtoons.com/en/genres", ref: "//swebtoon-phinf.pstatic.net/a.jpg", want: "https://swebtoon-phinf.pstatic.net/a.jpg"},
		{base: "https://www.webtoons.com", ref: "https://cdn.example.com/x.png", want: "https://cdn.example.com/x.png"},
		{base: "", ref: "/relative", want: "/relative"},
		{base: "https://x.test", ref: "   ", want: ""},
	}
	for _, tc := range tests {
		if got := AbsoluteURL(tc.base, tc.ref); got != tc.want {
			t.Fatalf("AbsoluteURL(%q, %q) = %q, want %q", tc.base, tc.ref, got, tc.want)
		}
	}
}

func TestFetcherSendsHeadersAndReportsStatus(t *testing.T) {
	t.Parallel()

	var gotAgent, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		gotAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("<html><head><title>ok</title></head><body><h1>Hello</h1></body></html>"))
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetchOptions{UserAgent: "toonrank-test", Accept: "text/html", Source: "test"})
	doc, _, err := fetcher.Document(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if got := doc.Find("h1").Text(); got != "Hello" {
		t.Fatalf("h1 = %q, want Hello", got)
	}
	if gotAgent != "toonrank-test" || gotAccept != "text/html" {
		t.Fatalf("headers user-agent=%q accept=%q", gotAgent, gotAccept)
	}

	_, err = fetcher.Get(context.Background(), srv.URL+"/missing")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Get() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", statusErr.StatusCode)
	}
}
