package app

import "testing"

func TestAdvertisedURLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		addr     string
		wantHTTP string
		wantWS   string
	}{
		{name: "default port only", addr: ":8000", wantHTTP: "http://127.0.0.1:8000", wantWS: "ws://127.0.0.1:8000"},
		{name: "loopback", addr: "127.0.0.1:8080", wantHTTP: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080"},
		{name: "bind all v4", addr: "0.0.0.0:8080", wantHTTP: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080"},
		{name: "bind all v6", addr: "[::]:9090", wantHTTP: "http://127.0.0.1:9090", wantWS: "ws://127.0.0.1:9090"},
		{name: "named host", addr: "chat.internal:8000", wantHTTP: "http://chat.internal:8000", wantWS: "ws://chat.internal:8000"},
		{name: "ipv6 literal", addr: "[2001:db8::1]:9090", wantHTTP: "http://[2001:db8::1]:9090", wantWS: "ws://[2001:db8::1]:9090"},
		{name: "unparseable kept", addr: "localhost", wantHTTP: "http://localhost", wantWS: "ws://localhost"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			base := runtimeBaseURL(tc.addr)
			if base != tc.wantHTTP {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.addr, base, tc.wantHTTP)
			}
			if ws := wsBaseURL(base); ws != tc.wantWS {
				t.Fatalf("wsBaseURL(%q)=%q want=%q", base, ws, tc.wantWS)
			}
		})
	}
}

func TestWSBaseURL_TLSAndBare(t *testing.T) {
	t.Parallel()

	if got := wsBaseURL("https://chat.example.com"); got != "wss://chat.example.com" {
		t.Fatalf("https mapped to %q", got)
	}
	if got := wsBaseURL("chat.example.com:8000"); got != "ws://chat.example.com:8000" {
		t.Fatalf("bare host mapped to %q", got)
	}
}
