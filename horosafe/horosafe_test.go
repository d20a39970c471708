package horosafe

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	// WHAT: Target and webhook URLs are refused for non-HTTP schemes and internal addresses.
	// WHY: Target lists come from config files and the API; a fetch must never reach the host's own network.
	tests := []struct {
		name string
		url  string
		want error
	}{
		{"public pricing page", "https://93.184.216.34/pricing", nil},
		{"public webhook", "http://8.8.8.8/hook", nil},
		{"ftp target", "ftp://evil.com/data", ErrUnsafeScheme},
		{"script url", "javascript:alert(1)", ErrUnsafeScheme},
		{"loopback", "http://127.0.0.1/admin", ErrSSRF},
		{"localhost name", "http://localhost:8080/", ErrSSRF},
		{"rfc1918 10/8", "http://10.0.0.1/internal", ErrSSRF},
		{"rfc1918 192.168/16", "http://192.168.1.1/api", ErrSSRF},
		{"rfc1918 172.16/12", "http://172.16.0.1/secret", ErrSSRF},
		{"ipv6 loopback", "http://[::1]/api", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	if err := ValidateURL("http:///nohost"); err == nil {
		t.Error("missing host: expected error")
	}
}

func TestParseHTTPURL_NoNetwork(t *testing.T) {
	u, err := ParseHTTPURL("https://acme.example/news?page=2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "acme.example" || u.RawQuery != "page=2" {
		t.Fatalf("parsed: got host %q query %q", u.Host, u.RawQuery)
	}
	if _, err := ParseHTTPURL("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("file url: got %v, want ErrUnsafeScheme", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	page := "<html>" + strings.Repeat("x", 94) + "</html>"
	got, err := LimitedReadAll(strings.NewReader(page), 200)
	if err != nil || string(got) != page {
		t.Fatalf("under limit: got %d bytes, %v", len(got), err)
	}
	if got, err := LimitedReadAll(strings.NewReader(page), int64(len(page))); err != nil || len(got) != len(page) {
		t.Fatalf("exactly at limit: got %d bytes, %v", len(got), err)
	}
	if _, err := LimitedReadAll(strings.NewReader(page), 50); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: got %v, want ErrTooLarge", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"127.0.0.1", "10.0.0.1", "172.16.0.1", "192.168.0.1", "100.64.1.1", "0.0.0.0", "::1"}
	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34"}
	for _, s := range private {
		if !isPrivateIP(net.ParseIP(s)) {
			t.Errorf("%s: reported public", s)
		}
	}
	for _, s := range public {
		if isPrivateIP(net.ParseIP(s)) {
			t.Errorf("%s: reported private", s)
		}
	}
}
