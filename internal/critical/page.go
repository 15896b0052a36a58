// Package critical defines the critical-image domain: page identities,
// per-page records, the staleness policy and the merge of beacon evidence.
package critical

import (
	"net"
	"net/url"
	"strings"
)

// Device classes partition critical-image knowledge per requesting client.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Page identifies one logical page as seen by one client class.
type Page struct {
	URL    string
	Device string
}

// NewPage normalizes rawURL and device into a Page.
func NewPage(rawURL, device string) Page {
	return Page{URL: NormalizeURL(rawURL), Device: NormalizeDevice(device)}
}

// Key is the stable store key for the page.
func (p Page) Key() string {
	d := p.Device
	if d == "" {
		d = DeviceDesktop
	}
	return d + "|" + p.URL
}

func (p Page) Valid() bool {
	return strings.TrimSpace(p.URL) != ""
}

func (p Page) String() string { return p.Key() }

func NormalizeDevice(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case DeviceMobile, "phone":
		return DeviceMobile
	case DeviceTablet:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}

// NormalizeURL lower-cases scheme and host, drops the fragment and the
// default port. Unparseable input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
