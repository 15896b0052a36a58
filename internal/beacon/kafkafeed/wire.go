package kafkafeed

import (
	"time"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/critical"
)

// WireBeacon is the JSON message carried on the beacon topic and accepted
// by the HTTP intake.
type WireBeacon struct {
	URL    string         `json:"url"`
	Device string         `json:"device,omitempty"`
	Nonce  string         `json:"nonce,omitempty"`
	TS     time.Time      `json:"ts,omitempty"`
	Images []beacon.Image `json:"images"`
}

func (w WireBeacon) Page() critical.Page {
	return critical.NewPage(w.URL, w.Device)
}

func (w WireBeacon) Beacon() beacon.Beacon {
	return beacon.Beacon{
		Page:   w.Page(),
		Nonce:  w.Nonce,
		At:     w.TS,
		Images: w.Images,
	}
}
