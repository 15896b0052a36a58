package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/beacon/kafkafeed"
	"github.com/mohammed-shakir/critical-images/internal/core/httpclient"
	"github.com/mohammed-shakir/critical-images/internal/logger"
)

// Sender delivers one beacon and releases its resources on Close.
type Sender interface {
	Send(ctx context.Context, w kafkafeed.WireBeacon) error
	Close() error
}

func (c *CLI) newBeaconCmd() *cobra.Command {
	var (
		url, device, nonce, endpoint string
		images                       []string
	)
	cmd := &cobra.Command{
		Use:   "beacon",
		Short: "Send a beacon for one page load",
		Long: "Send a beacon for one page load. Each --image is URL[,viewport][,css].\n" +
			"Beacons go to the Kafka topic unless --endpoint names a finder server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := kafkafeed.WireBeacon{
				URL:    url,
				Device: device,
				Nonce:  nonce,
				TS:     time.Now().UTC(),
			}
			if !w.Page().Valid() {
				return errors.New("--url is required")
			}
			if w.Nonce == "" {
				w.Nonce = logger.NewID()
			}
			for _, raw := range images {
				img, err := ParseImage(raw)
				if err != nil {
					return err
				}
				w.Images = append(w.Images, img)
			}
			if len(w.Images) > beacon.MaxImages {
				return fmt.Errorf("at most %d images per beacon", beacon.MaxImages)
			}

			s, err := c.newSender(endpoint)
			if err != nil {
				return err
			}
			sendErr := s.Send(cmd.Context(), w)
			if err := errors.Join(sendErr, s.Close()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent beacon %s for %s (%d images)\n", w.Nonce, w.Page().Key(), len(w.Images))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL")
	cmd.Flags().StringVar(&device, "device", "", "device class (desktop, mobile, tablet)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "beacon nonce (random when empty)")
	cmd.Flags().StringArrayVar(&images, "image", nil, "image as URL[,viewport][,css]; repeatable")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "finder server base URL; beacons are POSTed to <endpoint>/beacon")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// ParseImage parses URL[,viewport][,css]. Flags may appear in any order.
func ParseImage(raw string) (beacon.Image, error) {
	parts := strings.Split(raw, ",")
	img := beacon.Image{URL: strings.TrimSpace(parts[0])}
	if img.URL == "" {
		return beacon.Image{}, fmt.Errorf("image %q: missing url", raw)
	}
	for _, p := range parts[1:] {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "viewport", "in_viewport":
			img.InViewport = true
		case "css":
			img.CSS = true
		case "":
		default:
			return beacon.Image{}, fmt.Errorf("image %q: unknown flag %q", raw, p)
		}
	}
	return img, nil
}

func (c *CLI) defaultSender(endpoint string) (Sender, error) {
	if endpoint != "" {
		return &httpSender{
			url:    strings.TrimRight(endpoint, "/") + "/beacon",
			client: httpclient.NewOutbound(10 * time.Second),
		}, nil
	}
	if len(c.cfg.Kafka.Brokers) == 0 || c.cfg.Kafka.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required without --endpoint")
	}
	pub, err := kafkafeed.NewPublisher(c.cfg.Kafka, c.log)
	if err != nil {
		return nil, err
	}
	return &kafkaSender{pub: pub}, nil
}

type kafkaSender struct {
	pub *kafkafeed.Publisher
}

func (k *kafkaSender) Send(_ context.Context, w kafkafeed.WireBeacon) error {
	if !k.pub.Publish(w) {
		return errors.New("beacon publish queue full")
	}
	return nil
}

// Close flushes the producer.
func (k *kafkaSender) Close() error { return k.pub.Close() }

type httpSender struct {
	url    string
	client *http.Client
}

func (h *httpSender) Send(ctx context.Context, w kafkafeed.WireBeacon) error {
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode beacon: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post beacon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post beacon: unexpected status %s", resp.Status)
	}
	return nil
}

func (h *httpSender) Close() error { return nil }
