package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/critical/codec"
)

var ErrNoRecord = errors.New("no critical image record stored for page")

type evidenceView struct {
	Image   string  `json:"image"`
	Support float64 `json:"support"`
	Hits    float64 `json:"hits"`
	Ratio   float64 `json:"ratio"`
	At      string  `json:"at,omitempty"`
}

type recordView struct {
	Page        string         `json:"page"`
	Device      string         `json:"device"`
	Key         string         `json:"key"`
	Critical    []string       `json:"critical"`
	CSSCritical []string       `json:"css_critical"`
	Support     int64          `json:"support"`
	ComputedAt  string         `json:"computed_at,omitempty"`
	Fresh       bool           `json:"fresh"`
	Evidence    []evidenceView `json:"evidence,omitempty"`
	CSSEvidence []evidenceView `json:"css_evidence,omitempty"`
}

func (c *CLI) newInspectCmd() *cobra.Command {
	var url, device string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode and print the stored record of a page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			page := critical.NewPage(url, device)
			if !page.Valid() {
				return errors.New("--url is required")
			}

			store, closer, err := c.openStore(ctx, c.cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			b, ok, err := store.Get(ctx, c.cohort(), page.Key())
			if err != nil {
				return fmt.Errorf("read record: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoRecord, page.Key())
			}
			r, err := codec.Decode(b)
			if err != nil {
				return fmt.Errorf("decode record: %w", err)
			}

			view := recordView{
				Page:        page.URL,
				Device:      page.Device,
				Key:         page.Key(),
				Critical:    r.Critical.Sorted(),
				CSSCritical: r.CSSCritical.Sorted(),
				Support:     r.Support,
				ComputedAt:  formatTime(r.ComputedAt),
				Fresh:       c.cfg.Policy.Policy().Fresh(r, time.Now()),
				Evidence:    evidenceViews(r.Evidence),
				CSSEvidence: evidenceViews(r.CSSEvidence),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL")
	cmd.Flags().StringVar(&device, "device", "", "device class (desktop, mobile, tablet)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func evidenceViews(m map[string]critical.Evidence) []evidenceView {
	out := make([]evidenceView, 0, len(m))
	for id, e := range m {
		out = append(out, evidenceView{
			Image:   id,
			Support: e.Support,
			Hits:    e.Hits,
			Ratio:   e.Ratio(),
			At:      formatTime(e.At),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
