package findertest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/finder"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

var page = critical.NewPage("https://example.com/", "desktop")

func TestMock_ServesConfiguredSets(t *testing.T) {
	m := New()
	d := finder.NewDriver(page, nil)
	if m.IsMeaningful(d) {
		t.Fatalf("mock without sets must not be meaningful")
	}

	m.SetCriticalImages(critical.NewImageSet("img1"), critical.NewImageSet("bg.png"))
	if !m.IsMeaningful(d) {
		t.Fatalf("mock with sets should be meaningful")
	}
	if _, err := m.CriticalImages(d); !errors.Is(err, finder.ErrNotInitialized) {
		t.Fatalf("err=%v want ErrNotInitialized", err)
	}

	m.UpdateCriticalImagesSetInDriver(context.Background(), d)
	html, _ := m.CriticalImages(d)
	css, _ := m.CSSCriticalImages(d)
	if !html.Equal(critical.NewImageSet("img1")) || !css.Equal(critical.NewImageSet("bg.png")) {
		t.Fatalf("html=%v css=%v", html.Sorted(), css.Sorted())
	}
	if !m.IsHTMLCriticalImage(d, "img1") || m.IsHTMLCriticalImage(d, "bg.png") || !m.IsCSSCriticalImage(d, "bg.png") {
		t.Fatalf("membership queries disagree with sets")
	}

	// the driver keeps what it loaded
	m.SetCriticalImages(critical.NewImageSet("img2"), nil)
	m.UpdateCriticalImagesSetInDriver(context.Background(), d)
	html, _ = m.CriticalImages(d)
	if !html.Has("img1") {
		t.Fatalf("second update replaced driver state: %v", html.Sorted())
	}
}

func TestMock_CohortNotConfigured(t *testing.T) {
	m := New()
	if _, err := m.CriticalImagesCohort(); !errors.Is(err, finder.ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}
	c := propertystore.Cohort{Name: "critical_images"}
	got, err := m.WithCohort(c).CriticalImagesCohort()
	if err != nil || got != c {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestMock_CountsComputeCalls(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ComputeCriticalImages(context.Background(), finder.NewDriver(page, nil))
			_ = m.NumComputeCalls()
		}()
	}
	wg.Wait()
	if n := m.NumComputeCalls(); n != 8 {
		t.Fatalf("compute calls=%d want 8", n)
	}
}
