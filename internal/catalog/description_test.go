package catalog

import (
	"strings"
	"testing"

	"finitefield.org/market-web/internal/order"
)

func TestRenderDescription(t *testing.T) {
	got := string(RenderDescription("Solid teak with a **hand-rubbed oil** finish."))
	if got != "<p>Solid teak with a <strong>hand-rubbed oil</strong> finish.</p>" {
		t.Fatalf("unexpected html %q", got)
	}
}

func TestRenderDescriptionStripsScripts(t *testing.T) {
	got := string(RenderDescription("Nice <script>alert(1)</script> chair\n\n[site](https://example.com)"))
	if strings.Contains(got, "<script") {
		t.Fatalf("script survived sanitising: %q", got)
	}
	if !strings.Contains(got, `rel="nofollow"`) {
		t.Fatalf("expected nofollow on links: %q", got)
	}
}

func TestRenderDescriptionEmpty(t *testing.T) {
	if got := RenderDescription("   "); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(order.Product{ID: "p1", Name: "Desk", Images: []string{"a.jpg", "b.jpg"}, Description: "_oak_"})
	if s.Image != "a.jpg" {
		t.Fatalf("expected primary image, got %q", s.Image)
	}
	if string(s.DescriptionHTML) != "<p><em>oak</em></p>" {
		t.Fatalf("unexpected description %q", s.DescriptionHTML)
	}
}
