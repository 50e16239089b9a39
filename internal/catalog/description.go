// Package catalog renders product content for the checkout summary.
package catalog

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"finitefield.org/market-web/internal/order"
)

var (
	markdown          = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
	descriptionPolicy = newDescriptionPolicy()
)

// RenderDescription converts a markdown product description to sanitized HTML.
func RenderDescription(src string) template.HTML {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(strings.TrimSpace(descriptionPolicy.Sanitize(buf.String())))
}

// Summary is the product block shown beside the checkout form.
type Summary struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Image           string        `json:"image,omitempty"`
	Sizes           []string      `json:"sizes,omitempty"`
	DescriptionHTML template.HTML `json:"descriptionHtml,omitempty"`
}

// Summarize builds the summary block for a product.
func Summarize(p order.Product) Summary {
	return Summary{
		ID:              p.ID,
		Name:            p.Name,
		Image:           p.PrimaryImage(),
		Sizes:           p.Sizes,
		DescriptionHTML: RenderDescription(p.Description),
	}
}

func newDescriptionPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("loading").OnElements("img")
	policy.RequireNoFollowOnLinks(true)
	return policy
}
