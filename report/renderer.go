package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/treasury/web"
)

// PDFClient exposes the subset of the report client used by the renderer.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Renderer turns Documents into PDF bytes via html/template and Gotenberg.
type Renderer struct {
	templates map[DocumentType]*template.Template
	client    PDFClient
}

var templateFiles = map[DocumentType]string{
	DocumentAnalytical: "templates/reports/analytical.html",
	DocumentExtract:    "templates/reports/extract.html",
}

// NewRenderer parses the period report templates and wires the PDF client.
func NewRenderer(client PDFClient) (*Renderer, error) {
	if client == nil {
		return nil, fmt.Errorf("report renderer: pdf client required")
	}
	r := &Renderer{templates: make(map[DocumentType]*template.Template, len(templateFiles)), client: client}
	for typ, path := range templateFiles {
		tpl, err := template.New(typ.fileName()).Funcs(funcMap()).ParseFS(web.Templates, path, "templates/reports/layout.html")
		if err != nil {
			return nil, fmt.Errorf("report renderer: parse %s: %w", path, err)
		}
		r.templates[typ] = tpl
	}
	return r, nil
}

func (t DocumentType) fileName() string { return string(t) + ".html" }

// HTML executes the template for doc.
func (r *Renderer) HTML(doc Document) (string, error) {
	if r == nil || r.templates == nil {
		return "", fmt.Errorf("report renderer not initialised")
	}
	tpl, ok := r.templates[doc.Type]
	if !ok {
		return "", fmt.Errorf("report renderer: unknown document type %q", doc.Type)
	}
	buf := &bytes.Buffer{}
	if err := tpl.Execute(buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render executes the template and converts the HTML to PDF bytes.
func (r *Renderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	html, err := r.HTML(doc)
	if err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, html)
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02/01/2006")
		},
		"formatStamp": func(t time.Time) string {
			return t.UTC().Format("02/01/2006 15:04 UTC")
		},
		"money":    FormatMoney,
		"negative": func(d decimal.Decimal) bool { return d.IsNegative() },
	}
}

// FormatMoney formats d with two decimals using the grouping rules of tag.
func FormatMoney(tag language.Tag, d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	return message.NewPrinter(tag).Sprint(number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
