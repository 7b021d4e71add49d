// Package parser extracts task-offer metadata from portal notification
// emails. Extraction prefers the rendered HTML table structure (label cell
// followed by value cell) and falls back to regex scans over the raw text.
// Labels are language dependent; the order ID and accept URL are not.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	orderIDPattern = regexp.MustCompile(`\[#(\d+)\]`)

	acceptURLPattern = regexp.MustCompile(
		`https://projects\.moravia\.com/Task/[^\s<>"']+/detail/notification\?command=Accept`)

	statusFallback = regexp.MustCompile(`Status[:\s]*['"]?([A-Za-z ]+)['"]?`)

	amountFallback = regexp.MustCompile(`amountWords[:\s]*['"]?([\d.,]+)`)

	plannedEndFallback = regexp.MustCompile(`plannedEndDate[:\s]*['"]?([^'"<\n]+)`)
)

// Input is one notification email, already decoded to UTF-8.
type Input struct {
	Subject         string
	TextBody        string
	HTMLBody        string
	ContentLanguage string
}

// Result carries the fields extracted from one email. Missing string fields
// are empty; a missing word amount is nil so zero stays distinguishable from
// absent. One email can offer several tasks, so all accept URLs are kept.
type Result struct {
	OrderID        string
	WorkflowName   string
	Status         string
	AmountWords    *float64
	PlannedEndDate string
	AcceptURLs     []string
	Language       string
}

// OnHold reports whether the offer status means the task cannot be accepted
// yet.
func (r Result) OnHold() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "on hold")
}

// Parse extracts a task offer from an email. It never fails on missing
// fields; only an unreadable HTML body yields an error.
func Parse(in Input) (Result, error) {
	raw := in.Subject + "\n" + in.TextBody + "\n" + in.HTMLBody

	var doc *goquery.Document
	htmlLang := ""
	if in.HTMLBody != "" {
		var err error
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(in.HTMLBody))
		if err != nil {
			return Result{}, fmt.Errorf("parsing html body: %w", err)
		}
		htmlLang, _ = doc.Find("html").First().Attr("lang")
	}

	res := Result{Language: DetectLanguage(in.ContentLanguage, htmlLang, raw)}
	labels := labelPacks[res.Language]

	if m := orderIDPattern.FindStringSubmatch(raw); m != nil {
		res.OrderID = m[1]
	}
	res.AcceptURLs = dedupe(acceptURLPattern.FindAllString(raw, -1))

	res.WorkflowName = adjacentCell(doc, labels.workflowName)

	res.Status = adjacentCell(doc, labels.status)
	if res.Status == "" {
		if m := statusFallback.FindStringSubmatch(raw); m != nil {
			res.Status = strings.TrimSpace(m[1])
		}
	}

	amountText := adjacentCell(doc, labels.amounts)
	if amountText == "" {
		if m := amountFallback.FindStringSubmatch(raw); m != nil {
			amountText = m[1]
		}
	}
	if amountText != "" {
		if v, ok := parseAmount(amountText); ok {
			res.AmountWords = &v
		}
	}

	endText := adjacentCell(doc, labels.plannedEnd)
	if endText == "" {
		if m := plannedEndFallback.FindStringSubmatch(raw); m != nil {
			endText = m[1]
		}
	}
	if endText != "" {
		res.PlannedEndDate = NormalizeDate(endText)
	}

	return res, nil
}

// adjacentCell finds the table cell labeled with the given text and returns
// the trimmed text of the cell next to it.
func adjacentCell(doc *goquery.Document, label string) string {
	if doc == nil || label == "" {
		return ""
	}
	value := ""
	doc.Find("td,th").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		text = strings.TrimSuffix(text, ":")
		text = strings.TrimSuffix(text, "：")
		if !strings.EqualFold(strings.TrimSpace(text), label) {
			return true
		}
		value = strings.TrimSpace(s.Next().Text())
		return value == ""
	})
	return value
}

var numberPattern = regexp.MustCompile(`\d[\d.]*`)

// parseAmount turns "12,000" or "3500.5 words" into a number. Commas and
// spaces are thousands separators; the dot is the decimal mark.
func parseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	num := numberPattern.FindString(s)
	if num == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func dedupe(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
