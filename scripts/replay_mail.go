//go:build ignore
// +build ignore

// Replay saved portal notifications through the extraction pipeline.
//
// Feed it raw RFC 822 files (the kind `saveAsEml` in most mail clients
// produces, or a doveadm fetch dump) and it prints what the intake service
// would have extracted: order id, workflow, status, word amount, planned
// end, and every accept link. Handy when the portal changes its template
// and a mailbox suddenly stops producing offers.
//
// Usage:
//
//	go run scripts/replay_mail.go --file=notification.eml
//	go run scripts/replay_mail.go --dir=samples/ --json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/ignite/portal-intake/internal/parser"
)

func main() {
	var (
		file    = flag.String("file", "", "single .eml file to replay")
		dir     = flag.String("dir", "", "directory of .eml files to replay")
		asJSON  = flag.Bool("json", false, "emit one JSON object per message")
		verbose = flag.Bool("v", false, "also print the decoded bodies")
	)
	flag.Parse()

	if *file == "" && *dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	paths := collectPaths(*file, *dir)
	if len(paths) == 0 {
		log.Fatal("no .eml files found")
	}

	failures := 0
	for _, path := range paths {
		if err := replay(path, *asJSON, *verbose); err != nil {
			log.Printf("%s: %v", path, err)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func collectPaths(file, dir string) []string {
	if file != "" {
		return []string{file}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("reading %s: %v", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".eml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

func replay(path string, asJSON, verbose bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	in, err := decode(f)
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	res, err := parser.Parse(in)
	if err != nil {
		return fmt.Errorf("parsing: %w", err)
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"file":           path,
			"subject":        in.Subject,
			"language":       res.Language,
			"orderId":        res.OrderID,
			"workflowName":   res.WorkflowName,
			"status":         res.Status,
			"amountWords":    res.AmountWords,
			"plannedEndDate": res.PlannedEndDate,
			"acceptUrls":     res.AcceptURLs,
			"onHold":         res.OnHold(),
		})
	}

	fmt.Printf("=== %s\n", path)
	fmt.Printf("  subject:     %s\n", in.Subject)
	fmt.Printf("  language:    %s\n", res.Language)
	fmt.Printf("  order:       %s\n", orDash(res.OrderID))
	fmt.Printf("  workflow:    %s\n", orDash(res.WorkflowName))
	fmt.Printf("  status:      %s (on hold: %t)\n", orDash(res.Status), res.OnHold())
	if res.AmountWords != nil {
		fmt.Printf("  amount:      %.0f words\n", *res.AmountWords)
	} else {
		fmt.Printf("  amount:      -\n")
	}
	fmt.Printf("  planned end: %s\n", orDash(res.PlannedEndDate))
	if len(res.AcceptURLs) == 0 {
		fmt.Printf("  accept:      none\n")
	}
	for _, u := range res.AcceptURLs {
		fmt.Printf("  accept:      %s\n", u)
	}
	if verbose {
		fmt.Printf("--- text body ---\n%s\n--- html body ---\n%s\n", in.TextBody, in.HTMLBody)
	}
	return nil
}

// decode flattens a raw message to the subject plus the first text/plain
// and text/html parts, the same view a listener hands to the parser.
func decode(r io.Reader) (parser.Input, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return parser.Input{}, err
	}

	var in parser.Input
	header := mail.Header{Header: entity.Header}
	if subject, err := header.Subject(); err == nil {
		in.Subject = subject
	} else {
		in.Subject = entity.Header.Get("Subject")
	}
	in.ContentLanguage = entity.Header.Get("Content-Language")

	collect(entity, &in, 0)
	return in, nil
}

func collect(entity *message.Entity, in *parser.Input, depth int) {
	if depth > 10 {
		return
	}
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				break
			}
			collect(part, in, depth+1)
		}
		return
	}

	ctype, _, err := entity.Header.ContentType()
	if err != nil || ctype == "" {
		ctype = "text/plain"
	}
	body, _ := io.ReadAll(entity.Body)
	switch ctype {
	case "text/plain":
		if in.TextBody == "" {
			in.TextBody = string(body)
		}
	case "text/html":
		if in.HTMLBody == "" {
			in.HTMLBody = string(body)
		}
	}
	if in.ContentLanguage == "" {
		in.ContentLanguage = entity.Header.Get("Content-Language")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
