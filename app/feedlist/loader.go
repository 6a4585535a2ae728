// Package feedlist loads subscription lists in OPML, YAML or plain-text
// form and normalizes them into river subscriptions.
package feedlist

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/feedriver/river/app/river"
)

// Load reads the subscription list at path, dispatching on the file
// extension: .opml/.xml are OPML, .yaml/.yml are YAML, anything else is
// treated as plain text with one URL per line.
func Load(path string) ([]river.Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription list: %w", err)
	}

	var subs []river.Subscription
	switch strings.ToLower(filepath.Ext(path)) {
	case ".opml", ".xml":
		subs, err = parseOPML(data)
	case ".yaml", ".yml":
		subs, err = parseYAML(data)
	default:
		subs, err = parsePlain(data)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", path, err)
	}

	if err := validate(subs); err != nil {
		return nil, fmt.Errorf("invalid subscription list %s: %w", path, err)
	}

	return dedupe(subs), nil
}

func parseYAML(data []byte) ([]river.Subscription, error) {
	var list yamlList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	subs := make([]river.Subscription, 0, len(list.Feeds))
	for _, f := range list.Feeds {
		subs = append(subs, river.Subscription{
			URL:    strings.TrimSpace(f.URL),
			Title:  f.Title,
			Weight: f.Weight,
		})
	}
	return subs, nil
}

func parseOPML(data []byte) ([]river.Subscription, error) {
	var doc opml
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	var subs []river.Subscription
	var walk func(outlines []opmlOutline)
	walk = func(outlines []opmlOutline) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				subs = append(subs, river.Subscription{
					URL:   strings.TrimSpace(o.XMLURL),
					Title: title,
				})
			}
			if len(o.Outlines) > 0 {
				walk(o.Outlines)
			}
		}
	}
	walk(doc.Body.Outlines)
	return subs, nil
}

// parsePlain reads one URL per line; blank lines and # comments are skipped.
func parsePlain(data []byte) ([]river.Subscription, error) {
	var subs []river.Subscription

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subs = append(subs, river.Subscription{URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan list: %w", err)
	}
	return subs, nil
}

// validate rejects malformed entries. A zero weight is allowed and means
// unset; dedupe fills the default.
func validate(subs []river.Subscription) error {
	for i, sub := range subs {
		if sub.URL == "" {
			return fmt.Errorf("entry %d has no URL", i)
		}
		if sub.Weight < 0 {
			return fmt.Errorf("entry %d (%s): weight must not be negative, got %g", i, sub.URL, sub.Weight)
		}
	}
	return nil
}

// dedupe keeps the first occurrence of each URL and fills default weights.
func dedupe(subs []river.Subscription) []river.Subscription {
	seen := make(map[string]struct{}, len(subs))
	out := subs[:0]
	for _, sub := range subs {
		if _, ok := seen[sub.URL]; ok {
			continue
		}
		seen[sub.URL] = struct{}{}
		if sub.Weight == 0 {
			sub.Weight = 1
		}
		out = append(out, sub)
	}
	return out
}
