package feedlist

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlList is the YAML subscription-list schema.
type yamlList struct {
	Feeds []yamlFeed `yaml:"feeds"`
}

// yamlFeed accepts either a bare URL string or a mapping with url, title and
// weight keys.
type yamlFeed struct {
	URL    string  `yaml:"url"`
	Title  string  `yaml:"title"`
	Weight float64 `yaml:"weight"`
}

func (f *yamlFeed) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&f.URL)
	}

	type plain yamlFeed
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("invalid feed entry: %w", err)
	}
	*f = yamlFeed(p)
	return nil
}

// opml mirrors the subset of OPML 2.0 needed to extract feed outlines.
type opml struct {
	Body opmlBody `xml:"body"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	Outlines []opmlOutline `xml:"outline"`
}
