// Package content implements the site content repository from a YAML
// manifest describing reading settings, post types, taxonomies and authors.
package content

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/compliance-scanner/internal/hash/sha256"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// StatusPublish is the status manifest items default to.
const StatusPublish = scanner.PostStatusPublish

// Manifest is the on-disk description of a site.
type Manifest struct {
	BaseURL    string                  `yaml:"base_url"`
	Reading    scanner.ReadingSettings `yaml:"reading"`
	PostTypes  []PostTypeManifest      `yaml:"post_types"`
	Taxonomies []TaxonomyManifest      `yaml:"taxonomies"`
	Users      []scanner.User          `yaml:"users"`

	digest string
}

// PostTypeManifest lists the items of one post type.
type PostTypeManifest struct {
	Name   string         `yaml:"name"`
	Label  string         `yaml:"label"`
	Public bool           `yaml:"public"`
	Items  []scanner.Post `yaml:"items"`
}

// TaxonomyManifest lists the terms of one taxonomy.
type TaxonomyManifest struct {
	Name   string         `yaml:"name"`
	Label  string         `yaml:"label"`
	Public bool           `yaml:"public"`
	Terms  []scanner.Term `yaml:"terms"`
}

// LoadManifest reads and validates a YAML manifest from fs.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read site manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode site manifest: %w", err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	m.digest = sha256.Key("m", string(raw))
	return &m, nil
}

// Digest identifies the manifest's content. Equal digests mean equal
// manifests, across processes and restarts. A manifest built in code gets
// a digest of its YAML encoding.
func (m *Manifest) Digest() (string, error) {
	if m.digest != "" {
		return m.digest, nil
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode site manifest: %w", err)
	}
	return sha256.Key("m", string(raw)), nil
}

func (m *Manifest) normalize() error {
	u, err := url.Parse(m.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site manifest: base_url must be an absolute URL, got %q", m.BaseURL)
	}
	m.BaseURL = strings.TrimSuffix(m.BaseURL, "/")

	switch m.Reading.ShowOnFront {
	case "":
		m.Reading.ShowOnFront = scanner.ShowOnFrontPosts
	case scanner.ShowOnFrontPosts, scanner.ShowOnFrontPage:
	default:
		return fmt.Errorf("site manifest: reading.show_on_front must be %q or %q",
			scanner.ShowOnFrontPosts, scanner.ShowOnFrontPage)
	}

	ids := make(map[int64]string)
	for i := range m.PostTypes {
		pt := &m.PostTypes[i]
		if pt.Name == "" {
			return fmt.Errorf("site manifest: post_types[%d].name is required", i)
		}
		for j := range pt.Items {
			p := &pt.Items[j]
			p.PostType = pt.Name
			if p.Status == "" {
				p.Status = StatusPublish
			}
			if prev, dup := ids[p.ID]; dup {
				return fmt.Errorf("site manifest: post id %d used by %s and %s", p.ID, prev, pt.Name)
			}
			ids[p.ID] = pt.Name
		}
	}
	for i := range m.Taxonomies {
		tax := &m.Taxonomies[i]
		if tax.Name == "" {
			return fmt.Errorf("site manifest: taxonomies[%d].name is required", i)
		}
		for j := range tax.Terms {
			tax.Terms[j].Taxonomy = tax.Name
		}
	}
	return nil
}
