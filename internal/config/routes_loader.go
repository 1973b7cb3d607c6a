package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// RouteTable captures the merged public/admin prefixes after loading every
// configured source. The gatekeeper can use Sources to explain where a
// classification came from.
type RouteTable struct {
	Public  []string
	Admin   []string
	Sources []string
}

type routeDocument struct {
	PublicPrefixes []string `koanf:"publicPrefixes"`
	AdminPrefixes  []string `koanf:"adminPrefixes"`
}

// buildRouteTable merges inline prefixes with the optional routes file. Inline
// definitions always survive; the file only adds prefixes on top of them.
func buildRouteTable(ctx context.Context, routes RoutesConfig) (RouteTable, error) {
	select {
	case <-ctx.Done():
		return RouteTable{}, ctx.Err()
	default:
	}

	table := RouteTable{
		Public:  normalizePrefixes(routes.PublicPrefixes),
		Admin:   normalizePrefixes(routes.AdminPrefixes),
		Sources: []string{inlineSourceName},
	}

	path := strings.TrimSpace(routes.RoutesFile)
	if path == "" {
		return table, nil
	}

	parser, err := routesParserFor(path)
	if err != nil {
		return RouteTable{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return RouteTable{}, fmt.Errorf("config: load routes file %s: %w", path, err)
	}
	var doc routeDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return RouteTable{}, fmt.Errorf("config: unmarshal routes file %s: %w", path, err)
	}

	table.Public = mergePrefixes(table.Public, normalizePrefixes(doc.PublicPrefixes))
	table.Admin = mergePrefixes(table.Admin, normalizePrefixes(doc.AdminPrefixes))
	table.Sources = append(table.Sources, path)
	return table, nil
}

func routesParserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: routes file %s has unsupported extension", path)
	}
}

// normalizePrefixes trims, deduplicates, and sorts prefixes so classification
// and equality checks behave deterministically across reloads.
func normalizePrefixes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, prefix := range in {
		trimmed := strings.TrimSpace(prefix)
		if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
			continue
		}
		if trimmed != "/" {
			trimmed = strings.TrimRight(trimmed, "/")
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func mergePrefixes(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, prefix := range list {
			if _, dup := seen[prefix]; dup {
				continue
			}
			seen[prefix] = struct{}{}
			out = append(out, prefix)
		}
	}
	sort.Strings(out)
	return out
}
