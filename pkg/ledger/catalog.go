package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog is the read-only set of purchasable packages. Each package is
// stored once under its canonical code and may be reachable through
// aliases. Lookups are case-insensitive.
type Catalog struct {
	packages map[string]PackageDefinition
	index    map[string]string // upper-cased code or alias -> canonical code
}

// NewCatalog validates defs and builds a catalog.
// Codes and aliases must be unique across the whole catalog.
func NewCatalog(defs ...PackageDefinition) (*Catalog, error) {
	c := &Catalog{
		packages: make(map[string]PackageDefinition, len(defs)),
		index:    make(map[string]string, len(defs)*2),
	}
	for _, def := range defs {
		if err := validatePackage(def); err != nil {
			return nil, err
		}
		def.Code = strings.ToUpper(def.Code)
		aliases := make([]string, 0, len(def.Aliases))
		for _, a := range def.Aliases {
			aliases = append(aliases, strings.ToUpper(a))
		}
		def.Aliases = aliases

		for _, key := range append([]string{def.Code}, def.Aliases...) {
			if owner, ok := c.index[key]; ok {
				return nil, fmt.Errorf("catalog: code %q of package %s already used by %s", key, def.Code, owner)
			}
			c.index[key] = def.Code
		}
		c.packages[def.Code] = def
	}
	return c, nil
}

// MustCatalog is like NewCatalog but panics on error.
func MustCatalog(defs ...PackageDefinition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

func validatePackage(def PackageDefinition) error {
	switch {
	case strings.TrimSpace(def.Code) == "":
		return fmt.Errorf("catalog: package code is required")
	case def.Kind != KindCredit && def.Kind != KindEntitlement:
		return fmt.Errorf("catalog: package %s has invalid kind %q", def.Code, def.Kind)
	case def.Quantity <= 0:
		return fmt.Errorf("catalog: package %s must have positive quantity", def.Code)
	case def.Price < 0:
		return fmt.Errorf("catalog: package %s has negative price", def.Code)
	case def.Currency == "":
		return fmt.Errorf("catalog: package %s has no currency", def.Code)
	}
	return nil
}

// Lookup resolves a code or alias to its canonical package.
func (c *Catalog) Lookup(code string) (PackageDefinition, bool) {
	canonical, ok := c.index[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return PackageDefinition{}, false
	}
	return c.packages[canonical], true
}

// Resolve is like Lookup but returns ErrUnknownPackage.
func (c *Catalog) Resolve(code string) (PackageDefinition, error) {
	pkg, ok := c.Lookup(code)
	if !ok {
		return PackageDefinition{}, fmt.Errorf("%w: %s", ErrUnknownPackage, code)
	}
	return pkg, nil
}

// Packages returns the canonical packages sorted by code.
func (c *Catalog) Packages() []PackageDefinition {
	out := make([]PackageDefinition, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// DefaultCatalog returns the built-in package list. The long codes are
// kept as aliases so older checkout links still resolve.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		PackageDefinition{Code: "C100", Aliases: []string{"CREDITS_100"}, Kind: KindCredit,
			Quantity: 100, Price: 499, Currency: "USD", DisplayName: "100 credits"},
		PackageDefinition{Code: "C500", Aliases: []string{"CREDITS_500"}, Kind: KindCredit,
			Quantity: 500, Price: 1999, Currency: "USD", DisplayName: "500 credits"},
		PackageDefinition{Code: "C1500", Aliases: []string{"CREDITS_1500"}, Kind: KindCredit,
			Quantity: 1500, Price: 4999, Currency: "USD", DisplayName: "1500 credits"},
		PackageDefinition{Code: "V30", Aliases: []string{"VIP_30_DAYS"}, Kind: KindEntitlement,
			Quantity: 30, Price: 999, Currency: "USD", DisplayName: "VIP 30 days"},
		PackageDefinition{Code: "V365", Aliases: []string{"VIP_365_DAYS"}, Kind: KindEntitlement,
			Quantity: 365, Price: 7999, Currency: "USD", DisplayName: "VIP 1 year"},
	)
}
