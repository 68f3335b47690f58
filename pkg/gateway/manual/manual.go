// Package manual parses bank-transfer memos of the form
// "PHOTO <short code> <package code>".
package manual

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

const gatewayName = string(ledger.GatewayManual)

// EventType labels manual notifications in metrics.
const EventType = "transfer"

// The three tokens must sit on one line. Package codes may contain
// underscores so long aliases such as VIP_30_DAYS resolve.
var memoPattern = regexp.MustCompile(`(?i)\bPHOTO[ \t]+([A-Z0-9]+)[ \t]+([A-Z0-9_]+)`)

// Parser decodes transfer memos against a package catalog.
type Parser struct {
	catalog *ledger.Catalog
}

// NewParser creates a memo parser. A nil catalog uses ledger.DefaultCatalog().
func NewParser(catalog *ledger.Catalog) *Parser {
	if catalog == nil {
		catalog = ledger.DefaultCatalog()
	}
	return &Parser{catalog: catalog}
}

// Decode parses memo with no operator-supplied reference.
func (p *Parser) Decode(memo string) (*gateway.Notification, error) {
	return p.DecodeWithReference(memo, "")
}

// DecodeWithReference parses memo. reference is the bank's transaction id
// when the operator has one; it becomes the idempotency key.
func (p *Parser) DecodeWithReference(memo, reference string) (*gateway.Notification, error) {
	m := memoPattern.FindStringSubmatch(memo)
	if m == nil {
		return nil, gateway.NewDecodeError(gatewayName, gateway.ErrSyntax, "expected \"PHOTO <code> <package>\"")
	}
	shortCode := strings.ToUpper(m[1])

	pkg, err := p.catalog.Resolve(m[2])
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownPackage) {
			return nil, gateway.NewDecodeError(gatewayName, gateway.ErrUnknownPackage, "%s", strings.ToUpper(m[2]))
		}
		return nil, err
	}

	return &gateway.Notification{
		Gateway:           ledger.GatewayManual,
		EventType:         EventType,
		ShortCode:         shortCode,
		PackageCode:       pkg.Code,
		ExternalReference: DedupKey(memo, reference),
		Amount:            &gateway.Amount{Minor: pkg.Price, Currency: pkg.Currency},
		Raw:               []byte(memo),
	}, nil
}

// DedupKey returns the idempotency key of a manual transfer: the bank
// reference when given, otherwise a hash of the normalized memo.
func DedupKey(memo, reference string) string {
	if ref := strings.TrimSpace(reference); ref != "" {
		return "manual:ref:" + ref
	}
	sum := sha256.Sum256([]byte(Normalize(memo)))
	return "manual:memo:" + hex.EncodeToString(sum[:])
}

// Normalize upper-cases memo and collapses all whitespace runs to one space.
func Normalize(memo string) string {
	return strings.Join(strings.Fields(strings.ToUpper(memo)), " ")
}
