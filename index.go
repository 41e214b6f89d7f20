package ispdb

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gaissmai/bart"
	"go4.org/netipx"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"lukechampine.com/uint128"
)

// Column layout of the AS-to-organization dataset: the AS number is right
// aligned in the first asnFieldWidth columns, the name starts at orgOffset.
//
//	 64512 EXAMPLE-ORG, US
const (
	asnFieldWidth = 6
	orgOffset     = 7
)

// maxLineLen bounds a single dataset line.
const maxLineLen = 1 << 20

// Organizations maps AS numbers to organization names. Names may be empty.
type Organizations map[uint32]string

// Name returns the organization for asn, or "" if asn is unmapped.
func (o Organizations) Name(asn uint32) string {
	return o[asn]
}

// Network is the value stored for every prefix in the index.
type Network struct {
	Prefix       netip.Prefix
	ASN          uint32
	Organization string
}

// Index is an immutable longest-prefix-match index built from one pair of
// raw datasets. Safe for concurrent use.
type Index struct {
	table *bart.Table[Network]
	orgs  Organizations

	skippedOrgLines int
	coverage4       uint128.Uint128
	coverage6       uint128.Uint128
}

// Lookup returns the most specific network containing addr.
func (ix *Index) Lookup(addr netip.Addr) (Network, bool) {
	if ix == nil || ix.table == nil || !addr.IsValid() {
		return Network{}, false
	}
	return ix.table.Lookup(canonical(addr))
}

// Organizations returns the AS-to-organization mapping the index was built
// with. Callers must not modify it.
func (ix *Index) Organizations() Organizations { return ix.orgs }

// Len returns the number of distinct prefixes.
func (ix *Index) Len() int { return ix.table.Size() }

// decodeText decodes raw as UTF-8, dropping ill-formed byte sequences.
// U+FFFD already present in the feed is dropped too: it only ever marks
// text the publisher failed to decode, so it carries no name information.
func decodeText(raw []byte) []byte {
	t := transform.Chain(
		runes.ReplaceIllFormed(),
		runes.Remove(runes.Predicate(func(r rune) bool { return r == utf8.RuneError })),
	)
	// Neither transformer reports errors; transform.Bytes grows the output
	// as needed.
	out, _, _ := transform.Bytes(t, raw)
	return out
}

func newLineScanner(text []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	scanner.Split(bufio.ScanLines)
	return scanner
}

// ParseOrganizations parses the AS-to-organization dataset.
//
// Rows whose leading field is not an AS number are skipped: the upstream
// feed carries occasional malformed rows and one bad row must not discard
// the whole mapping. For duplicate AS numbers the last row wins.
func ParseOrganizations(raw []byte) Organizations {
	orgs, _ := parseOrganizations(raw)
	return orgs
}

func parseOrganizations(raw []byte) (Organizations, int) {
	orgs := make(Organizations)
	skipped := 0
	scanner := newLineScanner(decodeText(raw))
	for scanner.Scan() {
		asn, name, ok := parseOrganizationLine(scanner.Text())
		if !ok {
			skipped++
			continue
		}
		orgs[asn] = name
	}
	// The scanner only fails on lines longer than maxLineLen; what was read
	// up to that point is kept, like any other malformed row.
	if scanner.Err() != nil {
		skipped++
	}
	return orgs, skipped
}

func parseOrganizationLine(line string) (uint32, string, bool) {
	fieldEnd, nameStart := asnFieldWidth, orgOffset
	if len(line) > asnFieldWidth && isDigit(line[asnFieldWidth]) {
		// AS numbers wider than the column push the name to the right;
		// the field then runs up to the first blank.
		fieldEnd = len(line)
		if i := strings.IndexAny(line[asnFieldWidth:], " \t"); i >= 0 {
			fieldEnd = asnFieldWidth + i
		}
		nameStart = fieldEnd + 1
	}
	field := line
	if len(field) > fieldEnd {
		field = field[:fieldEnd]
	}
	asn, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
	if err != nil {
		return 0, "", false
	}
	name := ""
	if len(line) > nameStart {
		name = strings.TrimSpace(line[nameStart:])
	}
	return uint32(asn), name, true
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

// parsePrefixLine parses "<prefix> <asn>". A bare address is a host prefix.
func parsePrefixLine(line string) (netip.Prefix, uint32, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return netip.Prefix{}, 0, fmt.Errorf("want prefix and AS number, got %d fields", len(fields))
	}
	var pfx netip.Prefix
	if strings.Contains(fields[0], "/") {
		p, err := netip.ParsePrefix(fields[0])
		if err != nil {
			return netip.Prefix{}, 0, err
		}
		pfx = p
	} else {
		a, err := netip.ParseAddr(fields[0])
		if err != nil {
			return netip.Prefix{}, 0, err
		}
		pfx = netip.PrefixFrom(a, a.BitLen())
	}
	if pfx.Addr().Zone() != "" {
		return netip.Prefix{}, 0, fmt.Errorf("prefix %s has a zone", fields[0])
	}
	asn, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return netip.Prefix{}, 0, fmt.Errorf("AS number: %w", err)
	}
	return pfx.Masked(), uint32(asn), nil
}

// BuildIndex parses both raw datasets and builds the lookup index.
//
// Unlike the organization dataset, the prefix dataset is expected to be
// well-formed: any unparseable line aborts the build with a *ParseError.
// Blank lines carry no record and are ignored.
func BuildIndex(asOrgRaw, prefixASNRaw []byte) (*Index, error) {
	orgs, skipped := parseOrganizations(asOrgRaw)

	ix := &Index{
		table:           new(bart.Table[Network]),
		orgs:            orgs,
		skippedOrgLines: skipped,
	}
	var coverage netipx.IPSetBuilder

	scanner := newLineScanner(decodeText(prefixASNRaw))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		pfx, asn, err := parsePrefixLine(line)
		if err != nil {
			return nil, &ParseError{Dataset: DatasetPrefixASN, Line: lineNo, Text: line, Err: err}
		}
		ix.table.Insert(pfx, Network{Prefix: pfx, ASN: asn, Organization: orgs.Name(asn)})
		coverage.AddPrefix(pfx)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Dataset: DatasetPrefixASN, Line: lineNo + 1, Err: err}
	}

	set, err := coverage.IPSet()
	if err != nil {
		return nil, fmt.Errorf("computing coverage: %w", err)
	}
	for _, p := range set.Prefixes() {
		if p.Addr().Is4() {
			ix.coverage4 = ix.coverage4.Add(prefixSize(p))
		} else {
			ix.coverage6 = ix.coverage6.Add(prefixSize(p))
		}
	}
	return ix, nil
}

// prefixSize returns the number of addresses in p. The full IPv6 space
// does not fit and saturates at uint128.Max.
func prefixSize(p netip.Prefix) uint128.Uint128 {
	hostBits := uint(p.Addr().BitLen() - p.Bits())
	if hostBits >= 128 {
		return uint128.Max
	}
	return uint128.From64(1).Lsh(hostBits)
}

// IndexStats summarizes an Index.
type IndexStats struct {
	Prefixes4       int
	Prefixes6       int
	Organizations   int
	SkippedOrgLines int             // malformed organization rows that were skipped
	Coverage4       uint128.Uint128 // distinct IPv4 addresses covered by any prefix
	Coverage6       uint128.Uint128 // distinct IPv6 addresses covered by any prefix
}

// Stats returns counts describing ix.
func (ix *Index) Stats() IndexStats {
	if ix == nil || ix.table == nil {
		return IndexStats{}
	}
	return IndexStats{
		Prefixes4:       ix.table.Size4(),
		Prefixes6:       ix.table.Size6(),
		Organizations:   len(ix.orgs),
		SkippedOrgLines: ix.skippedOrgLines,
		Coverage4:       ix.coverage4,
		Coverage6:       ix.coverage6,
	}
}
