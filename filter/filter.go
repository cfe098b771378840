// Package filter implements the usbredir device filter: parsing and
// serializing rule lists, and matching a device's class/VID/PID/BCD
// against them.
package filter

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wildcard is the "matches anything" sentinel for a rule's numeric fields.
const Wildcard = -1

// ErrDenied is returned by Check when a rule explicitly matched with
// Allow == false.
var ErrDenied = errors.New("filter: denied by rule")

// ErrNoRule is returned by Check when no rule matched a row and the
// default-allow flag was not set.
var ErrNoRule = errors.New("filter: no matching rule")

// Rule is one filter entry: device_class, vendor_id, product_id and
// device_version_bcd may each be Wildcard; Allow decides the outcome when
// a rule's fields all match.
type Rule struct {
	Class      int
	VendorID   int
	ProductID  int
	VersionBCD int
	Allow      bool
}

// Parse tokenizes filterStr into rules. tokenSep and ruleSep are each a set
// of characters (any byte in the string acts as a separator); both must be
// non-empty. Leading, trailing and adjacent rule separators are skipped
// silently, producing no empty rule. Each rule must parse as exactly five
// integers (any base strconv.ParseInt accepts via base 0): class, vendor,
// product, bcd, allow (0 or 1, though any nonzero value is treated as true).
func Parse(filterStr, tokenSep, ruleSep string) ([]Rule, error) {
	if tokenSep == "" || ruleSep == "" {
		return nil, fmt.Errorf("filter: empty separator class")
	}

	var rules []Rule
	for _, field := range splitSep(filterStr, ruleSep) {
		tokens := splitSep(field, tokenSep)
		if len(tokens) != 5 {
			return nil, fmt.Errorf("filter: rule %q: want 5 fields, got %d", field, len(tokens))
		}
		values := make([]int, 5)
		for i, tok := range tokens {
			v, err := strconv.ParseInt(tok, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("filter: rule %q: field %d: %w", field, i, err)
			}
			values[i] = int(v)
		}
		rule := Rule{
			Class:      values[0],
			VendorID:   values[1],
			ProductID:  values[2],
			VersionBCD: values[3],
			Allow:      values[4] != 0,
		}
		if err := verifyRule(rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// splitSep splits s on any byte in sepClass, dropping empty fields the way
// strtok_r does — unlike strings.FieldsFunc this never allocates a
// rune-by-rune closure, matching the byte-oriented protocol it mirrors.
func splitSep(s, sepClass string) []string {
	isSep := func(b byte) bool {
		return strings.IndexByte(sepClass, b) >= 0
	}
	var out []string
	i := 0
	for i < len(s) {
		for i < len(s) && isSep(s[i]) {
			i++
		}
		start := i
		for i < len(s) && !isSep(s[i]) {
			i++
		}
		if i > start {
			out = append(out, s[start:i])
		}
	}
	return out
}

// Verify checks that every rule's numeric fields are within their valid
// range (Wildcard or 0..max). It does not re-tokenize anything, so it can
// be used on rule lists built programmatically, not just parsed ones.
func Verify(rules []Rule) error {
	for _, r := range rules {
		if err := verifyRule(r); err != nil {
			return err
		}
	}
	return nil
}

func verifyRule(r Rule) error {
	if r.Class < Wildcard || r.Class > 0xff {
		return fmt.Errorf("filter: device_class %d out of range", r.Class)
	}
	if r.VendorID < Wildcard || r.VendorID > 0xffff {
		return fmt.Errorf("filter: vendor_id %d out of range", r.VendorID)
	}
	if r.ProductID < Wildcard || r.ProductID > 0xffff {
		return fmt.Errorf("filter: product_id %d out of range", r.ProductID)
	}
	if r.VersionBCD < Wildcard || r.VersionBCD > 0xffff {
		return fmt.Errorf("filter: device_version_bcd %d out of range", r.VersionBCD)
	}
	return nil
}

// Serialize renders rules back to text, using the first byte of tokenSep
// and ruleSep as the field/rule delimiters. Wildcards render as "-1";
// present values render zero-padded hex (2 digits for class, 4 for
// vendor/product/bcd). Serialize(Parse(s, ts, rs), ts, rs) reproduces s up
// to separator, number-base and zero-padding normalization; Parse(Serialize(r, ts, rs), ts, rs)
// == r exactly for any rules satisfying Verify.
func Serialize(rules []Rule, tokenSep, ruleSep string) (string, error) {
	if tokenSep == "" || ruleSep == "" {
		return "", fmt.Errorf("filter: empty separator class")
	}
	if err := Verify(rules); err != nil {
		return "", err
	}
	ts := tokenSep[0]
	rs := ruleSep[0]

	var b strings.Builder
	for i, r := range rules {
		writeField(&b, r.Class, 2)
		b.WriteByte(ts)
		writeField(&b, r.VendorID, 4)
		b.WriteByte(ts)
		writeField(&b, r.ProductID, 4)
		b.WriteByte(ts)
		writeField(&b, r.VersionBCD, 4)
		b.WriteByte(ts)
		if r.Allow {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		if i < len(rules)-1 {
			b.WriteByte(rs)
		}
	}
	return b.String(), nil
}

func writeField(b *strings.Builder, v, width int) {
	if v == Wildcard {
		b.WriteString("-1")
		return
	}
	fmt.Fprintf(b, "0x%0*x", width, v)
}

// flag values for Check.
const (
	FlagDefaultAllow = 1 << iota
	FlagDontSkipNonBootHID
)

// check1 scans rules in order for the first one whose wildcardable fields
// all match; the device_subclass/device_protocol are carried in the
// caller's loop but never consulted, matching usbredirfilter_check1's
// signature (they are accepted for symmetry with usbredirfilter_check but
// unused by the matcher itself).
func check1(rules []Rule, class, vendorID, productID, versionBCD int, defaultAllow bool) error {
	for _, r := range rules {
		if (r.Class == Wildcard || r.Class == class) &&
			(r.VendorID == Wildcard || r.VendorID == vendorID) &&
			(r.ProductID == Wildcard || r.ProductID == productID) &&
			(r.VersionBCD == Wildcard || r.VersionBCD == versionBCD) {
			if r.Allow {
				return nil
			}
			return ErrDenied
		}
	}
	if defaultAllow {
		return nil
	}
	return ErrNoRule
}

// InterfaceInfo describes one interface's class triple for Check.
type InterfaceInfo struct {
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// Check evaluates a device against rules: the device row (skipped when
// device class is 0x00 or 0xEF, which defer entirely to interface rows),
// then each interface row, applying the non-boot-HID skip heuristic unless
// flags has FlagDontSkipNonBootHID set. If every interface row was
// skipped, Check recurses once with that flag forced on so the device is
// still judged by at least one row.
func Check(rules []Rule, deviceClass, deviceSubclass, deviceProtocol uint8,
	interfaces []InterfaceInfo, vendorID, productID, versionBCD uint16, flags int) error {

	if err := Verify(rules); err != nil {
		return err
	}

	defaultAllow := flags&FlagDefaultAllow != 0
	if deviceClass != 0x00 && deviceClass != 0xef {
		if err := check1(rules, int(deviceClass), int(vendorID), int(productID), int(versionBCD), defaultAllow); err != nil {
			return err
		}
	}

	skipped := 0
	for _, iface := range interfaces {
		if flags&FlagDontSkipNonBootHID == 0 && len(interfaces) > 1 &&
			iface.Class == 0x03 && iface.Subclass == 0x00 && iface.Protocol == 0x00 {
			skipped++
			continue
		}
		if err := check1(rules, int(iface.Class), int(vendorID), int(productID), int(versionBCD), defaultAllow); err != nil {
			return err
		}
	}

	if len(interfaces) > 0 && skipped == len(interfaces) {
		return Check(rules, deviceClass, deviceSubclass, deviceProtocol, interfaces,
			vendorID, productID, versionBCD, flags|FlagDontSkipNonBootHID)
	}
	return nil
}

// bcdToString renders a packed BCD version (e.g. 0x0210) as decimal
// major.minor (2.10); the minor part is not zero-padded (0x0201 gives 2.1).
func bcdToString(bcd int) string {
	major := (bcd&0xf000)>>12*10 + (bcd&0x0f00)>>8
	minor := (bcd&0x00f0)>>4*10 + (bcd & 0x000f)
	return fmt.Sprintf("%d.%d", major, minor)
}

func fieldString(v int, hexWidth int) string {
	if v == Wildcard {
		return "ANY"
	}
	return fmt.Sprintf("0x%0*x", hexWidth, v)
}

// Print writes a human-readable line per rule: class, vendor:product, BCD
// version (decoded to major.minor) and the allow/deny outcome, wildcards
// rendered as "ANY".
func Print(rules []Rule, out io.Writer) error {
	for _, r := range rules {
		verdict := "Deny"
		if r.Allow {
			verdict = "Allow"
		}
		version := "ANY"
		if r.VersionBCD != Wildcard {
			version = bcdToString(r.VersionBCD)
		}
		_, err := fmt.Fprintf(out, "Class %s ID %s:%s Version %s %s\n",
			fieldString(r.Class, 2), fieldString(r.VendorID, 4), fieldString(r.ProductID, 4),
			version, verdict)
		if err != nil {
			return err
		}
	}
	return nil
}
