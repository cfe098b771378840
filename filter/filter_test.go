package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCase mirrors the table in the original usbredirfilter test suite:
// parse a filter string, check the result against the expected rule count
// and (when parsing succeeds) the expected re-serialized form.
type testCase struct {
	name           string
	filter         string
	tokenSep       string
	ruleSep        string
	wantErr        bool
	wantRules      int
	wantSerialized string // expected Serialize output of the parsed rules
}

var cases = []testCase{
	{
		name:      "empty filter",
		filter:    "",
		tokenSep:  ",",
		ruleSep:   "|",
		wantRules: 0,
	},
	{
		name:      "separators only",
		filter:    "|||",
		tokenSep:  ",",
		ruleSep:   "|",
		wantRules: 0,
	},
	{
		name:           "one rule",
		filter:         "0x03,-1,-1,-1,0",
		tokenSep:       ",",
		ruleSep:        "|",
		wantRules:      1,
		wantSerialized: "0x03,-1,-1,-1,0",
	},
	{
		name:           "two rules",
		filter:         "0x03,-1,-1,-1,0|0x08,0x0781,0x5567,-1,1",
		tokenSep:       ",",
		ruleSep:        "|",
		wantRules:      2,
		wantSerialized: "0x03,-1,-1,-1,0|0x08,0x0781,0x5567,-1,1",
	},
	{
		name:           "ignore trailing rule_sep",
		filter:         "0x03,-1,-1,-1,0|",
		tokenSep:       ",",
		ruleSep:        "|",
		wantRules:      1,
		wantSerialized: "0x03,-1,-1,-1,0",
	},
	{
		name:           "ignores empty rules",
		filter:         "||0x03,-1,-1,-1,0||",
		tokenSep:       ",",
		ruleSep:        "|",
		wantRules:      1,
		wantSerialized: "0x03,-1,-1,-1,0",
	},
	{
		name:           "several trailing and empty rules",
		filter:         "0x03,-1,-1,-1,0|||0x08,0x0781,0x5567,-1,1|||",
		tokenSep:       ",",
		ruleSep:        "|",
		wantRules:      2,
		wantSerialized: "0x03,-1,-1,-1,0|0x08,0x0781,0x5567,-1,1",
	},
	{
		name:           "multi char rule separator",
		filter:         "0x03,-1,-1,-1,0 \t\n0x08,0x0781,0x5567,-1,1",
		tokenSep:       ",;",
		ruleSep:        " \t\n",
		wantRules:      2,
		wantSerialized: "0x03,-1,-1,-1,0 0x08,0x0781,0x5567,-1,1",
	},
	{
		name:           "mix of separators",
		filter:         "\t 0x03,-1;-1;-1,0\n\n",
		tokenSep:       ",;",
		ruleSep:        " \t\n",
		wantRules:      1,
		wantSerialized: "0x03,-1,-1,-1,0",
	},
	{
		name:      "class upper limit",
		filter:    "0x100,-1,-1,-1,0",
		tokenSep:  ",",
		ruleSep:   "|",
		wantErr:   true,
	},
	{
		name:     "class lower limit",
		filter:   "-2,-1,-1,-1,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "vendor upper limit",
		filter:   "0x03,0x10000,-1,-1,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "vendor lower limit",
		filter:   "0x03,-2,-1,-1,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "product upper limit",
		filter:   "0x03,-1,0x10000,-1,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "product lower limit",
		filter:   "0x03,-1,-2,-1,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "bcd upper limit",
		filter:   "0x03,-1,-1,0x10000,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "bcd lower limit",
		filter:   "0x03,-1,-1,-2,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "extra argument",
		filter:   "0x03,-1,-1,-1,0,0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "missing argument",
		filter:   "0x03,-1,-1,-1",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "letter as value",
		filter:   "0x03,-1,-1,-1,x",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "invalid token_sep",
		filter:   "0x03;-1;-1;-1;0",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "invalid rule_sep",
		filter:   "0x03,-1,-1,-1,0;0x08,0x0781,0x5567,-1,1",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
	{
		name:     "bad rule in many",
		filter:   "0x03,-1,-1,-1,0|3|-1,-1,-1,-1,1",
		tokenSep: ",",
		ruleSep:  "|",
		wantErr:  true,
	},
}

func TestParseAndSerialize(t *testing.T) {
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rules, err := Parse(tc.filter, tc.tokenSep, tc.ruleSep)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, rules, tc.wantRules)

			got, err := Serialize(rules, tc.tokenSep, tc.ruleSep)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSerialized, got)
		})
	}
}

func TestParseEmptySeparators(t *testing.T) {
	_, err := Parse("0x03,-1,-1,-1,0", "", "|")
	assert.Error(t, err)
	_, err = Parse("0x03,-1,-1,-1,0", ",", "")
	assert.Error(t, err)
}

func TestCheckDeviceClassDefersToInterfaces(t *testing.T) {
	rules, err := Parse("0x08,0x0781,0x5567,-1,1|0x03,-1,-1,-1,0", ",", "|")
	require.NoError(t, err)

	// device_class 0x00 (interface-defined) always defers to interfaces.
	err = Check(rules, 0x00, 0x00, 0x00,
		[]InterfaceInfo{{Class: 0x08}}, 0x0781, 0x5567, 0x0100, 0)
	assert.NoError(t, err)

	err = Check(rules, 0x00, 0x00, 0x00,
		[]InterfaceInfo{{Class: 0x03}}, 0x0781, 0x5567, 0x0100, 0)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestCheckNonBootHIDSkip(t *testing.T) {
	rules, err := Parse("0x08,-1,-1,-1,1", ",", "|")
	require.NoError(t, err)

	interfaces := []InterfaceInfo{
		{Class: 0x03, Subclass: 0x00, Protocol: 0x00}, // non-boot HID, skipped
		{Class: 0x08},
	}
	err = Check(rules, 0x00, 0x00, 0x00, interfaces, 0, 0, 0, 0)
	assert.NoError(t, err)
}

func TestCheckAllSkippedForcesRecheck(t *testing.T) {
	rules, err := Parse("0x03,-1,-1,-1,0", ",", "|")
	require.NoError(t, err)

	interfaces := []InterfaceInfo{
		{Class: 0x03, Subclass: 0x00, Protocol: 0x00},
		{Class: 0x03, Subclass: 0x00, Protocol: 0x00},
	}
	err = Check(rules, 0x00, 0x00, 0x00, interfaces, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestCheckDefaultAllow(t *testing.T) {
	rules, err := Parse("0x03,-1,-1,-1,0", ",", "|")
	require.NoError(t, err)

	err = Check(rules, 0x09, 0x00, 0x00, nil, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrNoRule)

	err = Check(rules, 0x09, 0x00, 0x00, nil, 0, 0, 0, FlagDefaultAllow)
	assert.NoError(t, err)
}

func TestVerifyRange(t *testing.T) {
	assert.NoError(t, Verify([]Rule{{Class: Wildcard, VendorID: Wildcard, ProductID: Wildcard, VersionBCD: Wildcard}}))
	assert.Error(t, Verify([]Rule{{Class: 256}}))
	assert.Error(t, Verify([]Rule{{VendorID: -2}}))
}

func TestPrint(t *testing.T) {
	rules, err := Parse("0x03,0x0781,0x5567,0x0210,1", ",", "|")
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, Print(rules, &b))
	assert.Contains(t, b.String(), "Class 0x03 ID 0x0781:0x5567 Version 2.10 Allow")
}
