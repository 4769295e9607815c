package mtbfagent

import (
	"sort"
	"strings"
)

// SettingAPN is the device setting holding the APN list.
const SettingAPN = "ril.data.apnSettings"

// APN is one access point entry of ril.data.apnSettings.
type APN struct {
	Carrier  string   `json:"carrier"`
	APN      string   `json:"apn"`
	MMSC     string   `json:"mmsc,omitempty"`
	MMSProxy string   `json:"mmsproxy,omitempty"`
	MMSPort  string   `json:"mmsport,omitempty"`
	Types    []string `json:"types"`
}

// networkProfiles are the APN presets by profile name. The outer list is per
// SIM slot.
var networkProfiles = map[string][][]APN{
	"7mobile": {{
		{
			Carrier:  "(7-Mobile) (MMS)",
			APN:      "opentalk",
			MMSC:     "http://mms",
			MMSProxy: "210.241.199.199",
			MMSPort:  "9201",
			Types:    []string{"mms"},
		},
		{
			Carrier: "(7-Mobile) (Internet)",
			APN:     "opentalk",
			Types:   []string{"default", "supl"},
		},
	}},
}

// NetworkProfile returns the APN preset for name.
func NetworkProfile(name string) ([][]APN, bool) {
	p, ok := networkProfiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// NetworkProfiles lists the known preset names.
func NetworkProfiles() []string {
	names := make([]string, 0, len(networkProfiles))
	for name := range networkProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
