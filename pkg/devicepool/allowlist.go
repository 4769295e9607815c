package devicepool

import "strings"

// EnvDeviceAllowlist optionally restricts the pool to a subset of device serials.
// The value can be a comma/semicolon/whitespace-separated list, for example:
//
//	DEVICE_ALLOWLIST="device-A,device-B"
//	DEVICE_ALLOWLIST="device-A device-B"
const EnvDeviceAllowlist = "DEVICE_ALLOWLIST"

func parseDeviceAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeSerials(parts)
}

func normalizeSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// filterAllowed keeps serials present in allow; an empty allowlist keeps all.
func filterAllowed(serials, allow []string) []string {
	serials = normalizeSerials(serials)
	if len(allow) == 0 {
		return serials
	}
	set := make(map[string]struct{}, len(allow))
	for _, s := range normalizeSerials(allow) {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
