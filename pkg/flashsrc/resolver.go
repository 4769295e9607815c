// Package flashsrc locates build artifacts in the date-structured build tree
// and classifies them by file name.
package flashsrc

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/pkg/errkind"
)

// Kind names one artifact type.
type Kind string

const (
	KindImage  Kind = "image"
	KindGecko  Kind = "gecko"
	KindGaia   Kind = "gaia"
	KindSymbol Kind = "symbol"
)

// Params describes which build to locate.
type Params struct {
	Branch  string
	Build   string
	BuildID string
}

// Options tells the resolver where builds live. Dir, when set, is used as is
// and skips the date-path decoding.
type Options struct {
	BaseDir string
	Dir     string
}

// Source maps each artifact kind found to its path. An empty Source is valid
// and means there is nothing to flash.
type Source map[Kind]string

// Has reports whether every kind is present.
func (s Source) Has(kinds ...Kind) bool {
	for _, k := range kinds {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

// rule order is the classification precedence: the first substring that
// matches decides the kind.
var rules = []struct {
	substr string
	kind   Kind
}{
	{"tar.gz", KindGecko},
	{"gaia", KindGaia},
	{"symbol", KindSymbol},
	{"zip", KindImage},
}

// Classify returns the kind of a file name, or false when no rule matches.
func Classify(name string) (Kind, bool) {
	for _, r := range rules {
		if strings.Contains(name, r.substr) {
			return r.kind, true
		}
	}
	return "", false
}

// BuildDir returns the directory for params under opts without touching the
// filesystem.
func BuildDir(params Params, opts Options) (string, error) {
	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		return dir, nil
	}
	base := strings.TrimSpace(opts.BaseDir)
	if base == "" {
		return "", errors.Wrap(errkind.ErrConfiguration, "no FLASH_BASEDIR set")
	}
	buildID := strings.TrimSpace(params.BuildID)
	if buildID == "" {
		log.Info().Str("base_dir", base).Msg("no build id set, search in base dir")
		return base, nil
	}
	year, month, segment, err := DecodeBuildID(buildID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, year, month, segment), nil
}

// DecodeBuildID turns a build id such as 2021-03-15-12-00-00 or 20210315120000
// into year "2021", month "03" and the directory segment
// "2021-03-15-12-00-00". Digits after the month are regrouped in pairs; an odd
// trailing digit forms its own group.
func DecodeBuildID(buildID string) (year, month, segment string, err error) {
	id := strings.ReplaceAll(strings.TrimSpace(buildID), "-", "")
	if len(id) < 6 {
		return "", "", "", errors.Wrapf(errkind.ErrConfiguration, "build id %q is shorter than YYYYMM", buildID)
	}
	year, month = id[:4], id[4:6]
	parts := []string{year, month}
	rest := id[6:]
	for i := 0; i < len(rest); i += 2 {
		end := i + 2
		if end > len(rest) {
			end = len(rest)
		}
		parts = append(parts, rest[i:end])
	}
	return year, month, strings.Join(parts, "-"), nil
}

// Resolve locates and classifies the artifacts for params.
func Resolve(params Params, opts Options) (Source, error) {
	dir, err := BuildDir(params, opts)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errors.Wrapf(errkind.ErrDirectoryNotFound, "flash directory %s not exist", dir)
	}
	return Scan(dir)
}

// Scan classifies the immediate file entries of dir; subdirectories are
// skipped. Entries are visited in name order, so for two files of one kind the
// later name wins.
func Scan(dir string) (Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(errkind.ErrDirectoryNotFound, "read flash directory %s: %v", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	src := Source{}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		log.Debug().Str("path", path).Msg("flash source found")
		if entry.IsDir() {
			continue
		}
		kind, ok := Classify(entry.Name())
		if !ok {
			continue
		}
		src[kind] = path
	}
	return src, nil
}
