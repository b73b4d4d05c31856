package integrate

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/depfetch/depfetch/pkg/deperr"
)

// Options are the per-dependency integration overrides. The set of keys is
// closed: ParseOptions rejects anything else.
type Options struct {
	// Shared, SkipTests and ExcludeFromAll are nil unless set. A nil option
	// leaves the build description's own default for it in place.
	Shared         *bool
	SkipTests      *bool
	ExcludeFromAll *bool
	// SourceSubdir selects a subdirectory of the populated tree holding the
	// build description.
	SourceSubdir string
	// Namespace prefixes target handles; defaults to the dependency name.
	Namespace string
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ParseOptions converts the free-form options table of a manifest entry.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		v := raw[k]
		var err error
		switch k {
		case "shared":
			opts.Shared, err = asBool(k, v)
		case "skip_tests":
			opts.SkipTests, err = asBool(k, v)
		case "exclude_from_all":
			opts.ExcludeFromAll, err = asBool(k, v)
		case "source_subdir":
			opts.SourceSubdir, err = asString(k, v)
		case "namespace":
			opts.Namespace, err = asString(k, v)
		default:
			err = fmt.Errorf("unknown option %q", k)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := opts.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Options{}, fmt.Errorf("%w: %w", deperr.ErrMalformed, errors.Join(errs...))
	}
	return opts, nil
}

func (o Options) Validate() error {
	var errs []error
	if o.SourceSubdir != "" && !filepath.IsLocal(o.SourceSubdir) {
		errs = append(errs, fmt.Errorf("source_subdir %q must be a relative path inside the source tree", o.SourceSubdir))
	}
	if o.Namespace != "" && !identRE.MatchString(o.Namespace) {
		errs = append(errs, fmt.Errorf("namespace %q is not a valid identifier", o.Namespace))
	}
	return errors.Join(errs...)
}

func asBool(key string, v any) (*bool, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("option %q must be a bool, got %T", key, v)
	}
	return &b, nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return s, nil
}
