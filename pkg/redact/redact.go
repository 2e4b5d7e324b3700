package redact

import (
	"regexp"
	"sync"
)

// Redactor holds a refreshable set of sensitive key matchers and value
// patterns. A single process-wide instance is shared by the ingest path; the
// set is swapped atomically on Refresh.
type Redactor struct {
	mtx      sync.RWMutex
	keys     []*regexp.Regexp
	patterns []*regexp.Regexp
}

func New() *Redactor {
	return &Redactor{}
}

// Refresh recompiles the sensitive key and value pattern sets. Invalid
// expressions are skipped; the first compile error is returned after the
// valid remainder has been installed.
func (r *Redactor) Refresh(keys, patterns []string) error {
	var firstErr error

	compile := func(exprs []string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			out = append(out, re)
		}
		return out
	}

	compiledKeys := compile(keys)
	compiledPatterns := compile(patterns)

	r.mtx.Lock()
	r.keys = compiledKeys
	r.patterns = compiledPatterns
	r.mtx.Unlock()

	return firstErr
}

// RedactLine applies every value pattern to the text. When a pattern captures
// two or more groups the replacement keeps group 1 and masks the rest,
// otherwise the whole match is masked.
func (r *Redactor) RedactLine(text, mask string) string {
	r.mtx.RLock()
	patterns := r.patterns
	r.mtx.RUnlock()

	for _, re := range patterns {
		if re.NumSubexp() >= 2 {
			text = re.ReplaceAllString(text, "${1}"+mask)
		} else {
			text = re.ReplaceAllString(text, mask)
		}
	}
	return text
}

// RedactMetadataValues masks metadata values in place. Values under a
// sensitive key are replaced wholesale regardless of content; all other
// values go through the pattern set.
func (r *Redactor) RedactMetadataValues(meta map[string]string, mask string) {
	r.mtx.RLock()
	keys := r.keys
	r.mtx.RUnlock()

	for k, v := range meta {
		sensitive := false
		for _, re := range keys {
			if re.MatchString(k) {
				sensitive = true
				break
			}
		}
		if sensitive {
			meta[k] = mask
			continue
		}
		meta[k] = r.RedactLine(v, mask)
	}
}
