package queue

import (
	"strings"

	"github.com/rustyeddy/optqueue/pkg/id"
)

// IsAbsolutePath reports whether p is an absolute POSIX path, a Windows
// drive path (C:\ or C:/) or a UNC path. The check is lexical so a runner on
// one OS can queue datasets for a backend on another.
func IsAbsolutePath(p string) bool {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return false
	case strings.HasPrefix(p, "/"):
		return true
	case strings.HasPrefix(p, `\\`):
		return len(p) > 2
	case len(p) >= 3 && isASCIILetter(p[0]) && p[1] == ':' && (p[2] == '\\' || p[2] == '/'):
		return true
	}
	return false
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// NormalizeSources trims paths and drops empty, non-path and non-absolute
// entries. Order is preserved.
func NormalizeSources(in []Source) []Source {
	out, _ := rebaseSources(in, 0)
	return out
}

func normalizeSource(s Source) (Source, bool) {
	path := strings.TrimSpace(s.Path)
	if path == "" || (s.Type != "" && s.Type != "path") || !IsAbsolutePath(path) {
		return Source{}, false
	}
	return PathSource(path), true
}

// rebaseSources normalizes in and moves cursor back by the number of
// entries dropped ahead of it, so it keeps pointing at the same source.
func rebaseSources(in []Source, cursor int) ([]Source, int) {
	out := make([]Source, 0, len(in))
	next := cursor
	for i, s := range in {
		src, ok := normalizeSource(s)
		if !ok {
			if i < cursor {
				next--
			}
			continue
		}
		out = append(out, src)
	}
	return out, next
}

// Normalize returns a repaired copy of s:
//   - items whose sources normalize to nothing are dropped
//   - missing or duplicate ids are replaced, missing indices assigned
//   - NextIndex is max(supplied, highest index + 1)
//   - the cursor is rebased past dropped sources, cursor and counters clamped
//   - legacy run configs are upgraded and missing labels rebuilt
//   - an empty queue is never marked active
//
// Normalize is idempotent.
func Normalize(s State) State {
	maxIndex := 0
	for _, it := range s.Items {
		if it.Index > maxIndex {
			maxIndex = it.Index
		}
	}
	next := max(s.NextIndex, maxIndex+1, 1)

	out := State{
		Items:   make([]Item, 0, len(s.Items)),
		Runtime: s.Runtime,
	}
	seen := make(map[string]bool, len(s.Items))

	for _, raw := range s.Items {
		it := raw.Clone()

		it.Sources, it.SourceCursor = rebaseSources(it.Sources, it.SourceCursor)
		if len(it.Sources) == 0 {
			continue
		}

		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" || seen[it.ID] {
			it.ID = id.New()
		}
		seen[it.ID] = true

		if it.Index <= 0 {
			it.Index = next
			next++
		}

		if !it.Mode.Valid() {
			if it.WFA != nil {
				it.Mode = ModeWFA
			} else {
				it.Mode = ModeOptuna
			}
		}
		switch it.Mode {
		case ModeWFA:
			if it.WFA == nil {
				w := DefaultWFA()
				it.WFA = &w
			}
		case ModeOptuna:
			it.WFA = nil
		}

		it.SourceCursor = min(max(it.SourceCursor, 0), len(it.Sources))
		it.SuccessCount = max(it.SuccessCount, 0)
		it.FailureCount = max(it.FailureCount, 0)
		// Counters never exceed the attempted sources; dropped entries are
		// taken off the failures first.
		if over := it.SuccessCount + it.FailureCount - it.SourceCursor; over > 0 {
			d := min(over, it.FailureCount)
			it.FailureCount -= d
			it.SuccessCount -= over - d
		}

		if it.Config.SchemaVersion <= 0 {
			it.Config.SchemaVersion = CurrentSchemaVersion
		}
		if it.StrategyID == "" {
			it.StrategyID = it.StrategyConfig.ID
		}
		if strings.TrimSpace(it.Label) == "" {
			it.Label = BuildLabel(it)
		}

		out.Items = append(out.Items, it)
	}

	out.NextIndex = next
	if len(out.Items) == 0 {
		out.Runtime = Runtime{}
	}
	return out
}
