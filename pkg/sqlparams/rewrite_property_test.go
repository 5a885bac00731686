package sqlparams

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// For any query built from @tokens drawn from a parameter set, the rewritten
// statement holds one ? per token, in token order, with args aligned 1:1.
func TestRewrite_PlaceholdersAlignWithTokens(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`), 1, 6, rapid.ID[string],
		).Draw(rt, "names")

		params := make(Params, len(names))
		for i, name := range names {
			params[name] = Scalar{V: i}
		}

		picks := rapid.SliceOfN(rapid.IntRange(0, len(names)-1), 1, 20).Draw(rt, "picks")
		parts := make([]string, len(picks))
		for i, pick := range picks {
			parts[i] = fmt.Sprintf("col%d = @%s", i, names[pick])
		}
		query := "SELECT * FROM t WHERE " + strings.Join(parts, " AND ")

		rewritten, args, err := Rewrite(query, params)
		if err != nil {
			rt.Fatalf("Rewrite() failed: %v", err)
		}
		if strings.Contains(rewritten, "@") {
			rt.Fatalf("token left behind in %q", rewritten)
		}
		if got := strings.Count(rewritten, "?"); got != len(picks) {
			rt.Fatalf("expected %d placeholders, got %d", len(picks), got)
		}
		if len(args) != len(picks) {
			rt.Fatalf("expected %d args, got %d", len(picks), len(args))
		}
		for i, pick := range picks {
			if args[i] != pick {
				rt.Fatalf("arg %d = %v, want %d", i, args[i], pick)
			}
		}
	})
}

// List values always flatten to the comma-joined decimal form.
func TestRewrite_ListJoinProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ints := rapid.SliceOf(rapid.Int()).Draw(rt, "ints")

		list := make(List, len(ints))
		expected := make([]string, len(ints))
		for i, v := range ints {
			list[i] = v
			expected[i] = fmt.Sprint(v)
		}

		_, args, err := Rewrite("SELECT * FROM t WHERE id IN (@ids)", Params{"ids": list})
		if err != nil {
			rt.Fatalf("Rewrite() failed: %v", err)
		}
		if args[0] != strings.Join(expected, ",") {
			rt.Fatalf("got %v, want %s", args[0], strings.Join(expected, ","))
		}
	})
}
