package testutil

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
)

// updateGolden controls whether golden files should be updated.
// Use: go test ./... -run TestGolden -update
var updateGolden = flag.Bool("update", false, "update golden files")

// ShouldUpdate returns true if golden files should be updated.
func ShouldUpdate() bool {
	return *updateGolden
}

// CompareGolden compares got against the golden file, failing with a diff on mismatch.
// Automatically normalizes the data before comparison.
// If -update flag is set, updates the golden file instead of comparing.
func CompareGolden(t *testing.T, fixture *Fixture, name string, got any) {
	t.Helper()

	normalized := MarshalNormalized(t, fixture, got)
	goldenPath := fixture.ExpectedPath(name)

	if *updateGolden {
		UpdateGolden(t, fixture, name, normalized)
		t.Logf("Updated golden: %s", goldenPath)
		return
	}

	expected, err := os.ReadFile(goldenPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Fatalf("Golden file missing: %s\n\nGot:\n%s\n\nRun with -update to create:\n  go test ./... -run %s -update",
				goldenPath, string(normalized), t.Name())
		}
		t.Fatalf("Failed to read golden file: %v", err)
	}

	if !bytes.Equal(normalized, expected) {
		diff := lineDiff(string(expected), string(normalized), goldenPath)
		t.Fatalf("Golden mismatch for %s:\n%s\n\nRun with -update to refresh:\n  go test ./... -run %s -update",
			name, diff, t.Name())
	}
}

// UpdateGolden writes normalized data to the golden file.
func UpdateGolden(t *testing.T, fixture *Fixture, name string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(fixture.ExpectedDir, 0o755); err != nil {
		t.Fatalf("Failed to create expected directory: %v", err)
	}
	if err := os.WriteFile(fixture.ExpectedPath(name), data, 0o644); err != nil {
		t.Fatalf("Failed to write golden file: %v", err)
	}
}

// lineDiff lists the lines that differ, expected first.
func lineDiff(expected, got, path string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s (expected)\n", path)
	fmt.Fprintf(&buf, "+++ %s (got)\n", path)

	expectedLines := strings.Split(expected, "\n")
	gotLines := strings.Split(got, "\n")
	n := len(expectedLines)
	if len(gotLines) > n {
		n = len(gotLines)
	}

	for i := 0; i < n; i++ {
		var exp, g string
		if i < len(expectedLines) {
			exp = expectedLines[i]
		}
		if i < len(gotLines) {
			g = gotLines[i]
		}
		if exp == g {
			continue
		}
		fmt.Fprintf(&buf, "@@ line %d @@\n", i+1)
		if i < len(expectedLines) {
			buf.WriteString("-" + exp + "\n")
		}
		if i < len(gotLines) {
			buf.WriteString("+" + g + "\n")
		}
	}
	return buf.String()
}
