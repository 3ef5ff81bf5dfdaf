package testutil

import (
	"strings"
	"testing"
)

func TestMarshalNormalized(t *testing.T) {
	fx := &Fixture{Root: "/srv/site"}
	data := map[string]any{
		"id":      "0b6f6f1c-0000-4000-8000-000000000000",
		"addedAt": "2026-01-01T00:00:00Z",
		"files": []map[string]any{
			{"sourcePath": "/srv/site/z.less", "fileId": "x"},
			{"sourcePath": "/srv/site/a.less", "fileId": "y"},
		},
	}

	got := string(MarshalNormalized(t, fx, data))
	want := `{
  "files": [
    {
      "fileId": "<id>",
      "sourcePath": "<root>/a.less"
    },
    {
      "fileId": "<id>",
      "sourcePath": "<root>/z.less"
    }
  ],
  "id": "<id>"
}
`
	if got != want {
		t.Errorf("MarshalNormalized =\n%s\nwant\n%s", got, want)
	}
}

func TestTree(t *testing.T) {
	root := Tree(t, map[string]string{"css/a.less": "a", "b.coffee": "b"})
	fx := &Fixture{Root: root}
	if got := NormalizeString(root+"/css/a.less", fx.Root); !strings.HasPrefix(got, "<root>/") {
		t.Errorf("NormalizeString = %q", got)
	}
}

func TestLineDiff(t *testing.T) {
	diff := lineDiff("a\nb\nc", "a\nx\nc", "golden.json")
	if !strings.Contains(diff, "-b") || !strings.Contains(diff, "+x") || strings.Contains(diff, "-a") {
		t.Errorf("lineDiff =\n%s", diff)
	}
}
