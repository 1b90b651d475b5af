package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArtifactPath(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 7, 23, 0, 0, 0, time.FixedZone("x", -2*3600))
	cases := []struct {
		name                        string
		prefix, kind, host, id, ext string
		want                        string
	}{
		{"full", "/artifacts/", "render", "Example.COM", "abc", "html", "artifacts/render/2025/03/08/example.com/abc.html"},
		{"no prefix", "", "pdf", "a.example", "id-1", ".pdf", "pdf/2025/03/08/a.example/id-1.pdf"},
		{"no host", "p", "render", "", "id", "html", "p/render/2025/03/08/id.html"},
		{"hostile host", "p", "render", "../../etc", "id", "html", "p/render/2025/03/08/_.._etc/id.html"},
		{"port in host", "", "render", "a.example:8080", "id", "html", "render/2025/03/08/a.example_8080/id.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ArtifactPath(tc.prefix, tc.kind, tc.host, tc.id, tc.ext, ts))
		})
	}
}
