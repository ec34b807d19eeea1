package provider

import (
	"testing"
)

func TestS3Provider_ImplementsConn(t *testing.T) {
	var _ Conn = (*S3Provider)(nil)
	var _ ServerCopier = (*S3Provider)(nil)
}

func TestS3Provider_BuildKey(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		expect string
	}{
		{"", "test.txt", "test.txt"},
		{"", "/test.txt", "test.txt"},
		{"myprefix", "test.txt", "myprefix/test.txt"},
		{"myprefix/", "test.txt", "myprefix/test.txt"},
		{"myprefix", "/test.txt", "myprefix/test.txt"},
		{"my/deep/prefix/", "/some/path.txt", "my/deep/prefix/some/path.txt"},
		{"", "", ""},
		{"myprefix", "", "myprefix"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"+"+tt.path, func(t *testing.T) {
			p := &S3Provider{prefix: tt.prefix}
			actual := p.buildKey(tt.path)
			if actual != tt.expect {
				t.Errorf("buildKey(%q, %q) = %q; want %q", tt.prefix, tt.path, actual, tt.expect)
			}
		})
	}
}

func TestS3Provider_CopySourceEscapesSegments(t *testing.T) {
	p := &S3Provider{bucket: "media"}
	got := p.copySource("movies/a b#1.mkv")
	want := "media/movies/a%20b%231.mkv"
	if got != want {
		t.Errorf("copySource = %q; want %q", got, want)
	}
}

func TestDirPrefixOf(t *testing.T) {
	for in, want := range map[string]string{"": "", "a": "a/", "a/": "a/"} {
		if got := dirPrefixOf(in); got != want {
			t.Errorf("dirPrefixOf(%q) = %q; want %q", in, got, want)
		}
	}
}
