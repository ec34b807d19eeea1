package main

import (
	"testing"

	"github.com/franksops/fileops/jobs"
)

func TestFormatLine(t *testing.T) {
	tests := []struct {
		snap jobs.Snapshot
		want string
	}{
		{
			jobs.Snapshot{ID: "j1", State: jobs.StateQueued},
			"j1 queued   files 0/0 bytes 0/0",
		},
		{
			jobs.Snapshot{ID: "j1", State: jobs.StateRunning, Progress: jobs.Progress{
				FilesTotal: 2, BytesDone: 10, BytesTotal: 20,
				Current: &jobs.Entry{Path: "/a/b", Phase: "upload"},
			}},
			"j1 running  files 0/2 bytes 10/20 [upload] /a/b",
		},
		{
			jobs.Snapshot{ID: "j1", State: jobs.StateError, Error: "no_space"},
			"j1 error    files 0/0 bytes 0/0 error=no_space",
		},
	}
	for _, tt := range tests {
		if got := formatLine(tt.snap); got != tt.want {
			t.Errorf("formatLine() = %q; want %q", got, tt.want)
		}
	}
}
