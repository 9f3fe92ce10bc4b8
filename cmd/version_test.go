package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/grcommunity/grcbot/grcbot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := grcbot.Version
	originalCommitSHA := grcbot.CommitSHA
	originalBuildTime := grcbot.BuildTime

	t.Cleanup(
		func() {
			grcbot.Version = originalVersion
			grcbot.CommitSHA = originalCommitSHA
			grcbot.BuildTime = originalBuildTime
		},
	)

	grcbot.Version = "1.0.0"
	grcbot.CommitSHA = "abc123"
	grcbot.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		grcbot.Version,
		grcbot.CommitSHA,
		grcbot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
