package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := guildhall.Version
	originalCommitSHA := guildhall.CommitSHA
	originalBuildTime := guildhall.BuildTime

	t.Cleanup(
		func() {
			guildhall.Version = originalVersion
			guildhall.CommitSHA = originalCommitSHA
			guildhall.BuildTime = originalBuildTime
		},
	)

	guildhall.Version = "1.0.0"
	guildhall.CommitSHA = "abc123"
	guildhall.BuildTime = "2023-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(
		func() {
			versionCmd.SetOut(nil)
		},
	)
	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		guildhall.Version,
		guildhall.CommitSHA,
		guildhall.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
