package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v3"
)

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.0 KiB", humanBytes(1024))
	assert.Equal(t, "64.0 MiB", humanBytes(64<<20))
	assert.Equal(t, "1.5 GiB", humanBytes(3<<29))
}

func TestPrintUsageHidesJobCommands(t *testing.T) {
	root := &cli.Command{
		Name:     "fwupdate",
		Commands: []*cli.Command{cmdStatus(), cmdDownload(), cmdJob()},
	}

	var buf bytes.Buffer
	printUsage(&buf, root)
	out := buf.String()
	assert.Contains(t, out, "status")
	assert.Contains(t, out, "download <version|url|file>")
	assert.NotContains(t, out, "job")
}

func TestSelfJobCommandsParse(t *testing.T) {
	var got []string
	root := &cli.Command{Name: "fwupdate", Commands: []*cli.Command{cmdJob()}}
	write := root.Commands[0].Commands[2]
	write.Action = func(_ context.Context, c *cli.Command) error {
		got = []string{c.Args().Get(0), c.Args().Get(1)}
		assert.Equal(t, int64(4<<20), c.Int64("offset"))
		assert.Equal(t, int64(64<<20), c.Int64("size"))
		return nil
	}

	err := root.Run(context.Background(), []string{"fwupdate", "job", "write", "--offset", "4194304", "--size", "67108864", "/data/.fwupdate/firmware.img", "/dev/mmcblk0p1"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"/data/.fwupdate/firmware.img", "/dev/mmcblk0p1"}, got)
}
