// cmd/bitmask.go

package main

import (
	"encoding/hex"
	"fmt"

	"AveCache/pkg/bitmask"

	"github.com/urfave/cli/v2"
)

type bitmaskInfo struct {
	Ready       string
	Parts       int
	Capacity    int64
	Encoded     string
	Compact     string
	TotalSize   int64  `json:",omitempty"`
	ReadyPrefix *int64 `json:",omitempty"`
}

func inspectBitmask(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("HEX is needed")
	}
	raw, err := hex.DecodeString(c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("invalid hex: %s", err)
	}
	var m *bitmask.Bitmask
	if c.Bool("compact") {
		m, err = bitmask.DecodeCompact(raw)
	} else {
		m, err = bitmask.Decode(raw)
	}
	if err != nil {
		return err
	}

	info := bitmaskInfo{
		Ready:    m.String(),
		Parts:    len(m.AsSlice()),
		Capacity: m.Size(),
		Encoded:  hex.EncodeToString(m.Encode()),
		Compact:  hex.EncodeToString(m.EncodeCompact()),
	}
	if ps := c.Int64("part-size"); ps > 0 {
		info.TotalSize = m.GetTotalSize(ps)
		if c.IsSet("offset") {
			n := m.GetReadyPrefixSize(c.Int64("offset"), ps, c.Int64("file-size"))
			info.ReadyPrefix = &n
		}
	}
	printJson(&info)
	return nil
}

func bitmaskFlags() *cli.Command {
	return &cli.Command{
		Name:      "bitmask",
		Usage:     "decode a part bitmask and show what is ready",
		ArgsUsage: "HEX",
		Action:    inspectBitmask,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "compact",
				Usage: "HEX is in the run length form",
			},
			&cli.Int64Flag{
				Name:  "part-size",
				Usage: "size of a part in bytes",
			},
			&cli.Int64Flag{
				Name:  "offset",
				Usage: "report how many bytes are ready from this offset (needs part-size)",
			},
			&cli.Int64Flag{
				Name:  "file-size",
				Usage: "size of the file, 0 if unknown",
			},
		},
	}
}
