// cmd/drop.go

package main

import (
	"context"

	"github.com/urfave/cli/v2"
)

func drop(c *cli.Context) error {
	setLoggerLevel(c)
	ctx := context.Background()
	st := openStore(c, false)
	defer st.Close()
	v, err := st.Version(ctx)
	if err != nil {
		logger.Fatalf("schema version: %s", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		logger.Fatalf("stats: %s", err)
	}
	if err = st.Drop(ctx, v); err != nil {
		logger.Fatalf("drop: %s", err)
	}
	if !c.Bool("keep-schema") {
		logger.Infof("Dropped %d records", stats.Records)
		return nil
	}
	if err = st.Init(ctx, 0); err != nil {
		logger.Fatalf("init schema: %s", err)
	}
	logger.Infof("Dropped %d records, schema is recreated", stats.Records)
	return nil
}

func dropFlags() *cli.Command {
	return &cli.Command{
		Name:      "drop",
		Usage:     "remove all records, the format is kept",
		ArgsUsage: "META-URL",
		Action:    drop,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "keep-schema",
				Usage: "create the empty schema again",
			},
		},
	}
}
