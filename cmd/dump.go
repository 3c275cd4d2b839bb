// cmd/dump.go

package main

import (
	"bufio"
	"context"
	"io"
	"os"

	"AveCache/pkg/utils"

	"github.com/urfave/cli/v2"
)

func dump(c *cli.Context) error {
	setLoggerLevel(c)
	ctx := context.Background()
	st := openStore(c, true)
	defer st.Close()

	var w io.Writer = os.Stdout
	dst := c.Args().Get(1)
	if dst != "" {
		f, err := os.Create(dst)
		if err != nil {
			logger.Fatalf("create %s: %s", dst, err)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriterSize(utils.NewLimitedWriter(w, c.Int64("bwlimit")<<17), 1<<20)

	stats, err := st.Stats(ctx)
	if err != nil {
		logger.Fatalf("stats: %s", err)
	}
	progress, bar := utils.NewDynProgressBar("Dump records: ", dst == "" || c.Bool("quiet"))
	bar.SetTotal(stats.Records, false)
	err = st.Dump(ctx, bw, func() {
		if bar.Current() >= stats.Records {
			bar.SetTotal(bar.Current()+1, false)
		}
		bar.Increment()
	})
	if err == nil {
		err = bw.Flush()
	}
	bar.SetTotal(0, true)
	progress.Wait()
	if err != nil {
		logger.Fatalf("dump: %s", err)
	}
	if dst != "" {
		logger.Infof("Dumped %d records into %s", bar.Current(), dst)
	}
	return nil
}

func dumpFlags() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "write all records as JSON lines",
		ArgsUsage: "META-URL [FILE]",
		Action:    dump,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "bandwidth limit for writing the dump in Mbps (0 means unlimited)",
			},
		},
	}
}
