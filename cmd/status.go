// cmd/status.go

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"AveCache/pkg/store"
	"AveCache/pkg/utils"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

type usage struct {
	Utime float64
	Stime float64
}

type sections struct {
	Engine  string
	Setting *store.Format
	Version int
	Stats   store.Stats
	Usage   usage
}

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func status(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		return fmt.Errorf("META-URL is needed")
	}
	ctx := context.Background()
	st := openStore(c, true)
	defer st.Close()

	format, err := st.Load(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFormatted) {
		logger.Fatalf("load setting: %s", err)
	}
	v, err := st.Version(ctx)
	if err != nil {
		logger.Fatalf("schema version: %s", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		logger.Fatalf("stats: %s", err)
	}
	ru := utils.GetRusage()
	printJson(&sections{st.Name(), format, v, stats, usage{ru.GetUtime(), ru.GetStime()}})
	return nil
}

func statusFlags() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show format, schema version and size of a store",
		ArgsUsage: "META-URL",
		Action:    status,
	}
}
