// cmd/format.go

package main

import (
	"context"
	"os"
	"regexp"

	"AveCache/pkg/codec"
	"AveCache/pkg/store"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func format(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("Meta URL and name are required")
	}
	if c.Args().Len() < 2 {
		logger.Fatalf("Please give it a name")
	}
	name := c.Args().Get(1)
	validName := regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{1,61}[a-z0-9]$`)
	if !validName.MatchString(name) {
		logger.Fatalf("invalid name: %s, only alphabet, number and - are allowed, and the length should be 3 to 63 characters.", name)
	}
	if codec.NewCompressor(c.String("compress")) == nil {
		logger.Fatalf("Unsupported compress algorithm: %s", c.String("compress"))
	}

	ctx := context.Background()
	st := openStore(c, false)
	defer st.Close()
	old, err := st.Load(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFormatted) {
		logger.Fatalf("load setting: %s", err)
	}
	if c.Bool("no-update") && old != nil {
		return nil
	}

	format := store.Format{
		Name:        name,
		UUID:        uuid.New().String(),
		Compression: c.String("compress"),
	}
	if c.Bool("encrypt") {
		if os.Getenv("AVECACHE_PASSPHRASE") == "" {
			logger.Fatalf("AVECACHE_PASSPHRASE is required to format an encrypted store")
		}
		if old != nil && old.EncryptSalt != "" && !c.Bool("force") {
			format.EncryptSalt = old.EncryptSalt
		} else if format.EncryptSalt, err = codec.NewSalt(); err != nil {
			logger.Fatalf("generate salt: %s", err)
		}
	}

	if err = st.SaveFormat(ctx, format, c.Bool("force")); err != nil {
		logger.Fatalf("format: %s", err)
	}
	v, err := st.Version(ctx)
	if err != nil {
		logger.Fatalf("schema version: %s", err)
	}
	if err = st.Init(ctx, v); err != nil {
		logger.Fatalf("init schema from version %d: %s", v, err)
	}
	if format, err := st.Load(ctx); err == nil {
		logger.Infof("Store is formatted as %+v", *format)
	}
	return nil
}

func formatFlags() *cli.Command {
	return &cli.Command{
		Name:      "format",
		Usage:     "format a store or migrate its schema",
		ArgsUsage: "META-URL NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "compress",
				Value: "none",
				Usage: "compression algorithm (lz4, zstd, none)",
			},
			&cli.BoolFlag{
				Name:  "encrypt",
				Usage: "encrypt records with a key derived from env AVECACHE_PASSPHRASE",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing format",
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "don't update existing store",
			},
		},
		Action: format,
	}
}
