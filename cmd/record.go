// cmd/record.go

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"AveCache/pkg/gateway"
	"AveCache/pkg/store"

	"github.com/urfave/cli/v2"
)

func put(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 3 {
		logger.Fatalf("META-URL, DIALOG and ITEM are needed")
	}
	key := parseKey(c.Args().Get(1), c.Args().Get(2))
	data := []byte(c.String("data"))
	if c.String("data") == "-" {
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			logger.Fatalf("read stdin: %s", err)
		}
	}
	expires := c.Int64("expires-at")
	if ttl := c.Duration("ttl"); ttl > 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	expiresAt, err := timestamp("expires-at", expires)
	if err != nil {
		return err
	}

	g, done := openGateway(c, false)
	defer done()
	p, wait := gateway.Wait[gateway.Unit]()
	g.Put(store.NewRecord(key, expiresAt, store.NotificationID(c.Int("notification-id")), data), p)
	if _, err := wait(); err != nil {
		logger.Fatalf("put %s: %s", key, err)
	}
	logger.Debugf("put %s: %d bytes", key, len(data))
	return nil
}

func get(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 3 {
		logger.Fatalf("META-URL, DIALOG and ITEM are needed")
	}
	key := parseKey(c.Args().Get(1), c.Args().Get(2))
	g, done := openGateway(c, true)
	defer done()
	p, wait := gateway.Wait[[]byte]()
	g.Get(key, p)
	data, err := wait()
	if err != nil {
		logger.Fatalf("get %s: %s", key, err)
	}
	_, _ = os.Stdout.Write(data)
	return nil
}

func del(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 3 {
		logger.Fatalf("META-URL, DIALOG and ITEM are needed")
	}
	key := parseKey(c.Args().Get(1), c.Args().Get(2))
	g, done := openGateway(c, false)
	defer done()
	p, wait := gateway.Wait[gateway.Unit]()
	g.Delete(key, p)
	if _, err := wait(); err != nil {
		logger.Fatalf("delete %s: %s", key, err)
	}
	return nil
}

func expiring(c *cli.Context) error {
	setLoggerLevel(c)
	before := c.Int64("before")
	if before == 0 {
		before = time.Now().Unix()
	}
	ts, err := timestamp("before", before)
	if err != nil {
		return err
	}
	g, done := openGateway(c, true)
	defer done()
	p, wait := gateway.Wait[[][]byte]()
	g.GetExpiring(ts, c.Int("limit"), p)
	res, err := wait()
	if err != nil {
		logger.Fatalf("get expiring: %s", err)
	}
	printPayloads(res)
	return nil
}

func history(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 2 {
		logger.Fatalf("META-URL and DIALOG are needed")
	}
	key := parseKey(c.Args().Get(1), "0")
	g, done := openGateway(c, true)
	defer done()
	p, wait := gateway.Wait[[][]byte]()
	g.GetFromNotificationID(key.Dialog, store.NotificationID(c.Int("from")), c.Int("limit"), p)
	res, err := wait()
	if err != nil {
		logger.Fatalf("history of %d: %s", key.Dialog, err)
	}
	printPayloads(res)
	return nil
}

// timestamp checks that a unix time given on the command line fits a record.
func timestamp(flag string, v int64) (int32, error) {
	if v < 0 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%s %d is out of range [0, %d]", flag, v, math.MaxInt32)
	}
	return int32(v), nil
}

func putFlags() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "insert or replace a record",
		ArgsUsage: "META-URL DIALOG ITEM",
		Action:    put,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data",
				Usage: "payload of the record, - reads it from stdin",
			},
			&cli.Int64Flag{
				Name:  "expires-at",
				Usage: "unix time when the record expires, 0 for never",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "expire the record after this duration, overrides expires-at",
			},
			&cli.IntFlag{
				Name:  "notification-id",
				Usage: "notification id of the record in its dialog",
			},
		},
	}
}

func getFlags() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the payload of a record",
		ArgsUsage: "META-URL DIALOG ITEM",
		Action:    get,
	}
}

func deleteFlags() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "remove a record",
		ArgsUsage: "META-URL DIALOG ITEM",
		Action:    del,
	}
}

func expiringFlags() *cli.Command {
	return &cli.Command{
		Name:      "expiring",
		Usage:     "list records expiring before a time, soonest first",
		ArgsUsage: "META-URL",
		Action:    expiring,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "before",
				Usage: "unix time, defaults to now",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 100,
				Usage: "maximum number of records",
			},
		},
	}
}

func historyFlags() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "list records of a dialog before a notification id, newest first",
		ArgsUsage: "META-URL DIALOG",
		Action:    history,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "from",
				Value: math.MaxInt32,
				Usage: "list notification ids lower than this",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 100,
				Usage: "maximum number of records",
			},
		},
	}
}
